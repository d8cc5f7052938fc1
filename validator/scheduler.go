package validator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/store"
)

// Scope selects which tasks a run validates.
type Scope string

const (
	// ScopeTask validates only the named task.
	ScopeTask Scope = "task"
	// ScopeHierarchy validates the task and its descendants.
	ScopeHierarchy Scope = "hierarchy"
	// ScopeBundle validates the task and its bundle members.
	ScopeBundle Scope = "bundle"
)

// Wave verdicts.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictBlocked = "blocked"
	VerdictSkipped = "skipped"
)

// manifestFileName is written next to the approval marker and records
// the roster the verdict was computed over.
const manifestFileName = "validation-manifest.json"

// Request parameterizes one validation run.
type Request struct {
	TaskID string
	Round  int
	Scope  Scope
	// AddValidators forces validators into the roster: "name" or
	// "wave:name" to reassign the wave for this run.
	AddValidators []string
	// BaseRef is the git base for changed-file collection. Empty means
	// HEAD.
	BaseRef string
	// SessionID is stamped on emitted process events.
	SessionID string
	// WaitDelegated blocks on delegated validators until their reports
	// appear or the validator timeout lapses.
	WaitDelegated bool
}

// ValidatorResult is one validator's outcome within a run.
type ValidatorResult struct {
	ID         string `json:"id"`
	Wave       string `json:"wave"`
	Blocking   bool   `json:"blocking"`
	Status     string `json:"status"`
	ReportPath string `json:"reportPath,omitempty"`
	Note       string `json:"note,omitempty"`
	// Delegated marks a validator awaiting an external report; its
	// pending status defers the approval marker instead of closing the
	// round.
	Delegated bool `json:"delegated,omitempty"`
}

// WaveResult is one wave's outcome.
type WaveResult struct {
	Name       string            `json:"name"`
	Verdict    string            `json:"verdict"`
	Validators []ValidatorResult `json:"validators"`
}

// Result is the full outcome of a validation run.
type Result struct {
	TaskID       string       `json:"taskId"`
	Round        int          `json:"round"`
	Scope        Scope        `json:"scope"`
	Members      []string     `json:"members"`
	Waves        []WaveResult `json:"waves"`
	Approved     bool         `json:"approved"`
	MarkerPath   string       `json:"markerPath,omitempty"`
	ManifestPath string       `json:"manifestPath,omitempty"`
	SummaryPath  string       `json:"summaryPath,omitempty"`
	EmptyRoster  bool         `json:"emptyRoster,omitempty"`
	// AwaitingReports lists blocking delegated validators whose reports
	// have not arrived; the marker is deferred until they do.
	AwaitingReports []string `json:"awaitingReports,omitempty"`
}

// Options carries the scheduler's optional collaborators.
type Options struct {
	Repo    *gitstate.Repo
	Events  *events.Writer
	WorkDir string
	Logger  *slog.Logger
}

// Scheduler runs validator rosters over evidence rounds.
type Scheduler struct {
	store    *store.Store
	evidence *evidence.Manager
	defs     map[string]Definition
	cfg      config.OrchestrationConfig
	repo     *gitstate.Repo
	events   *events.Writer
	workDir  string
	logger   *slog.Logger
}

// NewScheduler builds a scheduler over loaded definitions.
func NewScheduler(st *store.Store, ev *evidence.Manager, defs map[string]Definition, cfg config.OrchestrationConfig, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		if opts.Repo != nil {
			workDir = opts.Repo.Root()
		} else {
			workDir = "."
		}
	}
	return &Scheduler{
		store:    st,
		evidence: ev,
		defs:     defs,
		cfg:      cfg,
		repo:     opts.Repo,
		events:   opts.Events,
		workDir:  workDir,
		logger:   logger,
	}
}

// Definitions returns the loaded definitions keyed by ID.
func (s *Scheduler) Definitions() map[string]Definition { return s.defs }

// Run executes the roster for one prepared, open round. Reports already
// present in the round are consumed, not re-run, so a run interrupted by
// delegation can be resumed by calling Run again once reports land. The
// approval marker is written once all blocking validators have reported.
func (s *Scheduler) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Round < 1 {
		return nil, &errdefs.InvariantViolation{Kind: "qa", ID: req.TaskID, Detail: "validation requires a prepared round"}
	}
	root, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeTask
	}
	members, err := s.collectMembers(root, scope)
	if err != nil {
		return nil, err
	}

	roundDir := s.evidence.RoundDir(root.ID, req.Round)
	if !fsio.DirExists(roundDir) {
		return nil, &errdefs.InvariantViolation{
			Kind: "qa", ID: root.ID,
			Detail: fmt.Sprintf("round %d is not prepared", req.Round),
		}
	}
	if s.evidence.RoundClosed(root.ID, req.Round) {
		return nil, &errdefs.InvariantViolation{
			Kind: "qa", ID: root.ID,
			Detail: fmt.Sprintf("round %d is closed by its approval marker", req.Round),
		}
	}

	changed := s.changedFiles(ctx, req.BaseRef)
	roster, err := AssembleRoster(s.defs, changed, req.AddValidators)
	if err != nil {
		return nil, err
	}

	res := &Result{TaskID: root.ID, Round: req.Round, Scope: scope, Members: memberIDs(members)}
	if len(roster) == 0 {
		return s.finishEmptyRoster(res)
	}

	statuses := map[string]ValidatorResult{}
	prevPassed := true
	stopped := false
	for _, wg := range s.groupWaves(roster) {
		wr := WaveResult{Name: wg.cfg.Name}
		switch {
		case stopped:
			wr.Verdict = VerdictSkipped
			for _, entry := range wg.entries {
				vr := ValidatorResult{
					ID: entry.ID, Wave: entry.Wave, Blocking: entry.Blocking,
					Status: StatusPending, Note: "wave skipped after earlier failure",
				}
				wr.Validators = append(wr.Validators, vr)
				statuses[entry.ID] = vr
			}
		case wg.cfg.RequiresPreviousPass && !prevPassed:
			wr.Verdict = VerdictBlocked
			for _, entry := range wg.entries {
				vr := s.blockValidator(root.ID, req.Round, entry, "previous wave did not pass")
				wr.Validators = append(wr.Validators, vr)
				statuses[entry.ID] = vr
			}
			prevPassed = false
		default:
			wr.Validators = s.runWave(ctx, root.ID, req, wg.entries)
			pass := true
			for _, vr := range wr.Validators {
				statuses[vr.ID] = vr
				if vr.Blocking && Rejecting(vr.Status) {
					pass = false
				}
			}
			if pass {
				wr.Verdict = VerdictPass
			} else {
				wr.Verdict = VerdictFail
				if !wg.cfg.ContinueOnFail {
					stopped = true
				}
			}
			prevPassed = pass
		}
		res.Waves = append(res.Waves, wr)
	}

	manifestPath, err := s.writeManifest(roundDir, res, roster)
	if err != nil {
		return nil, err
	}
	res.ManifestPath = manifestPath

	approved, verdict := computeApproval(roster, statuses)
	res.AwaitingReports = awaitedBlocking(roster, statuses)
	if len(res.AwaitingReports) == 0 {
		approval := evidence.BundleApproval{
			Approved: approved,
			Tasks:    taskApprovals(res.Members, approved, verdict, req.Round),
			Manifest: manifestFileName,
		}
		markerPath, err := s.evidence.WriteBundleApproval(root.ID, req.Round, approval)
		if err != nil {
			return nil, err
		}
		res.MarkerPath = markerPath
		res.Approved = approved
	}

	summaryPath, err := s.writeSummary(roundDir, root.ID, req.Round, res)
	if err != nil {
		s.logger.Warn("writing validation summary failed", "task", root.ID, "round", req.Round, "error", err)
	} else {
		res.SummaryPath = summaryPath
	}
	return res, nil
}

// finishEmptyRoster applies the configured empty-roster policy: strict
// leaves no marker so promotion stays blocked, permissive writes an
// approving marker with an empty task list.
func (s *Scheduler) finishEmptyRoster(res *Result) (*Result, error) {
	res.EmptyRoster = true
	if s.cfg.EmptyRosterPolicy != "permissive" {
		s.logger.Warn("no validators matched; promotion stays blocked",
			"task", res.TaskID, "round", res.Round, "policy", "strict")
		return res, nil
	}
	markerPath, err := s.evidence.WriteBundleApproval(res.TaskID, res.Round, evidence.BundleApproval{
		Approved: true,
		Tasks:    []evidence.TaskApproval{},
	})
	if err != nil {
		return nil, err
	}
	res.MarkerPath = markerPath
	res.Approved = true
	return res, nil
}

// collectMembers resolves the scope to concrete tasks, root first, the
// rest ordered by ID.
func (s *Scheduler) collectMembers(root *entity.Task, scope Scope) ([]*entity.Task, error) {
	switch scope {
	case ScopeTask, "":
		return []*entity.Task{root}, nil
	case ScopeBundle:
		all, err := s.store.ListTasks(store.TaskFilter{})
		if err != nil {
			return nil, err
		}
		members := []*entity.Task{root}
		for _, t := range all {
			if t.BundleRoot == root.ID && t.ID != root.ID {
				members = append(members, t)
			}
		}
		sortMembersAfterRoot(members)
		return members, nil
	case ScopeHierarchy:
		all, err := s.store.ListTasks(store.TaskFilter{})
		if err != nil {
			return nil, err
		}
		children := map[string][]*entity.Task{}
		for _, t := range all {
			if t.Parent != "" {
				children[t.Parent] = append(children[t.Parent], t)
			}
		}
		members := []*entity.Task{root}
		queue := []string{root.ID}
		seen := map[string]bool{root.ID: true}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, child := range children[id] {
				if seen[child.ID] {
					continue
				}
				seen[child.ID] = true
				members = append(members, child)
				queue = append(queue, child.ID)
			}
		}
		sortMembersAfterRoot(members)
		return members, nil
	default:
		return nil, fmt.Errorf("validator: unknown scope %q", scope)
	}
}

func sortMembersAfterRoot(members []*entity.Task) {
	if len(members) > 2 {
		rest := members[1:]
		sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	}
}

func memberIDs(members []*entity.Task) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}

// changedFiles collects the diff surface trigger globs match against.
// Without a repository, or when git fails, trigger-based validators do
// not fire; always_run and explicit adds still do.
func (s *Scheduler) changedFiles(ctx context.Context, base string) []string {
	if s.repo == nil {
		return nil
	}
	changed, err := s.repo.ChangedFiles(ctx, base)
	if err != nil {
		s.logger.Warn("collecting changed files failed", "error", err)
		return nil
	}
	return changed
}

// waveGroup pairs a wave's configuration with its roster slice.
type waveGroup struct {
	cfg     config.WaveConfig
	entries []RosterEntry
}

// groupWaves orders roster entries by the configured wave sequence.
// Waves the configuration does not know are appended alphabetically and
// run with zero-value wave semantics.
func (s *Scheduler) groupWaves(roster []RosterEntry) []waveGroup {
	byWave := map[string][]RosterEntry{}
	for _, entry := range roster {
		byWave[entry.Wave] = append(byWave[entry.Wave], entry)
	}

	var groups []waveGroup
	for _, wc := range s.cfg.Waves {
		if entries, ok := byWave[wc.Name]; ok {
			groups = append(groups, waveGroup{cfg: wc, entries: entries})
			delete(byWave, wc.Name)
		}
	}
	extra := make([]string, 0, len(byWave))
	for name := range byWave {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		groups = append(groups, waveGroup{cfg: config.WaveConfig{Name: name}, entries: byWave[name]})
	}
	return groups
}

// runWave executes one wave's validators in parallel up to the
// concurrency cap. A validator failing never cancels its siblings.
func (s *Scheduler) runWave(ctx context.Context, taskID string, req Request, entries []RosterEntry) []ValidatorResult {
	limit := s.cfg.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]ValidatorResult, len(entries))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			results[i] = s.runValidator(ctx, taskID, req, entry)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) runValidator(ctx context.Context, taskID string, req Request, entry RosterEntry) ValidatorResult {
	res := ValidatorResult{ID: entry.ID, Wave: entry.Wave, Blocking: entry.Blocking}
	roundDir := s.evidence.RoundDir(taskID, req.Round)
	reportPath := filepath.Join(roundDir, ReportFileName(entry.ID))

	if fsio.FileExists(reportPath) {
		return s.consumeReport(res, reportPath, "existing report consumed")
	}

	if missing := s.evidence.CheckContext7(ctx, taskID, req.Round, entry.Context7Packages); len(missing) > 0 {
		blocked := &errdefs.ValidatorBlocked{
			Validator: entry.ID,
			Reason:    "context7 markers missing: " + strings.Join(missing, ", "),
		}
		return s.blockValidator(taskID, req.Round, entry, blocked.Reason)
	}

	timeout := s.timeoutFor(entry)
	engineName, engineCfg, mode := s.resolveEngine(entry)
	prompt := renderTemplate(entry.Prompt, runVars(taskID, req.Round, reportPath, ""))

	switch mode {
	case engineSkip:
		res.Status = VerdictSkipped
		res.Note = "engine " + entry.Engine + " unavailable; non-blocking validator skipped"
		s.logger.Warn("skipping validator", "validator", entry.ID, "engine", entry.Engine)
		return res
	case engineDelegate:
		path, err := writeDelegation(roundDir, entry, engineName, prompt, timeout)
		if err != nil {
			res.Status = StatusBlocked
			res.Note = "writing delegation instructions: " + err.Error()
			return res
		}
		res.Delegated = true
		res.Status = StatusPending
		res.Note = "delegated; instructions at " + filepath.Base(path)
		if req.WaitDelegated {
			if waitForReport(ctx, roundDir, ReportFileName(entry.ID), timeout) {
				return s.consumeReport(res, reportPath, "delegated report collected")
			}
			res.Note = "delegated; no report within " + timeout.String()
		}
		return res
	default:
		return s.execute(ctx, taskID, req, entry, engineCfg, prompt, reportPath, timeout)
	}
}

// execute launches the validator's engine as a child process and
// consumes the report it writes. Timeouts and engine failures become
// blocked reports so the round stays self-describing.
func (s *Scheduler) execute(ctx context.Context, taskID string, req Request, entry RosterEntry, engineCfg config.EngineConfig, prompt, reportPath string, timeout time.Duration) ValidatorResult {
	res := ValidatorResult{ID: entry.ID, Wave: entry.Wave, Blocking: entry.Blocking}
	procID := uuid.NewString()
	started := fsio.Now()

	s.events.Append(events.Record{
		Type: events.ProcessStarted, ProcessID: procID, SessionID: req.SessionID,
		TaskID: taskID, Validator: entry.ID, Round: req.Round,
	})

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	argv := renderArgv(engineCfg.Command, runVars(taskID, req.Round, reportPath, prompt))
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = s.workDir
	output, runErr := cmd.CombinedOutput()
	completed := fsio.Now()

	removeIfEmpty(reportPath)
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		timedOut := &errdefs.ValidatorTimeout{Validator: entry.ID, Elapsed: timeout}
		res = s.blockValidatorTracked(taskID, req.Round, entry, timedOut.Error(), procID, started, completed)
	case runErr != nil && !fsio.FileExists(reportPath):
		reason := fmt.Sprintf("engine failed: %v%s", runErr, outputTail(output))
		res = s.blockValidatorTracked(taskID, req.Round, entry, reason, procID, started, completed)
	case !fsio.FileExists(reportPath):
		res = s.blockValidatorTracked(taskID, req.Round, entry, "engine exited without writing a report", procID, started, completed)
	default:
		res = s.consumeReport(res, reportPath, "")
	}

	s.events.Append(events.Record{
		Type: events.ProcessCompleted, ProcessID: procID, SessionID: req.SessionID,
		TaskID: taskID, Validator: entry.ID, Round: req.Round, Detail: res.Status,
	})
	return res
}

// consumeReport folds an on-disk report into a validator result.
func (s *Scheduler) consumeReport(res ValidatorResult, reportPath, note string) ValidatorResult {
	report, err := ReadReport(reportPath)
	if err != nil {
		res.Status = StatusBlocked
		res.Note = "unreadable report: " + err.Error()
		return res
	}
	res.Status = report.Status
	res.ReportPath = reportPath
	res.Note = note
	res.Delegated = false
	return res
}

// blockValidator writes a blocked report for a validator that never ran.
func (s *Scheduler) blockValidator(taskID string, round int, entry RosterEntry, reason string) ValidatorResult {
	now := fsio.Now()
	return s.blockValidatorTracked(taskID, round, entry, reason, uuid.NewString(), now, now)
}

func (s *Scheduler) blockValidatorTracked(taskID string, round int, entry RosterEntry, reason, procID string, started, completed time.Time) ValidatorResult {
	res := ValidatorResult{ID: entry.ID, Wave: entry.Wave, Blocking: entry.Blocking, Status: StatusBlocked, Note: reason}
	reportPath := filepath.Join(s.evidence.RoundDir(taskID, round), ReportFileName(entry.ID))
	report := &Report{
		Validator: entry.ID,
		TaskID:    taskID,
		Round:     round,
		Status:    StatusBlocked,
		Summary:   reason,
		Tracking:  Tracking{ProcessID: procID, StartedAt: started, CompletedAt: completed},
	}
	if err := WriteReport(reportPath, report); err != nil {
		s.logger.Error("writing blocked report failed", "validator", entry.ID, "error", err)
		return res
	}
	res.ReportPath = reportPath
	return res
}

type engineMode int

const (
	engineExecute engineMode = iota
	engineDelegate
	engineSkip
)

// resolveEngine picks the engine for a validator: the primary, then the
// fallback. An engine configured without a command is delegated by
// definition. When nothing is executable a blocking validator is
// delegated and a non-blocking one is skipped.
func (s *Scheduler) resolveEngine(entry RosterEntry) (string, config.EngineConfig, engineMode) {
	for _, name := range []string{entry.Engine, entry.FallbackEngine} {
		if name == "" {
			continue
		}
		ec, ok := s.cfg.Engines[name]
		if !ok {
			continue
		}
		if len(ec.Command) == 0 {
			return name, ec, engineDelegate
		}
		if _, err := exec.LookPath(ec.Command[0]); err == nil {
			return name, ec, engineExecute
		}
	}
	if !entry.Blocking {
		return entry.Engine, config.EngineConfig{}, engineSkip
	}
	return entry.Engine, config.EngineConfig{}, engineDelegate
}

func (s *Scheduler) timeoutFor(entry RosterEntry) time.Duration {
	if entry.TimeoutSeconds > 0 {
		return time.Duration(entry.TimeoutSeconds) * time.Second
	}
	return s.cfg.ValidatorTimeout()
}

// computeApproval aggregates blocking validator statuses: approval
// requires every blocking validator to approve. Non-blocking validators
// never affect the verdict.
func computeApproval(roster []RosterEntry, statuses map[string]ValidatorResult) (bool, string) {
	approved := true
	anyReject := false
	for _, entry := range roster {
		if !entry.Blocking {
			continue
		}
		st := statuses[entry.ID].Status
		if st != StatusApprove {
			approved = false
		}
		if st == StatusReject {
			anyReject = true
		}
	}
	if approved {
		return true, StatusApprove
	}
	if anyReject {
		return false, StatusReject
	}
	return false, StatusBlocked
}

// awaitedBlocking lists blocking validators still pending on delegation;
// the marker is deferred until they report.
func awaitedBlocking(roster []RosterEntry, statuses map[string]ValidatorResult) []string {
	var awaiting []string
	for _, entry := range roster {
		if !entry.Blocking {
			continue
		}
		vr := statuses[entry.ID]
		if vr.Delegated && vr.Status == StatusPending {
			awaiting = append(awaiting, entry.ID)
		}
	}
	sort.Strings(awaiting)
	return awaiting
}

func taskApprovals(members []string, approved bool, verdict string, round int) []evidence.TaskApproval {
	tasks := make([]evidence.TaskApproval, len(members))
	for i, id := range members {
		tasks[i] = evidence.TaskApproval{TaskID: id, Approved: approved, Verdict: verdict, Round: round}
	}
	return tasks
}

// manifest records what a run validated: members, roster, inclusion
// reasons. The approval marker points at it by name.
type manifest struct {
	TaskID      string        `json:"taskId"`
	Round       int           `json:"round"`
	Scope       Scope         `json:"scope"`
	Members     []string      `json:"members"`
	Roster      []RosterEntry `json:"roster"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

func (s *Scheduler) writeManifest(roundDir string, res *Result, roster []RosterEntry) (string, error) {
	path := filepath.Join(roundDir, manifestFileName)
	m := manifest{
		TaskID:      res.TaskID,
		Round:       res.Round,
		Scope:       res.Scope,
		Members:     res.Members,
		Roster:      roster,
		GeneratedAt: fsio.Now(),
	}
	if err := fsio.WriteJSON(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// runVars builds the substitution map shared by prompts and engine argv
// templates.
func runVars(taskID string, round int, reportPath, prompt string) map[string]string {
	return map[string]string{
		"{task_id}": taskID,
		"{round}":   strconv.Itoa(round),
		"{report}":  reportPath,
		"{prompt}":  prompt,
	}
}

func renderTemplate(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, k, v)
	}
	return text
}

func renderArgv(command []string, vars map[string]string) []string {
	argv := make([]string, len(command))
	for i, arg := range command {
		argv[i] = renderTemplate(arg, vars)
	}
	return argv
}

func outputTail(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return ""
	}
	const max = 400
	if len(text) > max {
		text = "..." + text[len(text)-max:]
	}
	return ": " + text
}
