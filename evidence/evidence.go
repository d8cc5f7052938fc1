// Package evidence manages validation rounds: per-round directories of
// command outputs and reports, content-addressed snapshots keyed by
// repository fingerprint, Context7 markers, and the bundle approval
// marker that gates promotion.
//
// Layout under the project management dir:
//
//	qa/validation-reports/<task-id>/round-<N>/   one validation attempt
//	qa/evidence-snapshots/<head>/<diff>/<clean|dirty>/  reusable outputs
//
// A round owns its evidence files, or references a snapshot through
// snapshot-ref.json when the snapshot fingerprint still matches the
// working tree. Once bundle-approved.json lands in a round, the round is
// closed and nothing in it may change.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/store"
)

// Well-known file names inside a round directory.
const (
	ImplementationReportFile = "implementation-report.md"
	ValidationSummaryFile    = "validation-summary.md"
	BundleApprovalFile       = "bundle-approved.json"
	SnapshotRefFile          = "snapshot-ref.json"

	roundPrefix = "round-"
)

// sha256 of the empty diff; the snapshot path segment for a clean tree.
const emptyDiffHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// BundleApproval is the round's approval marker. It is written exactly
// once per round, after all waves complete, and is the sole gate for
// promoting QA and Task to validated.
type BundleApproval struct {
	Approved    bool           `json:"approved"`
	Tasks       []TaskApproval `json:"tasks"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Manifest    string         `json:"manifest,omitempty"`
}

// TaskApproval is one bundle member's verdict within the marker.
type TaskApproval struct {
	TaskID   string `json:"taskId"`
	Approved bool   `json:"approved"`
	Verdict  string `json:"verdict"`
	Round    int    `json:"round"`
}

// TaskApproved reports whether the marker approves the given task. A
// marker with an empty roster (permissive empty-run policy) approves any
// task; a non-empty roster approves only its listed members.
func (a *BundleApproval) TaskApproved(taskID string) bool {
	if a == nil || !a.Approved {
		return false
	}
	if len(a.Tasks) == 0 {
		return true
	}
	for _, t := range a.Tasks {
		if t.TaskID == taskID {
			return t.Approved
		}
	}
	return false
}

// Manager reads and writes round evidence for one project.
type Manager struct {
	store    *store.Store
	repo     *gitstate.Repo
	required []string
	workDir  string
	logger   *slog.Logger
}

// Options adjusts a Manager.
type Options struct {
	// Repo enables snapshot fingerprinting. Nil disables snapshots; all
	// evidence must then be local to the round.
	Repo *gitstate.Repo
	// Required lists evidence files that must be present and non-empty
	// for a round to pass has_required_evidence.
	Required []string
	// WorkDir is where captured commands run. Defaults to the repo root,
	// then the current directory.
	WorkDir string
	Logger  *slog.Logger
}

// NewManager creates a Manager over the store's evidence directories.
func NewManager(st *store.Store, opts Options) *Manager {
	m := &Manager{
		store:    st,
		repo:     opts.Repo,
		required: opts.Required,
		workDir:  opts.WorkDir,
		logger:   opts.Logger,
	}
	if m.workDir == "" {
		if m.repo != nil {
			m.workDir = m.repo.Root()
		} else {
			m.workDir = "."
		}
	}
	return m
}

// Required returns the configured required-evidence file names.
func (m *Manager) Required() []string { return m.required }

// RoundDir returns the directory for one round of a task.
func (m *Manager) RoundDir(taskID string, round int) string {
	return filepath.Join(m.store.ReportsDir(taskID), roundName(round))
}

func roundName(round int) string {
	return roundPrefix + strconv.Itoa(round)
}

// LatestRound returns the highest prepared round number for a task, zero
// when no round exists yet.
func (m *Manager) LatestRound(taskID string) (int, error) {
	entries, err := os.ReadDir(m.store.ReportsDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan rounds for %s: %w", taskID, err)
	}
	latest := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), roundPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), roundPrefix))
		if err != nil || n < 1 {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

// PrepareRound creates the round directory and initializes its report
// files. Round numbers are monotonic: only the current open round or the
// next round may be prepared, and a closed round is never reopened.
// Re-preparing the open round is idempotent.
func (m *Manager) PrepareRound(taskID string, round int) (string, error) {
	if round < 1 {
		return "", &errdefs.InvariantViolation{Kind: "round", ID: taskID, Detail: fmt.Sprintf("round number %d out of range", round)}
	}
	latest, err := m.LatestRound(taskID)
	if err != nil {
		return "", err
	}
	if round < latest {
		return "", &errdefs.InvariantViolation{
			Kind: "round", ID: taskID,
			Detail: fmt.Sprintf("round %d precedes latest round %d", round, latest),
		}
	}
	if round > latest+1 {
		return "", &errdefs.InvariantViolation{
			Kind: "round", ID: taskID,
			Detail: fmt.Sprintf("round %d skips round %d", round, latest+1),
		}
	}
	if round == latest && m.RoundClosed(taskID, round) {
		return "", &errdefs.InvariantViolation{
			Kind: "round", ID: taskID,
			Detail: fmt.Sprintf("round %d is closed", round),
		}
	}

	dir := m.RoundDir(taskID, round)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create round directory: %w", err)
	}

	// The implementation report starts empty so has_required_evidence
	// style checks can tell "initialized" from "written".
	reportPath := filepath.Join(dir, ImplementationReportFile)
	if !fsio.FileExists(reportPath) {
		if err := fsio.WriteFileAtomic(reportPath, nil, 0o644); err != nil {
			return "", fmt.Errorf("initialize implementation report: %w", err)
		}
	}
	summaryPath := filepath.Join(dir, ValidationSummaryFile)
	if !fsio.FileExists(summaryPath) {
		seed := fmt.Sprintf("# Validation Summary: %s (round %d)\n\n_Pending validator run._\n", taskID, round)
		if err := fsio.WriteFileAtomic(summaryPath, []byte(seed), 0o644); err != nil {
			return "", fmt.Errorf("initialize validation summary: %w", err)
		}
	}
	return dir, nil
}

// RoundClosed reports whether the round's approval marker has been
// written. A closed round is immutable.
func (m *Manager) RoundClosed(taskID string, round int) bool {
	return fsio.FileExists(filepath.Join(m.RoundDir(taskID, round), BundleApprovalFile))
}

// HasImplementationReport reports whether the round's implementation
// report has been written with content.
func (m *Manager) HasImplementationReport(taskID string, round int) bool {
	return fsio.FileNonEmpty(filepath.Join(m.RoundDir(taskID, round), ImplementationReportFile))
}

// CheckRequired verifies every required evidence file is present and
// non-empty in the round, or in the round's referenced snapshot when the
// snapshot fingerprint still matches the working tree. Failure returns
// EvidenceMissing listing every absent file.
func (m *Manager) CheckRequired(ctx context.Context, taskID string, round int) error {
	dir := m.RoundDir(taskID, round)
	snapDir := m.currentSnapshotDir(ctx, taskID, round)

	var missing []string
	for _, name := range m.required {
		if fsio.FileNonEmpty(filepath.Join(dir, name)) {
			continue
		}
		if snapDir != "" && fsio.FileNonEmpty(filepath.Join(snapDir, name)) {
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return &errdefs.EvidenceMissing{TaskID: taskID, Round: round, Missing: missing}
	}
	return nil
}

// CheckContext7 returns the packages from the given list that have no
// usable marker for the round. A package is covered by a
// context7-<pkg>.txt or .md file in the round directory or its matching
// snapshot, or by a non-empty context7-bypass-<pkg>.md justification in
// the round directory.
func (m *Manager) CheckContext7(ctx context.Context, taskID string, round int, packages []string) []string {
	if len(packages) == 0 {
		return nil
	}
	dir := m.RoundDir(taskID, round)
	snapDir := m.currentSnapshotDir(ctx, taskID, round)

	var missing []string
	for _, pkg := range packages {
		if m.context7Covered(dir, snapDir, pkg) {
			continue
		}
		missing = append(missing, pkg)
	}
	return missing
}

func (m *Manager) context7Covered(roundDir, snapDir, pkg string) bool {
	for _, name := range []string{"context7-" + pkg + ".txt", "context7-" + pkg + ".md"} {
		if fsio.FileNonEmpty(filepath.Join(roundDir, name)) {
			return true
		}
		if snapDir != "" && fsio.FileNonEmpty(filepath.Join(snapDir, name)) {
			return true
		}
	}
	// Bypass requires a written justification local to the round.
	return fsio.FileNonEmpty(filepath.Join(roundDir, "context7-bypass-"+pkg+".md"))
}

// currentSnapshotDir resolves the round's snapshot reference to a
// directory, but only when the recorded fingerprint matches the current
// repository state. Any failure to establish freshness disables the
// snapshot: stale or unverifiable evidence never satisfies a check.
func (m *Manager) currentSnapshotDir(ctx context.Context, taskID string, round int) string {
	refPath := filepath.Join(m.RoundDir(taskID, round), SnapshotRefFile)
	if !fsio.FileExists(refPath) {
		return ""
	}
	var ref gitstate.Fingerprint
	if err := fsio.ReadJSON(refPath, &ref); err != nil {
		m.log().Warn("unreadable snapshot ref", "task", taskID, "round", round, "error", err)
		return ""
	}
	if m.repo == nil {
		return ""
	}
	current, err := m.repo.Fingerprint(ctx)
	if err != nil {
		m.log().Warn("cannot fingerprint repository, ignoring snapshot ref", "task", taskID, "error", err)
		return ""
	}
	if !current.Equal(ref) {
		return ""
	}
	return m.SnapshotDir(ref)
}

// SnapshotDir returns the content-addressed directory for a fingerprint.
func (m *Manager) SnapshotDir(fp gitstate.Fingerprint) string {
	diff := fp.DiffHash
	if diff == "" {
		diff = emptyDiffHash
	}
	state := "clean"
	if fp.Dirty {
		state = "dirty"
	}
	return filepath.Join(m.store.SnapshotsDir(), fp.Head, diff, state)
}

// WriteSnapshotRef records the current repository fingerprint as the
// round's snapshot reference and returns it.
func (m *Manager) WriteSnapshotRef(ctx context.Context, taskID string, round int) (gitstate.Fingerprint, error) {
	if m.repo == nil {
		return gitstate.Fingerprint{}, fmt.Errorf("snapshots disabled: no repository configured")
	}
	fp, err := m.repo.Fingerprint(ctx)
	if err != nil {
		return gitstate.Fingerprint{}, err
	}
	refPath := filepath.Join(m.RoundDir(taskID, round), SnapshotRefFile)
	if err := fsio.WriteJSON(refPath, fp); err != nil {
		return gitstate.Fingerprint{}, fmt.Errorf("write snapshot ref: %w", err)
	}
	return fp, nil
}

// CaptureCommand runs a command and stores its combined output as round
// evidence under the given file name. When a repository is configured the
// output is also mirrored into the content-addressed snapshot and the
// round's snapshot ref is refreshed. The output file is written even when
// the command fails; the command's error is returned alongside the path
// so callers can record the failure.
func (m *Manager) CaptureCommand(ctx context.Context, taskID string, round int, name string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("capture %s: empty command", name)
	}
	dir := m.RoundDir(taskID, round)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create round directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = m.workDir
	output, runErr := cmd.CombinedOutput()
	if len(output) == 0 {
		// Keep successful silent commands distinguishable from never-run.
		output = []byte(fmt.Sprintf("(no output) exit status: %v\n", exitStatus(runErr)))
	}

	path := filepath.Join(dir, name)
	if err := fsio.WriteFileAtomic(path, output, 0o644); err != nil {
		return "", fmt.Errorf("write evidence %s: %w", name, err)
	}

	if m.repo != nil {
		if err := m.mirrorToSnapshot(ctx, taskID, round, name, output); err != nil {
			m.log().Warn("snapshot mirror failed", "task", taskID, "file", name, "error", err)
		}
	}
	if runErr != nil {
		return path, fmt.Errorf("%s: %w", strings.Join(argv, " "), runErr)
	}
	return path, nil
}

func (m *Manager) mirrorToSnapshot(ctx context.Context, taskID string, round int, name string, output []byte) error {
	fp, err := m.repo.Fingerprint(ctx)
	if err != nil {
		return err
	}
	snapDir := m.SnapshotDir(fp)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := fsio.WriteFileAtomic(filepath.Join(snapDir, name), output, 0o644); err != nil {
		return fmt.Errorf("write snapshot copy: %w", err)
	}
	refPath := filepath.Join(m.RoundDir(taskID, round), SnapshotRefFile)
	if err := fsio.WriteJSON(refPath, fp); err != nil {
		return fmt.Errorf("write snapshot ref: %w", err)
	}
	return nil
}

// WriteBundleApproval writes the round's approval marker exactly once.
// A second write for the same round fails: the marker closes the round.
func (m *Manager) WriteBundleApproval(taskID string, round int, approval BundleApproval) (string, error) {
	dir := m.RoundDir(taskID, round)
	path := filepath.Join(dir, BundleApprovalFile)
	if fsio.FileExists(path) {
		return "", &errdefs.InvariantViolation{
			Kind: "round", ID: taskID,
			Detail: fmt.Sprintf("bundle approval already written for round %d", round),
		}
	}
	if approval.GeneratedAt.IsZero() {
		approval.GeneratedAt = fsio.Now()
	}
	if approval.Tasks == nil {
		approval.Tasks = []TaskApproval{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create round directory: %w", err)
	}
	if err := fsio.WriteJSON(path, approval); err != nil {
		return "", fmt.Errorf("write bundle approval: %w", err)
	}
	return path, nil
}

// ReadBundleApproval loads the round's approval marker. A missing marker
// is BundleApprovalMissing.
func (m *Manager) ReadBundleApproval(taskID string, round int) (*BundleApproval, error) {
	path := filepath.Join(m.RoundDir(taskID, round), BundleApprovalFile)
	if !fsio.FileExists(path) {
		return nil, &errdefs.BundleApprovalMissing{TaskID: taskID, Round: round}
	}
	var approval BundleApproval
	if err := fsio.ReadJSON(path, &approval); err != nil {
		return nil, fmt.Errorf("read bundle approval: %w", err)
	}
	return &approval, nil
}

// ListRoundFiles returns the file names present in a round, sorted.
func (m *Manager) ListRoundFiles(taskID string, round int) ([]string, error) {
	entries, err := os.ReadDir(m.RoundDir(taskID, round))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list round %d for %s: %w", round, taskID, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func exitStatus(err error) string {
	if err == nil {
		return "0"
	}
	return err.Error()
}

func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}
