package validator

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// shEngine builds an engine whose command writes a well-formed report for
// whatever task and round the scheduler substitutes into the argv.
func shEngine(status, issues, summary string) config.EngineConfig {
	body := `{"validator":"engine","taskId":"{task_id}","round":{round},` +
		`"timestamp":"2026-01-01T00:00:00Z","status":"` + status + `","issues":` + issues +
		`,"summary":"` + summary + `",` +
		`"tracking":{"processId":"p","startedAt":"2026-01-01T00:00:00Z","completedAt":"2026-01-01T00:00:00Z"}}`
	return config.EngineConfig{Command: []string{"sh", "-c", `printf '%s' '` + body + `' > "{report}"`}}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

type fixture struct {
	st  *store.Store
	ev  *evidence.Manager
	sch *Scheduler
}

func newFixture(t *testing.T, defs map[string]Definition, mutate func(*config.OrchestrationConfig), opts Options) *fixture {
	t.Helper()
	requireSh(t)
	st := store.New(t.TempDir(), store.Options{})
	if err := st.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	ev := evidence.NewManager(st, evidence.Options{})
	cfg := config.OrchestrationConfig{
		Concurrency:             4,
		ValidatorTimeoutSeconds: 30,
		Waves: []config.WaveConfig{
			{Name: "critical"},
			{Name: "comprehensive", RequiresPreviousPass: true},
		},
		EmptyRosterPolicy: "strict",
		MaxRounds:         3,
		Engines: map[string]config.EngineConfig{
			"approve":  shEngine(StatusApprove, "[]", "looks good"),
			"reject":   shEngine(StatusReject, `[{"severity":"high","message":"boom","location":"main.go:1"}]`, "problems found"),
			"external": {},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	return &fixture{st: st, ev: ev, sch: NewScheduler(st, ev, defs, cfg, opts)}
}

func (f *fixture) seedTask(t *testing.T, task *entity.Task) {
	t.Helper()
	if task.Title == "" {
		task.Title = task.ID
	}
	if task.Type == "" {
		task.Type = entity.TaskTypeFeature
	}
	if task.State == "" {
		task.State = entity.TaskDone
	}
	if err := f.st.SaveTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) prepare(t *testing.T, taskID string, round int) string {
	t.Helper()
	dir, err := f.ev.PrepareRound(taskID, round)
	if err != nil {
		t.Fatalf("PrepareRound: %v", err)
	}
	return dir
}

func blockingDef(id, wave, engine string) Definition {
	return Definition{ID: id, Wave: wave, Engine: engine, Blocking: true, AlwaysRun: true}
}

func TestRunApprovesAndClosesRound(t *testing.T) {
	stream := filepath.Join(t.TempDir(), "events.jsonl")
	f := newFixture(t,
		map[string]Definition{"code-review": blockingDef("code-review", "critical", "approve")},
		nil,
		Options{Events: events.NewWriter(stream)},
	)
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1, SessionID: "S-1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Approved || res.MarkerPath == "" {
		t.Fatalf("result = %+v, want approved with marker", res)
	}
	if len(res.Waves) != 1 || res.Waves[0].Verdict != VerdictPass {
		t.Errorf("waves = %+v", res.Waves)
	}

	approval, err := f.ev.ReadBundleApproval("P1-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !approval.Approved || !approval.TaskApproved("P1-a") {
		t.Errorf("marker = %+v", approval)
	}
	if approval.Manifest != manifestFileName {
		t.Errorf("manifest ref = %q", approval.Manifest)
	}
	if !fsio.FileExists(filepath.Join(dir, manifestFileName)) {
		t.Error("manifest not written")
	}
	if !fsio.FileNonEmpty(filepath.Join(dir, evidence.ValidationSummaryFile)) {
		t.Error("summary not rewritten")
	}

	report, err := ReadReport(filepath.Join(dir, ReportFileName("code-review")))
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusApprove || report.TaskID != "P1-a" || report.Round != 1 {
		t.Errorf("report = %+v", report)
	}

	recs, err := events.Read(stream)
	if err != nil {
		t.Fatal(err)
	}
	var started, completed int
	for _, r := range recs {
		switch r.Type {
		case events.ProcessStarted:
			started++
		case events.ProcessCompleted:
			completed++
		}
		if r.Validator != "code-review" || r.TaskID != "P1-a" || r.SessionID != "S-1" {
			t.Errorf("event = %+v", r)
		}
	}
	if started != 1 || completed != 1 {
		t.Errorf("events started=%d completed=%d, want 1/1", started, completed)
	}

	// The marker closes the round.
	if _, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1}); err == nil {
		t.Error("Run on closed round succeeded")
	}
}

func TestRunRejectSkipsLaterWaves(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"gate":  blockingDef("gate", "critical", "reject"),
		"deep":  blockingDef("deep", "comprehensive", "approve"),
		"style": {ID: "style", Wave: "comprehensive", Engine: "approve", AlwaysRun: true},
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Approved {
		t.Error("rejected run reported approved")
	}
	if res.Waves[0].Verdict != VerdictFail {
		t.Errorf("critical verdict = %s", res.Waves[0].Verdict)
	}
	if res.Waves[1].Verdict != VerdictSkipped {
		t.Errorf("comprehensive verdict = %s, want skipped", res.Waves[1].Verdict)
	}
	// Skipped validators leave no reports.
	if fsio.FileExists(filepath.Join(dir, ReportFileName("deep"))) {
		t.Error("skipped validator wrote a report")
	}

	approval, err := f.ev.ReadBundleApproval("P1-a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if approval.Approved || approval.TaskApproved("P1-a") {
		t.Errorf("marker = %+v, want rejection", approval)
	}
	if approval.Tasks[0].Verdict != StatusReject {
		t.Errorf("verdict = %s, want reject", approval.Tasks[0].Verdict)
	}
}

func TestWaveRequiresPreviousPass(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"gate": blockingDef("gate", "critical", "reject"),
		"deep": blockingDef("deep", "comprehensive", "approve"),
	}, func(cfg *config.OrchestrationConfig) {
		cfg.Waves = []config.WaveConfig{
			{Name: "critical", ContinueOnFail: true},
			{Name: "comprehensive", RequiresPreviousPass: true},
		}
	}, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Waves[1].Verdict != VerdictBlocked {
		t.Errorf("comprehensive verdict = %s, want blocked", res.Waves[1].Verdict)
	}
	report, err := ReadReport(filepath.Join(dir, ReportFileName("deep")))
	if err != nil {
		t.Fatalf("blocked wave must write reports: %v", err)
	}
	if report.Status != StatusBlocked || !strings.Contains(report.Summary, "previous wave") {
		t.Errorf("report = %+v", report)
	}
}

func TestRunTimeoutMarksBlocked(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"slow": {ID: "slow", Wave: "critical", Engine: "sleepy", Blocking: true, AlwaysRun: true, TimeoutSeconds: 1},
	}, func(cfg *config.OrchestrationConfig) {
		cfg.Engines["sleepy"] = config.EngineConfig{Command: []string{"sh", "-c", "sleep 5"}}
	}, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	f.prepare(t, "P1-a", 1)

	start := time.Now()
	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusBlocked || !strings.Contains(vr.Note, "timed out") {
		t.Errorf("validator = %+v, want timeout block", vr)
	}
	if res.Approved {
		t.Error("timed-out blocking validator approved the bundle")
	}
}

func TestRunEngineWithoutReport(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"quiet": blockingDef("quiet", "critical", "noop"),
	}, func(cfg *config.OrchestrationConfig) {
		cfg.Engines["noop"] = config.EngineConfig{Command: []string{"sh", "-c", "true"}}
	}, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusBlocked || !strings.Contains(vr.Note, "without writing a report") {
		t.Errorf("validator = %+v", vr)
	}
}

func TestRunEngineFailurePreservesOutput(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"broken": blockingDef("broken", "critical", "fails"),
	}, func(cfg *config.OrchestrationConfig) {
		cfg.Engines["fails"] = config.EngineConfig{Command: []string{"sh", "-c", "echo engine exploded >&2; exit 3"}}
	}, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusBlocked || !strings.Contains(vr.Note, "engine exploded") {
		t.Errorf("validator = %+v, want stderr in note", vr)
	}
}

func TestDelegatedValidatorDefersMarker(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"orchestrated": blockingDef("orchestrated", "critical", "external"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusPending || !vr.Delegated {
		t.Fatalf("validator = %+v, want pending delegation", vr)
	}
	if !fsio.FileNonEmpty(filepath.Join(dir, DelegationFileName("orchestrated"))) {
		t.Error("delegation instructions missing")
	}
	if res.MarkerPath != "" {
		t.Error("marker written while blocking validator pending")
	}
	if len(res.AwaitingReports) != 1 || res.AwaitingReports[0] != "orchestrated" {
		t.Errorf("awaiting = %v", res.AwaitingReports)
	}

	// The external orchestrator reports; a second run collects and closes.
	report := &Report{Validator: "orchestrated", TaskID: "P1-a", Round: 1, Status: StatusApprove}
	if err := WriteReport(filepath.Join(dir, ReportFileName("orchestrated")), report); err != nil {
		t.Fatal(err)
	}
	res, err = f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !res.Approved || res.MarkerPath == "" {
		t.Errorf("result = %+v, want approval after report landed", res)
	}
}

func TestDelegatedWaitCollectsReport(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"orchestrated": blockingDef("orchestrated", "critical", "external"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(300 * time.Millisecond)
		report := &Report{Validator: "orchestrated", TaskID: "P1-a", Round: 1, Status: StatusApprove}
		if err := WriteReport(filepath.Join(dir, ReportFileName("orchestrated")), report); err != nil {
			t.Error(err)
		}
	}()

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1, WaitDelegated: true})
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Approved {
		t.Errorf("result = %+v, want approval from collected report", res)
	}
}

func TestEmptyRosterPolicies(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		f := newFixture(t, map[string]Definition{}, nil, Options{})
		f.seedTask(t, &entity.Task{ID: "P1-a"})
		f.prepare(t, "P1-a", 1)

		res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
		if err != nil {
			t.Fatal(err)
		}
		if !res.EmptyRoster || res.Approved || res.MarkerPath != "" {
			t.Errorf("result = %+v, want blocked empty roster", res)
		}
		if _, err := f.ev.ReadBundleApproval("P1-a", 1); err == nil {
			t.Error("strict policy wrote a marker")
		}
	})

	t.Run("permissive", func(t *testing.T) {
		f := newFixture(t, map[string]Definition{}, func(cfg *config.OrchestrationConfig) {
			cfg.EmptyRosterPolicy = "permissive"
		}, Options{})
		f.seedTask(t, &entity.Task{ID: "P1-a"})
		f.prepare(t, "P1-a", 1)

		res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
		if err != nil {
			t.Fatal(err)
		}
		if !res.EmptyRoster || !res.Approved {
			t.Errorf("result = %+v, want permissive approval", res)
		}
		approval, err := f.ev.ReadBundleApproval("P1-a", 1)
		if err != nil {
			t.Fatal(err)
		}
		if !approval.Approved || len(approval.Tasks) != 0 {
			t.Errorf("marker = %+v, want empty approving roster", approval)
		}
		if !approval.TaskApproved("P1-a") {
			t.Error("permissive marker must approve any member")
		}
	})
}

func TestFallbackEngine(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"resilient": {
			ID: "resilient", Wave: "critical", Blocking: true, AlwaysRun: true,
			Engine: "missing", FallbackEngine: "approve",
		},
	}, func(cfg *config.OrchestrationConfig) {
		cfg.Engines["missing"] = config.EngineConfig{Command: []string{"definitely-not-a-real-binary-zzz"}}
	}, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved {
		t.Errorf("result = %+v, want approval via fallback engine", res)
	}
}

func TestNonBlockingUnavailableSkipped(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"optional": {ID: "optional", Wave: "critical", Engine: "nowhere", AlwaysRun: true},
		"required": blockingDef("required", "critical", "approve"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	var optional ValidatorResult
	for _, vr := range res.Waves[0].Validators {
		if vr.ID == "optional" {
			optional = vr
		}
	}
	if optional.Status != VerdictSkipped {
		t.Errorf("optional = %+v, want skipped", optional)
	}
	if !res.Approved {
		t.Error("skipped non-blocking validator must not block approval")
	}
}

func TestContext7Preflight(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"api-check": {
			ID: "api-check", Wave: "critical", Engine: "approve", Blocking: true,
			AlwaysRun: true, Context7Packages: []string{"chi"},
		},
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusBlocked || !strings.Contains(vr.Note, "chi") {
		t.Errorf("validator = %+v, want context7 preflight block", vr)
	}

	// Covered package on a fresh task passes preflight.
	f.seedTask(t, &entity.Task{ID: "P1-b"})
	dir = f.prepare(t, "P1-b", 1)
	if err := fsio.WriteFileAtomic(filepath.Join(dir, "context7-chi.txt"), []byte("docs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = f.sch.Run(context.Background(), Request{TaskID: "P1-b", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved {
		t.Errorf("result = %+v, want approval with marker present", res)
	}
}

func TestBundleScopeMembers(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"code-review": blockingDef("code-review", "critical", "approve"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-root"})
	f.seedTask(t, &entity.Task{ID: "P1-m2", BundleRoot: "P1-root"})
	f.seedTask(t, &entity.Task{ID: "P1-m1", BundleRoot: "P1-root"})
	f.seedTask(t, &entity.Task{ID: "P1-other"})
	f.prepare(t, "P1-root", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-root", Round: 1, Scope: ScopeBundle})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"P1-root", "P1-m1", "P1-m2"}; !equalStrings(res.Members, want) {
		t.Errorf("members = %v, want %v", res.Members, want)
	}

	approval, err := f.ev.ReadBundleApproval("P1-root", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(approval.Tasks) != 3 {
		t.Fatalf("marker tasks = %+v", approval.Tasks)
	}
	for _, id := range []string{"P1-root", "P1-m1", "P1-m2"} {
		if !approval.TaskApproved(id) {
			t.Errorf("member %s not approved", id)
		}
	}
	if approval.TaskApproved("P1-other") {
		t.Error("non-member approved by bundle marker")
	}
}

func TestHierarchyScopeMembers(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"code-review": blockingDef("code-review", "critical", "approve"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-root"})
	f.seedTask(t, &entity.Task{ID: "P1-child", Parent: "P1-root"})
	f.seedTask(t, &entity.Task{ID: "P1-grandchild", Parent: "P1-child"})
	f.prepare(t, "P1-root", 1)

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-root", Round: 1, Scope: ScopeHierarchy})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"P1-root", "P1-child", "P1-grandchild"}; !equalStrings(res.Members, want) {
		t.Errorf("members = %v, want %v", res.Members, want)
	}
}

func TestRunRequiresPreparedRound(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"code-review": blockingDef("code-review", "critical", "approve"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})

	_, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	var inv *errdefs.InvariantViolation
	if !errors.As(err, &inv) {
		t.Fatalf("Run without prepared round = %v, want InvariantViolation", err)
	}
}

func TestExistingReportsAreNotReRun(t *testing.T) {
	f := newFixture(t, map[string]Definition{
		"flaky": blockingDef("flaky", "critical", "reject"),
	}, nil, Options{})
	f.seedTask(t, &entity.Task{ID: "P1-a"})
	dir := f.prepare(t, "P1-a", 1)

	// A report placed before the run wins over the engine.
	report := &Report{Validator: "flaky", TaskID: "P1-a", Round: 1, Status: StatusApprove}
	if err := WriteReport(filepath.Join(dir, ReportFileName("flaky")), report); err != nil {
		t.Fatal(err)
	}

	res, err := f.sch.Run(context.Background(), Request{TaskID: "P1-a", Round: 1})
	if err != nil {
		t.Fatal(err)
	}
	vr := res.Waves[0].Validators[0]
	if vr.Status != StatusApprove || vr.Note != "existing report consumed" {
		t.Errorf("validator = %+v, want consumed report", vr)
	}
}
