package config

import (
	"testing"
	"time"
)

func newTestConfig(tree map[string]any) *Config {
	return &Config{
		tree:        tree,
		provenance:  map[string]string{},
		projectRoot: "/work/demo",
		projectName: "demo",
		edisonDir:   "/work/demo/.edison",
		projectDir:  "/work/demo/.project",
	}
}

func TestGet(t *testing.T) {
	cfg := newTestConfig(map[string]any{
		"task": map[string]any{
			"defaultType": "bug",
			"nested":      map[string]any{"deep": 7},
		},
	})

	if v, ok := cfg.Get("task.defaultType"); !ok || v != "bug" {
		t.Errorf("expected bug, got %v (ok=%v)", v, ok)
	}
	if v, ok := cfg.Get("task.nested.deep"); !ok || v != 7 {
		t.Errorf("expected 7, got %v (ok=%v)", v, ok)
	}
	if _, ok := cfg.Get("task.missing"); ok {
		t.Error("expected missing path to report not found")
	}
	if _, ok := cfg.Get("task.defaultType.deeper"); ok {
		t.Error("expected descent through a scalar to report not found")
	}
}

func TestGetStringResolvesPlaceholders(t *testing.T) {
	cfg := newTestConfig(map[string]any{
		"memory": map[string]any{"dir": "{PROJECT_ROOT}/memory"},
	})

	got := cfg.GetString("memory.dir", "")
	if got != "/work/demo/memory" {
		t.Errorf("expected /work/demo/memory, got %s", got)
	}
	if def := cfg.GetString("memory.absent", "fallback"); def != "fallback" {
		t.Errorf("expected fallback, got %s", def)
	}
}

func TestTruthy(t *testing.T) {
	cfg := newTestConfig(map[string]any{
		"flags": map[string]any{
			"on":        true,
			"off":       false,
			"zero":      0,
			"count":     3,
			"empty":     "",
			"word":      "yes",
			"falseWord": "false",
			"none":      nil,
			"list":      []any{"a"},
			"emptyList": []any{},
		},
	})

	tests := []struct {
		path string
		want bool
	}{
		{"flags.on", true},
		{"flags.off", false},
		{"flags.zero", false},
		{"flags.count", true},
		{"flags.empty", false},
		{"flags.word", true},
		{"flags.falseWord", false},
		{"flags.none", false},
		{"flags.list", true},
		{"flags.emptyList", false},
		{"flags.missing", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := cfg.Truthy(tt.path); got != tt.want {
				t.Errorf("Truthy(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestTaskDefaults(t *testing.T) {
	cfg := newTestConfig(map[string]any{})

	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.DefaultType != "feature" {
		t.Errorf("expected default type feature, got %s", task.DefaultType)
	}
	if len(task.StateOrder) != 5 || task.StateOrder[0] != "todo" {
		t.Errorf("unexpected state order %v", task.StateOrder)
	}
	if task.LockTimeout() != 10*time.Second {
		t.Errorf("expected 10s lock timeout, got %v", task.LockTimeout())
	}
}

func TestTaskOverride(t *testing.T) {
	cfg := newTestConfig(map[string]any{
		"task": map[string]any{
			"defaultType":        "chore",
			"lockTimeoutSeconds": 3,
		},
	})

	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.DefaultType != "chore" {
		t.Errorf("expected chore, got %s", task.DefaultType)
	}
	if task.LockTimeout() != 3*time.Second {
		t.Errorf("expected 3s lock timeout, got %v", task.LockTimeout())
	}
}

func TestSessionDefaults(t *testing.T) {
	cfg := newTestConfig(map[string]any{})

	sess, err := cfg.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if sess.CompletionPolicy != "parent_validated_children_done" {
		t.Errorf("unexpected completion policy %s", sess.CompletionPolicy)
	}
	if sess.Recovery.TimeoutHours != 24 {
		t.Errorf("expected 24h recovery timeout, got %d", sess.Recovery.TimeoutHours)
	}
}

func TestQADefaults(t *testing.T) {
	cfg := newTestConfig(map[string]any{})

	qa, err := cfg.QA()
	if err != nil {
		t.Fatalf("QA() error = %v", err)
	}
	want := []string{
		"command-type-check.txt",
		"command-lint.txt",
		"command-test.txt",
		"command-build.txt",
	}
	if len(qa.RequiredEvidence) != len(want) {
		t.Fatalf("expected %d required evidence files, got %d", len(want), len(qa.RequiredEvidence))
	}
	for i, name := range want {
		if qa.RequiredEvidence[i] != name {
			t.Errorf("evidence[%d] = %s, want %s", i, qa.RequiredEvidence[i], name)
		}
	}
	if qa.MaxRounds != 3 {
		t.Errorf("expected 3 max rounds, got %d", qa.MaxRounds)
	}
}

func TestOrchestrationDefaults(t *testing.T) {
	cfg := newTestConfig(map[string]any{})

	orch, err := cfg.Orchestration()
	if err != nil {
		t.Fatalf("Orchestration() error = %v", err)
	}
	if orch.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", orch.Concurrency)
	}
	if orch.ValidatorTimeout() != 300*time.Second {
		t.Errorf("expected 300s validator timeout, got %v", orch.ValidatorTimeout())
	}
	if len(orch.Waves) != 2 || orch.Waves[0].Name != "critical" || orch.Waves[1].Name != "comprehensive" {
		t.Errorf("unexpected waves %v", orch.Waves)
	}
	if !orch.Waves[1].RequiresPreviousPass {
		t.Error("expected comprehensive wave to require previous pass")
	}
	if orch.EmptyRosterPolicy != "strict" {
		t.Errorf("expected strict empty roster policy, got %s", orch.EmptyRosterPolicy)
	}
}

func TestCompositionDefaults(t *testing.T) {
	cfg := newTestConfig(map[string]any{})

	comp, err := cfg.Composition()
	if err != nil {
		t.Fatalf("Composition() error = %v", err)
	}
	if comp.Dedup.Threshold != 0.37 {
		t.Errorf("expected dedup threshold 0.37, got %f", comp.Dedup.Threshold)
	}
	if comp.Dedup.ShingleSize != 8 {
		t.Errorf("expected shingle size 8, got %d", comp.Dedup.ShingleSize)
	}
	if ct := comp.ContentTypes["agents"]; ct.Strategy != "section-merge" {
		t.Errorf("expected agents section-merge, got %s", ct.Strategy)
	}
	if ct := comp.ContentTypes["guidelines"]; ct.Strategy != "concat-dedup" {
		t.Errorf("expected guidelines concat-dedup, got %s", ct.Strategy)
	}
	if ct := comp.ContentTypes["schemas"]; ct.Strategy != "json-merge" {
		t.Errorf("expected schemas json-merge, got %s", ct.Strategy)
	}
}

func TestDomainUnknownKeysPreserved(t *testing.T) {
	cfg := newTestConfig(map[string]any{
		"task": map[string]any{
			"defaultType": "bug",
			"futureKnob":  "kept",
		},
	})

	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.DefaultType != "bug" {
		t.Errorf("expected bug, got %s", task.DefaultType)
	}
	// The unmapped key stays visible through the raw tree.
	if v, ok := cfg.Get("task.futureKnob"); !ok || v != "kept" {
		t.Errorf("expected futureKnob preserved, got %v (ok=%v)", v, ok)
	}
}

func TestDomainParsedOnce(t *testing.T) {
	tree := map[string]any{
		"task": map[string]any{"defaultType": "bug"},
	}
	cfg := newTestConfig(tree)

	first, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}

	// Later tree mutation must not show through the cached parse.
	tree["task"].(map[string]any)["defaultType"] = "chore"

	second, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if second.DefaultType != first.DefaultType {
		t.Errorf("expected cached parse %s, got %s", first.DefaultType, second.DefaultType)
	}
}
