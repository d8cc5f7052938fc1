package config

import (
	"reflect"
	"testing"

	"github.com/edisonhq/edison/errdefs"
)

func TestApplyEnvOverridesSet(t *testing.T) {
	tree := map[string]any{
		"session": map[string]any{
			"recovery": map[string]any{"timeoutHours": 24},
		},
	}

	got, err := applyEnvOverrides(tree, []string{
		"EDISON_session__recovery__timeoutHours=6",
		"EDISON_task__defaultType=bug",
		"PATH=/usr/bin",
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	recovery := got["session"].(map[string]any)["recovery"].(map[string]any)
	if recovery["timeoutHours"] != 6 {
		t.Errorf("expected timeoutHours 6, got %v", recovery["timeoutHours"])
	}
	if got["task"].(map[string]any)["defaultType"] != "bug" {
		t.Errorf("expected created path task.defaultType=bug, got %v", got["task"])
	}

	// The input tree must stay untouched.
	orig := tree["session"].(map[string]any)["recovery"].(map[string]any)
	if orig["timeoutHours"] != 24 {
		t.Error("override mutated the input tree")
	}
}

func TestApplyEnvOverridesAppend(t *testing.T) {
	tree := map[string]any{
		"qa": map[string]any{
			"requiredEvidence": []any{"command-test.txt"},
		},
	}

	got, err := applyEnvOverrides(tree, []string{
		`EDISON_qa__requiredEvidence__APPEND=command-bench.txt`,
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	list := got["qa"].(map[string]any)["requiredEvidence"].([]any)
	want := []any{"command-test.txt", "command-bench.txt"}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("expected %v, got %v", want, list)
	}
}

func TestApplyEnvOverridesAppendJSONList(t *testing.T) {
	tree := map[string]any{
		"qa": map[string]any{"requiredEvidence": []any{"a"}},
	}

	got, err := applyEnvOverrides(tree, []string{
		`EDISON_qa__requiredEvidence__APPEND=["b","c"]`,
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	list := got["qa"].(map[string]any)["requiredEvidence"].([]any)
	if !reflect.DeepEqual(list, []any{"a", "b", "c"}) {
		t.Errorf("expected a,b,c, got %v", list)
	}
}

func TestApplyEnvOverridesAppendToMissingPath(t *testing.T) {
	got, err := applyEnvOverrides(map[string]any{}, []string{
		"EDISON_qa__extra__APPEND=x",
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	list := got["qa"].(map[string]any)["extra"].([]any)
	if !reflect.DeepEqual(list, []any{"x"}) {
		t.Errorf("expected new list [x], got %v", list)
	}
}

func TestApplyEnvOverridesAppendToMappingFails(t *testing.T) {
	tree := map[string]any{
		"task": map[string]any{"nested": map[string]any{"k": "v"}},
	}

	_, err := applyEnvOverrides(tree, []string{
		"EDISON_task__nested__APPEND=x",
	})
	if err == nil {
		t.Fatal("expected error for __APPEND on a mapping")
	}
	if !errdefs.IsConfig(err) {
		t.Errorf("expected configuration error, got %T", err)
	}
}

func TestApplyEnvOverridesIndex(t *testing.T) {
	tree := map[string]any{
		"task": map[string]any{"stateOrder": []any{"todo", "wip", "done"}},
	}

	got, err := applyEnvOverrides(tree, []string{
		"EDISON_task__stateOrder__1=paused",
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	list := got["task"].(map[string]any)["stateOrder"].([]any)
	if !reflect.DeepEqual(list, []any{"todo", "paused", "done"}) {
		t.Errorf("unexpected list %v", list)
	}
}

func TestApplyEnvOverridesIndexErrors(t *testing.T) {
	tests := []struct {
		name string
		tree map[string]any
		env  string
	}{
		{
			name: "out of range",
			tree: map[string]any{"task": map[string]any{"stateOrder": []any{"todo"}}},
			env:  "EDISON_task__stateOrder__5=x",
		},
		{
			name: "non-sequence target",
			tree: map[string]any{"task": map[string]any{"defaultType": "bug"}},
			env:  "EDISON_task__defaultType__0=x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyEnvOverrides(tt.tree, []string{tt.env})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errdefs.IsConfig(err) {
				t.Errorf("expected configuration error, got %T", err)
			}
		})
	}
}

func TestApplyEnvOverridesSkipsReserved(t *testing.T) {
	got, err := applyEnvOverrides(map[string]any{}, []string{
		"EDISON_SESSION_ID=S-deadbeef",
	})
	if err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected reserved variable ignored, got %v", got)
	}
}

func TestParseEnvValue(t *testing.T) {
	tests := []struct {
		raw  string
		want any
	}{
		{"true", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"no", false},
		{"off", false},
		{"42", 42},
		{"3.5", 3.5},
		{"plain string", "plain string"},
		{`"quoted"`, "quoted"},
		{`[1,2]`, []any{1, 2}},
		{`{"k":"v"}`, map[string]any{"k": "v"}},
		{`{"n":7}`, map[string]any{"n": 7}},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := parseEnvValue(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseEnvValue(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}
