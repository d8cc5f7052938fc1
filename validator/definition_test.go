package validator

import (
	"testing"
	"testing/fstest"

	"github.com/edisonhq/edison/errdefs"
)

func defFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, data := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(data)}
	}
	return fsys
}

func TestLoadDefinitionsLayering(t *testing.T) {
	bundled := Source{Name: "bundled", FS: defFS(map[string]string{
		"code-review.yaml": "id: code-review\nwave: critical\nblocking: true\nengine: claude\nalways_run: true\n",
		"security.yaml":    "id: security\nwave: comprehensive\nblocking: true\nengine: claude\ntriggers: ['**/*.go']\n",
	})}
	project := Source{Name: "project", FS: defFS(map[string]string{
		"security.yaml": "id: security\nwave: critical\nblocking: false\nengine: codex\n",
	})}

	defs, err := LoadDefinitions(bundled, project)
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	sec := defs["security"]
	if sec.Engine != "codex" || sec.Wave != "critical" || sec.Blocking {
		t.Errorf("project layer did not replace security: %+v", sec)
	}
	if !defs["code-review"].AlwaysRun {
		t.Errorf("bundled code-review lost: %+v", defs["code-review"])
	}
}

func TestLoadDefinitionsDefaults(t *testing.T) {
	defs, err := LoadDefinitions(Source{Name: "test", FS: defFS(map[string]string{
		"lint-gate.yaml": "engine: claude\n",
	})})
	if err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	def, ok := defs["lint-gate"]
	if !ok {
		t.Fatalf("ID not derived from filename: %v", defs)
	}
	if def.Wave != DefaultWave {
		t.Errorf("wave = %q, want %q", def.Wave, DefaultWave)
	}
}

func TestLoadDefinitionsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing engine", "id: x\nwave: critical\n"},
		{"unknown field", "id: x\nengine: claude\nwaves: critical\n"},
		{"malformed yaml", "id: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDefinitions(Source{Name: "test", FS: defFS(map[string]string{"x.yaml": tt.body})})
			if !errdefs.IsConfig(err) {
				t.Errorf("LoadDefinitions = %v, want ConfigError", err)
			}
		})
	}
}

func TestAssembleRoster(t *testing.T) {
	defs := map[string]Definition{
		"always":   {ID: "always", Wave: "critical", Engine: "e", AlwaysRun: true},
		"go-files": {ID: "go-files", Wave: "critical", Engine: "e", Triggers: []string{"**/*.go"}},
		"docs":     {ID: "docs", Wave: "comprehensive", Engine: "e", Triggers: []string{"docs/**"}},
		"manual":   {ID: "manual", Wave: "comprehensive", Engine: "e"},
	}

	roster, err := AssembleRoster(defs, []string{"internal/server/handler.go", "README.md"}, nil)
	if err != nil {
		t.Fatalf("AssembleRoster: %v", err)
	}
	ids := rosterIDs(roster)
	if want := []string{"always", "go-files"}; !equalStrings(ids, want) {
		t.Errorf("roster = %v, want %v", ids, want)
	}
	for _, entry := range roster {
		switch entry.ID {
		case "always":
			if entry.AddedBy != "always_run" {
				t.Errorf("always AddedBy = %q", entry.AddedBy)
			}
		case "go-files":
			if entry.AddedBy != "trigger:**/*.go" {
				t.Errorf("go-files AddedBy = %q", entry.AddedBy)
			}
		}
	}
}

func TestAssembleRosterExplicitAdds(t *testing.T) {
	defs := map[string]Definition{
		"manual": {ID: "manual", Wave: "comprehensive", Engine: "e"},
	}

	roster, err := AssembleRoster(defs, nil, []string{"critical:manual"})
	if err != nil {
		t.Fatalf("AssembleRoster: %v", err)
	}
	if len(roster) != 1 || roster[0].Wave != "critical" || roster[0].AddedBy != "explicit" {
		t.Errorf("roster = %+v, want manual reassigned to critical", roster)
	}

	if _, err := AssembleRoster(defs, nil, []string{"nope"}); !errdefs.IsConfig(err) {
		t.Errorf("unknown add = %v, want ConfigError", err)
	}
}

func rosterIDs(roster []RosterEntry) []string {
	ids := make([]string, len(roster))
	for i, e := range roster {
		ids[i] = e.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
