package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testEnv(t *testing.T) *exprEnv {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tree := map[string]any{
		"features": map[string]any{"fancy": true},
		"mode":     "strict",
		"count":    int(3),
	}
	lookup := func(path string) (any, bool) {
		node := any(tree)
		for _, seg := range strings.Split(path, ".") {
			m, ok := node.(map[string]any)
			if !ok {
				return nil, false
			}
			node, ok = m[seg]
			if !ok {
				return nil, false
			}
		}
		return node, true
	}
	return &exprEnv{
		truthy: func(path string) bool {
			v, ok := lookup(path)
			if !ok {
				return false
			}
			b, isBool := v.(bool)
			return isBool && b
		},
		configVal: func(path string) (string, bool) {
			v, ok := lookup(path)
			if !ok {
				return "", false
			}
			return scalarString(v), true
		},
		hasPack:    func(name string) bool { return name == "go-tools" },
		environ:    func(name string) string { return map[string]string{"CI": "1"}[name] },
		projectDir: dir,
	}
}

func TestEvalExpr(t *testing.T) {
	env := testEnv(t)

	tests := []struct {
		expr string
		want bool
	}{
		{"has-pack(go-tools)", true},
		{"has-pack(rust-tools)", false},
		{"config(features.fancy)", true},
		{"config(features.missing)", false},
		{"config-eq(mode,strict)", true},
		{"config-eq(mode,loose)", false},
		{"config-eq(count,3)", true},
		{"env(CI)", true},
		{"env(NOPE)", false},
		{"file-exists(go.mod)", true},
		{"file-exists(missing.txt)", false},
		{"not(env(NOPE))", true},
		{"and(env(CI),has-pack(go-tools))", true},
		{"and(env(CI),env(NOPE))", false},
		{"or(env(NOPE),has-pack(go-tools))", true},
		{"or(env(NOPE),env(ALSO_NOPE))", false},
		{"not(and(env(CI),env(NOPE)))", true},
		{" config( features.fancy ) ", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpr(tt.expr, env)
			if err != nil {
				t.Fatalf("evalExpr(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("evalExpr(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalExprErrors(t *testing.T) {
	env := testEnv(t)

	exprs := []string{
		"",
		"bare-word",
		"unknown(x)",
		"and(env(CI))",
		"config-eq(mode)",
		"not(env(CI)",
		"and(env(CI),env(X)))",
	}
	for _, expr := range exprs {
		if _, err := evalExpr(expr, env); err == nil {
			t.Errorf("evalExpr(%q) succeeded, want error", expr)
		}
	}
}
