package store

import (
	"path/filepath"
	"testing"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/fsio"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), Options{})
}

func TestEntityPaths(t *testing.T) {
	s := New("/pm", Options{})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"task path", s.EntityPath(entity.KindTask, "todo", "P1-login"), "/pm/tasks/todo/P1-login.md"},
		{"qa path", s.EntityPath(entity.KindQA, "waiting", "P1-login-qa"), "/pm/qa/waiting/P1-login-qa.md"},
		{"session path", s.EntityPath(entity.KindSession, "active", "S-ab12cd34"), "/pm/sessions/active/S-ab12cd34/session.json"},
		{"session dir", s.SessionDir("active", "S-ab12cd34"), "/pm/sessions/active/S-ab12cd34"},
		{"reports dir", s.ReportsDir("P1-login"), "/pm/qa/validation-reports/P1-login"},
		{"snapshots dir", s.SnapshotsDir(), "/pm/qa/evidence-snapshots"},
		{"lock path", s.LockPath(entity.KindTask, "P1-login"), "/pm/.locks/task-P1-login.lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != filepath.FromSlash(tt.want) {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestLockPathIgnoresState(t *testing.T) {
	s := New("/pm", Options{})
	// The lock path must not change as the entity moves between states.
	if s.LockPath(entity.KindTask, "X") != filepath.Join("/pm", ".locks", "task-X.lock") {
		t.Errorf("unexpected lock path %s", s.LockPath(entity.KindTask, "X"))
	}
}

func TestEnsureLayout(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}

	wantDirs := []string{
		s.StateDir(entity.KindTask, "todo"),
		s.StateDir(entity.KindTask, "validated"),
		s.StateDir(entity.KindQA, "waiting"),
		s.StateDir(entity.KindSession, "active"),
		s.StateDir(entity.KindSession, "recovery"),
		s.LocksDir(),
		s.SnapshotsDir(),
	}
	for _, dir := range wantDirs {
		if !fsio.DirExists(dir) {
			t.Errorf("expected directory %s", dir)
		}
	}
}

func TestSearchOrderDefaults(t *testing.T) {
	s := newTestStore(t)

	order := s.searchOrder(entity.KindTask)
	if len(order) != 5 || order[0] != "todo" {
		t.Errorf("unexpected task order %v", order)
	}
	order = s.searchOrder(entity.KindQA)
	if len(order) != 5 || order[0] != "waiting" {
		t.Errorf("unexpected qa order %v", order)
	}
	order = s.searchOrder(entity.KindSession)
	if len(order) != 5 || order[0] != "active" {
		t.Errorf("unexpected session order %v", order)
	}
}
