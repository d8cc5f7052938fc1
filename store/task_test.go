package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
)

func newTask(id, title string) *entity.Task {
	return &entity.Task{
		ID:    id,
		Title: title,
		Type:  entity.TaskTypeFeature,
		State: entity.TaskTodo,
	}
}

func TestSaveAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-login", "Add login")
	task.Tags = []string{"auth"}
	task.Body = "Implement the login flow."

	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	got, err := s.GetTask("P1-login")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Title != "Add login" {
		t.Errorf("expected title Add login, got %s", got.Title)
	}
	if got.State != entity.TaskTodo {
		t.Errorf("expected state todo, got %s", got.State)
	}
	if got.Body != "Implement the login flow." {
		t.Errorf("unexpected body %q", got.Body)
	}
	if got.Metadata.CreatedAt.IsZero() || got.Metadata.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set on save")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTaskDirectoryIsAuthoritative(t *testing.T) {
	s := newTestStore(t)

	// A document whose in-file state disagrees with its directory: the
	// directory wins.
	task := newTask("P1-x", "X")
	task.State = entity.TaskDone
	data, err := entity.MarshalTask(task)
	if err != nil {
		t.Fatalf("MarshalTask() error = %v", err)
	}
	path := s.EntityPath(entity.KindTask, "todo", "P1-x")
	if err := os.MkdirAll(s.StateDir(entity.KindTask, "todo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTask("P1-x")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != entity.TaskTodo {
		t.Errorf("expected directory state todo, got %s", got.State)
	}
}

func TestSaveTaskRejectsStateMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-y", "Y")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	// Changing state via save would leave the entity in two directories.
	task.State = entity.TaskWIP
	err := s.SaveTask(ctx, task)
	if !errdefs.IsStale(err) {
		t.Errorf("expected StaleState, got %v", err)
	}
}

func TestMoveTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-z", "Z")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	if err := s.MoveTask(ctx, "P1-z", "todo", "wip"); err != nil {
		t.Fatalf("MoveTask() error = %v", err)
	}

	if fsio.FileExists(s.EntityPath(entity.KindTask, "todo", "P1-z")) {
		t.Error("expected source file gone")
	}
	got, err := s.GetTask("P1-z")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != entity.TaskWIP {
		t.Errorf("expected wip, got %s", got.State)
	}
}

func TestMoveTaskStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-a", "A")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	err := s.MoveTask(ctx, "P1-a", "wip", "done")
	var stale *errdefs.StaleState
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleState, got %v", err)
	}
	if stale.Expected != "wip" || stale.Found != "todo" {
		t.Errorf("unexpected stale fields %+v", stale)
	}
}

func TestMoveTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.MoveTask(context.Background(), "ghost", "todo", "wip")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveTaskTargetOccupied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-b", "B")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	// Plant a duplicate in the target directory.
	dup := s.EntityPath(entity.KindTask, "wip", "P1-b")
	if err := os.MkdirAll(s.StateDir(entity.KindTask, "wip"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dup, []byte("stray"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.MoveTask(ctx, "P1-b", "todo", "wip")
	var inv *errdefs.InvariantViolation
	if !errors.As(err, &inv) {
		t.Errorf("expected InvariantViolation, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	one := newTask("P1-one", "One")
	one.Tags = []string{"auth"}
	one.Metadata.SessionID = "S-1"
	two := newTask("P1-two", "Two")
	two.State = entity.TaskWIP
	three := newTask("P2-three", "Three")
	three.Parent = "P1-one"

	for _, task := range []*entity.Task{one, two, three} {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask(%s) error = %v", task.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all", TaskFilter{}, []string{"P1-one", "P2-three", "P1-two"}},
		{"by state", TaskFilter{States: []string{"wip"}}, []string{"P1-two"}},
		{"by tag", TaskFilter{Tag: "auth"}, []string{"P1-one"}},
		{"by session", TaskFilter{SessionID: "S-1"}, []string{"P1-one"}},
		{"by parent", TaskFilter{Parent: "P1-one"}, []string{"P2-three"}},
		{"no match", TaskFilter{Tag: "nope"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTasks(tt.filter)
			if err != nil {
				t.Fatalf("ListTasks() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d tasks, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("task[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestListTasksSkipsMalformed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTask(ctx, newTask("P1-ok", "OK")); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	bad := s.EntityPath(entity.KindTask, "todo", "broken")
	if err := os.WriteFile(bad, []byte("no frontmatter here"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListTasks(TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "P1-ok" {
		t.Errorf("expected only the valid task, got %v", got)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveTask(ctx, newTask("P1-del", "Del")); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	if err := s.DeleteTask(ctx, "P1-del"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := s.GetTask("P1-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteTaskTerminalRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("P1-term", "Term")
	task.State = entity.TaskValidated
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	err := s.DeleteTask(ctx, "P1-term")
	var inv *errdefs.InvariantViolation
	if !errors.As(err, &inv) {
		t.Errorf("expected InvariantViolation, got %v", err)
	}
}
