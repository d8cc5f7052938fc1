package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
)

// GetTask loads a task by searching the state directories in configured
// order. The containing directory determines the returned state; the
// in-file state field is overwritten. Reads take no lock.
func (s *Store) GetTask(id string) (*entity.Task, error) {
	if err := entity.ValidateID(id); err != nil {
		return nil, err
	}
	for _, state := range s.searchOrder(entity.KindTask) {
		path := s.EntityPath(entity.KindTask, state, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read task %s: %w", id, err)
		}
		task, err := entity.UnmarshalTask(data)
		if err != nil {
			return nil, fmt.Errorf("parse task %s: %w", id, err)
		}
		task.State = entity.TaskState(state)
		return task, nil
	}
	return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
}

// SaveTask validates and persists a task into the directory matching its
// state, taking the task's lock for the write.
func (s *Store) SaveTask(ctx context.Context, t *entity.Task) error {
	lock, err := s.Lock(ctx, entity.KindTask, t.ID)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.SaveTaskLocked(t)
}

// SaveTaskLocked persists a task for a caller already holding its lock.
// The task must not exist in a different state directory; state changes go
// through MoveTask.
func (s *Store) SaveTaskLocked(t *entity.Task) error {
	if err := entity.ValidateTask(t); err != nil {
		return err
	}
	if found, ok := s.findState(entity.KindTask, t.ID); ok && found != string(t.State) {
		return &errdefs.StaleState{
			Kind:     string(entity.KindTask),
			ID:       t.ID,
			Expected: string(t.State),
			Found:    found,
		}
	}

	now := fsio.Now()
	if t.Metadata.CreatedAt.IsZero() {
		t.Metadata.CreatedAt = now
	}
	t.Metadata.UpdatedAt = now

	data, err := entity.MarshalTask(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return fsio.WriteFileAtomic(s.EntityPath(entity.KindTask, string(t.State), t.ID), data, 0o644)
}

// MoveTask renames a task between state directories, taking its lock.
func (s *Store) MoveTask(ctx context.Context, id, from, to string) error {
	lock, err := s.Lock(ctx, entity.KindTask, id)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.MoveTaskLocked(id, from, to)
}

// MoveTaskLocked renames a task between state directories for a caller
// already holding its lock. The entity is never visible in two
// directories: the rename is the commit point.
func (s *Store) MoveTaskLocked(id, from, to string) error {
	return s.moveEntity(entity.KindTask, id, from, to)
}

// moveEntity is the shared move for single-document kinds.
func (s *Store) moveEntity(kind entity.Kind, id, from, to string) error {
	oldPath := s.EntityPath(kind, from, id)
	if !fsio.FileExists(oldPath) {
		found, ok := s.findState(kind, id)
		if !ok {
			return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
		}
		return &errdefs.StaleState{Kind: string(kind), ID: id, Expected: from, Found: found}
	}

	newPath := s.EntityPath(kind, to, id)
	if fsio.FileExists(newPath) {
		return &errdefs.InvariantViolation{
			Kind:   string(kind),
			ID:     id,
			Detail: fmt.Sprintf("already present in state %q", to),
		}
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("move %s %s from %s to %s: %w", kind, id, from, to, err)
	}
	return nil
}

// TaskFilter selects tasks for listing. Zero fields match everything.
type TaskFilter struct {
	// States restricts matching state directories.
	States []string
	// SessionID matches tasks claimed by a session.
	SessionID string
	// Tag matches tasks carrying the tag.
	Tag string
	// Parent matches direct children of a task.
	Parent string
	// Type matches the task type.
	Type string
}

func (f TaskFilter) matches(t *entity.Task) bool {
	if f.SessionID != "" && t.Metadata.SessionID != f.SessionID {
		return false
	}
	if f.Tag != "" && !t.HasTag(f.Tag) {
		return false
	}
	if f.Parent != "" && t.Parent != f.Parent {
		return false
	}
	if f.Type != "" && string(t.Type) != f.Type {
		return false
	}
	return true
}

// ListTasks returns tasks matching the filter, ordered by ID within each
// state, states in search order. Unreadable documents are skipped with a
// warning.
func (s *Store) ListTasks(filter TaskFilter) ([]*entity.Task, error) {
	states := filter.States
	if len(states) == 0 {
		states = s.searchOrder(entity.KindTask)
	}

	var tasks []*entity.Task
	for _, state := range states {
		dir := s.StateDir(entity.KindTask, state)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read state directory %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), documentExt) {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				s.log().Warn("Skipping unreadable task document", "path", filepath.Join(dir, name), "error", err)
				continue
			}
			task, err := entity.UnmarshalTask(data)
			if err != nil {
				s.log().Warn("Skipping malformed task document", "path", filepath.Join(dir, name), "error", err)
				continue
			}
			task.State = entity.TaskState(state)
			if filter.matches(task) {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks, nil
}

// DeleteTask removes a task, permitted only from non-terminal states.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	lock, err := s.Lock(ctx, entity.KindTask, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, ok := s.findState(entity.KindTask, id)
	if !ok {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if entity.TaskState(state).IsTerminal() {
		return &errdefs.InvariantViolation{
			Kind:   string(entity.KindTask),
			ID:     id,
			Detail: fmt.Sprintf("cannot delete from terminal state %q", state),
		}
	}
	if err := os.Remove(s.EntityPath(entity.KindTask, state, id)); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}
