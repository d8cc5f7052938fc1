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

// GetQA loads a QA record by searching the state directories in lifecycle
// order. The containing directory determines the returned state.
func (s *Store) GetQA(id string) (*entity.QA, error) {
	if err := entity.ValidateID(id); err != nil {
		return nil, err
	}
	for _, state := range s.searchOrder(entity.KindQA) {
		path := s.EntityPath(entity.KindQA, state, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read qa %s: %w", id, err)
		}
		qa, err := entity.UnmarshalQA(data)
		if err != nil {
			return nil, fmt.Errorf("parse qa %s: %w", id, err)
		}
		qa.State = entity.QAState(state)
		return qa, nil
	}
	return nil, fmt.Errorf("qa %q: %w", id, ErrNotFound)
}

// GetQAForTask loads the QA record belonging to a task.
func (s *Store) GetQAForTask(taskID string) (*entity.QA, error) {
	return s.GetQA(entity.QAIDFor(taskID))
}

// SaveQA validates and persists a QA record, taking its lock for the
// write.
func (s *Store) SaveQA(ctx context.Context, q *entity.QA) error {
	lock, err := s.Lock(ctx, entity.KindQA, q.ID)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.SaveQALocked(q)
}

// SaveQALocked persists a QA record for a caller already holding its
// lock.
func (s *Store) SaveQALocked(q *entity.QA) error {
	if err := entity.ValidateQA(q); err != nil {
		return err
	}
	if found, ok := s.findState(entity.KindQA, q.ID); ok && found != string(q.State) {
		return &errdefs.StaleState{
			Kind:     string(entity.KindQA),
			ID:       q.ID,
			Expected: string(q.State),
			Found:    found,
		}
	}

	now := fsio.Now()
	if q.Metadata.CreatedAt.IsZero() {
		q.Metadata.CreatedAt = now
	}
	q.Metadata.UpdatedAt = now

	data, err := entity.MarshalQA(q)
	if err != nil {
		return fmt.Errorf("encode qa %s: %w", q.ID, err)
	}
	return fsio.WriteFileAtomic(s.EntityPath(entity.KindQA, string(q.State), q.ID), data, 0o644)
}

// MoveQA renames a QA record between state directories, taking its lock.
func (s *Store) MoveQA(ctx context.Context, id, from, to string) error {
	lock, err := s.Lock(ctx, entity.KindQA, id)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.MoveQALocked(id, from, to)
}

// MoveQALocked renames a QA record for a caller already holding its lock.
func (s *Store) MoveQALocked(id, from, to string) error {
	return s.moveEntity(entity.KindQA, id, from, to)
}

// QAFilter selects QA records for listing.
type QAFilter struct {
	// States restricts matching state directories.
	States []string
	// SessionID matches records attached to a session.
	SessionID string
	// TaskID matches the record for one task.
	TaskID string
}

func (f QAFilter) matches(q *entity.QA) bool {
	if f.SessionID != "" && q.Metadata.SessionID != f.SessionID {
		return false
	}
	if f.TaskID != "" && q.TaskID != f.TaskID {
		return false
	}
	return true
}

// ListQA returns QA records matching the filter.
func (s *Store) ListQA(filter QAFilter) ([]*entity.QA, error) {
	states := filter.States
	if len(states) == 0 {
		states = s.searchOrder(entity.KindQA)
	}

	var records []*entity.QA
	for _, state := range states {
		dir := s.StateDir(entity.KindQA, state)
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
				s.log().Warn("Skipping unreadable qa document", "path", filepath.Join(dir, name), "error", err)
				continue
			}
			qa, err := entity.UnmarshalQA(data)
			if err != nil {
				s.log().Warn("Skipping malformed qa document", "path", filepath.Join(dir, name), "error", err)
				continue
			}
			qa.State = entity.QAState(state)
			if filter.matches(qa) {
				records = append(records, qa)
			}
		}
	}
	return records, nil
}

// DeleteQA removes a QA record. Deletion is refused once the record has
// committed evidence rounds or has reached its terminal state.
func (s *Store) DeleteQA(ctx context.Context, id string) error {
	lock, err := s.Lock(ctx, entity.KindQA, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, ok := s.findState(entity.KindQA, id)
	if !ok {
		return fmt.Errorf("qa %q: %w", id, ErrNotFound)
	}
	if entity.QAState(state).IsTerminal() {
		return &errdefs.InvariantViolation{
			Kind:   string(entity.KindQA),
			ID:     id,
			Detail: fmt.Sprintf("cannot delete from terminal state %q", state),
		}
	}
	if s.qaHasRounds(entity.TaskIDForQA(id)) {
		return &errdefs.InvariantViolation{
			Kind:   string(entity.KindQA),
			ID:     id,
			Detail: "cannot delete a record with committed evidence rounds",
		}
	}
	if err := os.Remove(s.EntityPath(entity.KindQA, state, id)); err != nil {
		return fmt.Errorf("delete qa %s: %w", id, err)
	}
	return nil
}

// qaHasRounds reports whether any evidence round exists for the task.
func (s *Store) qaHasRounds(taskID string) bool {
	entries, err := os.ReadDir(s.ReportsDir(taskID))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "round-") {
			return true
		}
	}
	return false
}
