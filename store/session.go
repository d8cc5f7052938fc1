package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
)

// GetSession loads a session by searching the state directories in
// lifecycle order. The containing directory determines the returned state.
func (s *Store) GetSession(id string) (*entity.Session, error) {
	if err := entity.ValidateID(id); err != nil {
		return nil, err
	}
	for _, state := range s.searchOrder(entity.KindSession) {
		path := s.EntityPath(entity.KindSession, state, id)
		if !fsio.FileExists(path) {
			continue
		}
		var sess entity.Session
		if err := fsio.ReadJSON(path, &sess); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", id, err)
		}
		sess.State = entity.SessionState(state)
		return &sess, nil
	}
	return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
}

// SaveSession validates and persists a session record, taking its lock.
// Only session.json is written; session-scoped children are untouched.
func (s *Store) SaveSession(ctx context.Context, sess *entity.Session) error {
	lock, err := s.Lock(ctx, entity.KindSession, sess.ID)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.SaveSessionLocked(sess)
}

// SaveSessionLocked persists a session for a caller already holding its
// lock.
func (s *Store) SaveSessionLocked(sess *entity.Session) error {
	if err := entity.ValidateSession(sess); err != nil {
		return err
	}
	if found, ok := s.findState(entity.KindSession, sess.ID); ok && found != string(sess.State) {
		return &errdefs.StaleState{
			Kind:     string(entity.KindSession),
			ID:       sess.ID,
			Expected: string(sess.State),
			Found:    found,
		}
	}

	now := fsio.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	return fsio.WriteJSON(s.EntityPath(entity.KindSession, string(sess.State), sess.ID), sess)
}

// MoveSession renames a session directory between state directories,
// taking the session's lock. Children (session-scoped tasks and QA) move
// with the directory.
func (s *Store) MoveSession(ctx context.Context, id, from, to string) error {
	lock, err := s.Lock(ctx, entity.KindSession, id)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.MoveSessionLocked(id, from, to)
}

// MoveSessionLocked renames a session directory for a caller already
// holding its lock.
func (s *Store) MoveSessionLocked(id, from, to string) error {
	oldDir := s.SessionDir(from, id)
	if !fsio.DirExists(oldDir) {
		found, ok := s.findState(entity.KindSession, id)
		if !ok {
			return fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return &errdefs.StaleState{Kind: string(entity.KindSession), ID: id, Expected: from, Found: found}
	}

	newDir := s.SessionDir(to, id)
	if fsio.DirExists(newDir) {
		return &errdefs.InvariantViolation{
			Kind:   string(entity.KindSession),
			ID:     id,
			Detail: fmt.Sprintf("already present in state %q", to),
		}
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("move session %s from %s to %s: %w", id, from, to, err)
	}
	return nil
}

// SessionFilter selects sessions for listing.
type SessionFilter struct {
	// States restricts matching state directories.
	States []string
	// Owner matches the session owner.
	Owner string
}

func (f SessionFilter) matches(sess *entity.Session) bool {
	if f.Owner != "" && sess.Owner != f.Owner {
		return false
	}
	return true
}

// ListSessions returns sessions matching the filter.
func (s *Store) ListSessions(filter SessionFilter) ([]*entity.Session, error) {
	states := filter.States
	if len(states) == 0 {
		states = s.searchOrder(entity.KindSession)
	}

	var sessions []*entity.Session
	for _, state := range states {
		dir := s.StateDir(entity.KindSession, state)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read state directory %s: %w", dir, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name, SessionFileName)
			var sess entity.Session
			if err := fsio.ReadJSON(path, &sess); err != nil {
				s.log().Warn("Skipping unreadable session record", "path", path, "error", err)
				continue
			}
			sess.State = entity.SessionState(state)
			if filter.matches(&sess) {
				sessions = append(sessions, &sess)
			}
		}
	}
	return sessions, nil
}

// DeleteSession removes a session directory, permitted only from
// non-terminal states. Session-scoped children are removed with it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	lock, err := s.Lock(ctx, entity.KindSession, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, ok := s.findState(entity.KindSession, id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if entity.SessionState(state).IsTerminal() {
		return &errdefs.InvariantViolation{
			Kind:   string(entity.KindSession),
			ID:     id,
			Detail: fmt.Sprintf("cannot delete from terminal state %q", state),
		}
	}
	if err := os.RemoveAll(s.SessionDir(state, id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SessionScope returns a store rooted inside a session's directory, for
// session-scoped tasks and QA. The scoped store shares the project-level
// lock directory so lock paths survive session state moves.
func (s *Store) SessionScope(sess *entity.Session) *Store {
	return New(s.SessionDir(string(sess.State), sess.ID), Options{
		LocksDir:    s.locksDir,
		LockTimeout: s.lockTimeout,
		TaskOrder:   s.taskOrder,
		Logger:      s.logger,
	})
}
