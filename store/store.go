// Package store is the file-backed entity repository. Entities live in
// state directories under the project management dir and the directory
// name is the authoritative state. Writes are atomic renames guarded by
// per-entity advisory locks kept in a fixed lock directory, so a lock path
// stays stable while its entity file moves between state directories.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/fsio"
)

// Directory and file names under the project management dir.
const (
	TasksDirName    = "tasks"
	QADirName       = "qa"
	SessionsDirName = "sessions"
	LocksDirName    = ".locks"
	SessionFileName = "session.json"

	// ReportsDirName holds evidence rounds, under the qa dir.
	ReportsDirName = "validation-reports"
	// SnapshotsDirName holds content-addressed evidence snapshots, under
	// the qa dir.
	SnapshotsDirName = "evidence-snapshots"

	documentExt = ".md"
)

// ErrNotFound reports a lookup for an entity that exists in no state
// directory.
var ErrNotFound = errors.New("entity not found")

// Store reads and writes entities under a root directory. The zero value
// is not usable; construct with New.
type Store struct {
	root        string
	locksDir    string
	lockTimeout time.Duration
	taskOrder   []string
	logger      *slog.Logger
}

// Options adjusts a Store. The zero value gives defaults suitable for a
// project management dir.
type Options struct {
	// LocksDir overrides the lock directory. Defaults to <root>/.locks.
	// Session-scoped stores share the project-level lock directory.
	LocksDir string
	// LockTimeout bounds lock acquisition. Defaults to
	// fsio.DefaultLockTimeout.
	LockTimeout time.Duration
	// TaskOrder overrides the task state search order.
	TaskOrder []string
	// Logger receives skip warnings during listing.
	Logger *slog.Logger
}

// New creates a Store rooted at the project management dir.
func New(root string, opts Options) *Store {
	s := &Store{
		root:        root,
		locksDir:    opts.LocksDir,
		lockTimeout: opts.LockTimeout,
		taskOrder:   opts.TaskOrder,
		logger:      opts.Logger,
	}
	if s.locksDir == "" {
		s.locksDir = filepath.Join(root, LocksDirName)
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = fsio.DefaultLockTimeout
	}
	if len(s.taskOrder) == 0 {
		for _, st := range entity.TaskStates() {
			s.taskOrder = append(s.taskOrder, string(st))
		}
	}
	return s
}

// Root returns the repository root directory.
func (s *Store) Root() string { return s.root }

// LocksDir returns the lock directory.
func (s *Store) LocksDir() string { return s.locksDir }

// KindDir returns the directory holding a kind's state directories.
func (s *Store) KindDir(kind entity.Kind) string {
	switch kind {
	case entity.KindTask:
		return filepath.Join(s.root, TasksDirName)
	case entity.KindQA:
		return filepath.Join(s.root, QADirName)
	case entity.KindSession:
		return filepath.Join(s.root, SessionsDirName)
	default:
		return filepath.Join(s.root, string(kind))
	}
}

// StateDir returns the directory for one state of a kind.
func (s *Store) StateDir(kind entity.Kind, state string) string {
	return filepath.Join(s.KindDir(kind), state)
}

// EntityPath returns the file path an entity occupies in a given state.
// Tasks and QA are single documents; sessions are a directory containing
// session.json.
func (s *Store) EntityPath(kind entity.Kind, state, id string) string {
	if kind == entity.KindSession {
		return filepath.Join(s.StateDir(kind, state), id, SessionFileName)
	}
	return filepath.Join(s.StateDir(kind, state), id+documentExt)
}

// SessionDir returns the directory a session occupies in a given state.
func (s *Store) SessionDir(state, id string) string {
	return filepath.Join(s.StateDir(entity.KindSession, state), id)
}

// ReportsDir returns the evidence rounds root for a task.
func (s *Store) ReportsDir(taskID string) string {
	return filepath.Join(s.root, QADirName, ReportsDirName, taskID)
}

// SnapshotsDir returns the content-addressed snapshots root.
func (s *Store) SnapshotsDir() string {
	return filepath.Join(s.root, QADirName, SnapshotsDirName)
}

// LockPath returns the lock file path for an entity. The path depends only
// on kind and id, never on state.
func (s *Store) LockPath(kind entity.Kind, id string) string {
	return filepath.Join(s.locksDir, fmt.Sprintf("%s-%s.lock", kind, id))
}

// Lock acquires the entity's advisory lock. The caller must Release it on
// every exit path.
func (s *Store) Lock(ctx context.Context, kind entity.Kind, id string) (*fsio.Lock, error) {
	return fsio.AcquireLock(ctx, s.LockPath(kind, id), s.lockTimeout)
}

// BreakStaleLock removes an entity's lock if its owner is provably dead
// and the lock has outlived the stale threshold.
func (s *Store) BreakStaleLock(kind entity.Kind, id string) error {
	return fsio.BreakStaleLock(s.LockPath(kind, id), s.lockTimeout)
}

// EnsureLayout creates every state directory and the lock directory.
func (s *Store) EnsureLayout() error {
	dirs := []string{s.locksDir, s.ReportsDir(""), s.SnapshotsDir()}
	for _, st := range entity.TaskStates() {
		dirs = append(dirs, s.StateDir(entity.KindTask, string(st)))
	}
	for _, st := range entity.QAStates() {
		dirs = append(dirs, s.StateDir(entity.KindQA, string(st)))
	}
	for _, st := range entity.SessionStates() {
		dirs = append(dirs, s.StateDir(entity.KindSession, string(st)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// searchOrder returns the state lookup order for a kind.
func (s *Store) searchOrder(kind entity.Kind) []string {
	switch kind {
	case entity.KindTask:
		return s.taskOrder
	case entity.KindQA:
		order := make([]string, 0, len(entity.QAStates()))
		for _, st := range entity.QAStates() {
			order = append(order, string(st))
		}
		return order
	case entity.KindSession:
		order := make([]string, 0, len(entity.SessionStates()))
		for _, st := range entity.SessionStates() {
			order = append(order, string(st))
		}
		return order
	default:
		return nil
	}
}

// findState locates the state directory currently holding the entity.
func (s *Store) findState(kind entity.Kind, id string) (string, bool) {
	for _, state := range s.searchOrder(kind) {
		if fsio.FileExists(s.EntityPath(kind, state, id)) {
			return state, true
		}
	}
	return "", false
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
