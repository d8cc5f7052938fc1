package fsio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Lock errors.
var (
	ErrLockTimeout = errors.New("lock acquisition timed out")
	ErrLockHeld    = errors.New("lock held by a live process")
	ErrNotLocked   = errors.New("lock file not present")
)

// DefaultLockTimeout bounds how long Acquire waits for a contended lock.
const DefaultLockTimeout = 10 * time.Second

// staleMultiplier scales the timeout to decide when a lock without a live
// owner may be broken.
const staleMultiplier = 6

const lockRetryInterval = 25 * time.Millisecond

// lockInfo is the JSON payload written into the lock file so operators can
// see who holds a lock and break it when the owner is gone.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is a host-local advisory lock backed by an O_EXCL-created file.
// Writers hold the lock for the duration of a read-modify-write; readers
// do not lock.
type Lock struct {
	path     string
	released bool
}

// AcquireLock obtains the advisory lock at path, retrying until timeout or
// context cancellation. A zero timeout uses DefaultLockTimeout.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := tryCreateLock(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{path: path}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func tryCreateLock(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}

	hostname, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
	data, _ := json.Marshal(info)

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("close lock file: %w", err)
	}
	return true, nil
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// IsLocked reports whether a lock file currently exists at path.
func IsLocked(path string) bool {
	return FileExists(path)
}

// BreakStaleLock removes a lock whose holder is provably gone: the lock is
// older than timeout*6 and the recorded PID (on this host) is not running.
// It refuses to break locks held by live processes. This is the
// administrative recovery path for crashed writers.
func BreakStaleLock(path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotLocked
		}
		return fmt.Errorf("read lock file: %w", err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable payload: fall back to file mtime for age.
		st, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf("stat lock file: %w", statErr)
		}
		info.AcquiredAt = st.ModTime()
	}

	age := time.Since(info.AcquiredAt)
	if age < timeout*staleMultiplier {
		return fmt.Errorf("%w: held for %s (threshold %s)", ErrLockHeld, age.Round(time.Second), timeout*staleMultiplier)
	}

	hostname, _ := os.Hostname()
	if info.PID > 0 && (info.Hostname == "" || info.Hostname == hostname) {
		if processAlive(info.PID) {
			return fmt.Errorf("%w: pid %d is running", ErrLockHeld, info.PID)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
