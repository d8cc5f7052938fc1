package fsio

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")
	ctx := context.Background()

	lock, err := AcquireLock(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if !IsLocked(path) {
		t.Error("IsLocked() = false while held")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if IsLocked(path) {
		t.Error("IsLocked() = true after release")
	}

	// Double release is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")
	ctx := context.Background()

	held, err := AcquireLock(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer func() { _ = held.Release() }()

	_, err = AcquireLock(ctx, path, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("contended AcquireLock() error = %v, want ErrLockTimeout", err)
	}
}

func TestAcquireSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := AcquireLock(ctx, path, 50*time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			wins++
			mu.Unlock()
			// Hold past every contender's timeout.
			time.Sleep(150 * time.Millisecond)
			_ = lock.Release()
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")
	ctx := context.Background()

	first, err := AcquireLock(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = first.Release()
	}()

	second, err := AcquireLock(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = second.Release()
}

func TestBreakStaleLock(t *testing.T) {
	dir := t.TempDir()

	t.Run("refuses fresh lock", func(t *testing.T) {
		path := filepath.Join(dir, "fresh.lock")
		lock, err := AcquireLock(context.Background(), path, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = lock.Release() }()

		if err := BreakStaleLock(path, time.Second); !errors.Is(err, ErrLockHeld) {
			t.Errorf("BreakStaleLock() error = %v, want ErrLockHeld", err)
		}
	})

	t.Run("breaks dead owner past threshold", func(t *testing.T) {
		path := filepath.Join(dir, "stale.lock")
		hostname, _ := os.Hostname()
		payload, _ := json.Marshal(lockInfo{
			PID:        1 << 22, // beyond pid_max on any host we run tests on
			Hostname:   hostname,
			AcquiredAt: time.Now().Add(-time.Hour).UTC(),
		})
		if err := os.WriteFile(path, payload, 0644); err != nil {
			t.Fatal(err)
		}

		if err := BreakStaleLock(path, time.Second); err != nil {
			t.Fatalf("BreakStaleLock() error = %v", err)
		}
		if IsLocked(path) {
			t.Error("lock file still present after break")
		}
	})

	t.Run("missing lock", func(t *testing.T) {
		err := BreakStaleLock(filepath.Join(dir, "absent.lock"), time.Second)
		if !errors.Is(err, ErrNotLocked) {
			t.Errorf("BreakStaleLock() error = %v, want ErrNotLocked", err)
		}
	})
}

func TestAcquireContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.lock")

	held, err := AcquireLock(context.Background(), path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	_, err = AcquireLock(ctx, path, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("AcquireLock() error = %v, want context.Canceled", err)
	}
}
