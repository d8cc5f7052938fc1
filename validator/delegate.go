package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edisonhq/edison/fsio"
)

const (
	delegationPrefix = "delegation-"
	delegationExt    = ".md"
)

// DelegationFileName derives the instruction file for a delegated
// validator.
func DelegationFileName(validatorID string) string {
	return delegationPrefix + validatorID + delegationExt
}

// DelegationValidatorID recovers the validator ID from an instruction
// file name, reporting false for unrelated files.
func DelegationValidatorID(name string) (string, bool) {
	if !strings.HasPrefix(name, delegationPrefix) || !strings.HasSuffix(name, delegationExt) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, delegationPrefix), delegationExt)
	if id == "" {
		return "", false
	}
	return id, true
}

// writeDelegation drops instructions for an external orchestrator into
// the round directory. The validator stays pending until the orchestrator
// writes the report file named here.
func writeDelegation(roundDir string, entry RosterEntry, engine, prompt string, timeout time.Duration) (string, error) {
	reportPath := filepath.Join(roundDir, ReportFileName(entry.ID))

	var b strings.Builder
	fmt.Fprintf(&b, "# Delegated Validation: %s\n\n", entry.ID)
	fmt.Fprintf(&b, "Engine `%s` is not directly executable here; an external orchestrator must run it.\n\n", engine)
	fmt.Fprintf(&b, "- Wave: %s\n", entry.Wave)
	fmt.Fprintf(&b, "- Blocking: %v\n", entry.Blocking)
	fmt.Fprintf(&b, "- Report file: `%s`\n", reportPath)
	fmt.Fprintf(&b, "- Timeout: %s\n\n", timeout)
	b.WriteString("Write the verdict as JSON to the report file above: ")
	b.WriteString("`{validator, taskId, round, timestamp, status: approve|reject|blocked|pending, issues, summary, metrics, tracking}`.\n")
	if prompt != "" {
		b.WriteString("\n## Prompt\n\n")
		b.WriteString(prompt)
		if !strings.HasSuffix(prompt, "\n") {
			b.WriteString("\n")
		}
	}

	path := filepath.Join(roundDir, DelegationFileName(entry.ID))
	if err := fsio.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// waitForReport blocks until the report file appears in the round
// directory, the timeout lapses, or the context is canceled. Filesystem
// notification is backed by a coarse poll for filesystems that drop
// events.
func waitForReport(ctx context.Context, roundDir, filename string, timeout time.Duration) bool {
	target := filepath.Join(roundDir, filename)
	if fsio.FileExists(target) {
		return true
	}

	var eventCh chan fsnotify.Event
	var errCh chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(roundDir); err != nil {
			watcher.Close()
		} else {
			defer watcher.Close()
			eventCh = watcher.Events
			errCh = watcher.Errors
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return fsio.FileExists(target)
		case <-deadline.C:
			return fsio.FileExists(target)
		case ev := <-eventCh:
			if ev.Name == target && ev.Op.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				if fsio.FileExists(target) {
					return true
				}
			}
		case <-errCh:
			// Fall back to polling.
		case <-poll.C:
			if fsio.FileExists(target) {
				return true
			}
		}
	}
}

// removeIfEmpty cleans up a zero-byte report left by a crashed engine so
// a later run can retry instead of consuming garbage.
func removeIfEmpty(path string) {
	if info, err := os.Stat(path); err == nil && info.Size() == 0 {
		os.Remove(path)
	}
}
