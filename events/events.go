// Package events appends process event records to the project's
// newline-delimited JSON stream. The stream is the durable trace of
// validator launches, completions, and post-commit action failures;
// records are append-only and never rewritten.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edisonhq/edison/fsio"
)

// Type classifies a process event record.
type Type string

const (
	// ProcessStarted records a validator child process launch.
	ProcessStarted Type = "process.started"
	// ProcessCompleted records a validator child process exit.
	ProcessCompleted Type = "process.completed"
	// ProcessDetectedStopped records a process found dead without a
	// completion record (timeout kill, crash).
	ProcessDetectedStopped Type = "process.detected_stopped"
	// ActionFailed records a post-commit transition action that returned an
	// error. The transition stands; the record makes the failure auditable.
	ActionFailed Type = "action.failed"
	// SessionStarted and SessionClosed bracket a session's activity in the
	// stream.
	SessionStarted Type = "session.started"
	SessionClosed  Type = "session.closed"
)

// Record is one line in the process events stream.
type Record struct {
	Type      Type      `json:"type"`
	At        time.Time `json:"at"`
	Hostname  string    `json:"hostname,omitempty"`
	ProcessID string    `json:"processId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Validator string    `json:"validator,omitempty"`
	Round     int       `json:"round,omitempty"`
	Action    string    `json:"action,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Writer appends records to a JSONL file. The zero value is a no-op
// writer, so components can emit events unconditionally.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer appending to path. The parent directory is
// created on first append.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the stream location, empty for the no-op writer.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one record as a single JSON line. Missing At and Hostname
// fields are filled in. Append never partially writes a line: the record
// is marshaled first and written with a single write call.
func (w *Writer) Append(rec Record) error {
	if w == nil || w.path == "" {
		return nil
	}
	if rec.At.IsZero() {
		rec.At = fsio.Now()
	}
	if rec.Hostname == "" {
		rec.Hostname, _ = os.Hostname()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create events directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open events stream: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append event record: %w", err)
	}
	return f.Close()
}

// Read returns every record currently in the stream, oldest first. A
// missing stream yields an empty slice.
func Read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read events stream: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("parse events stream %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
