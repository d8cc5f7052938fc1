package validator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edisonhq/edison/fsio"
)

// Report statuses. The report file is the contract between the scheduler
// and validator engines; engines must write one of these.
const (
	StatusApprove = "approve"
	StatusReject  = "reject"
	StatusBlocked = "blocked"
	StatusPending = "pending"
)

// reportSuffix terminates every report file name in a round directory.
const reportSuffix = "-report.json"

// Issue is one finding reported by a validator.
type Issue struct {
	Severity       string `json:"severity"`
	Category       string `json:"category,omitempty"`
	Location       string `json:"location,omitempty"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Tracking identifies the validator process run for audit.
type Tracking struct {
	ProcessID   string    `json:"processId"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// Report is one validator's verdict for one round.
type Report struct {
	Validator      string         `json:"validator"`
	TaskID         string         `json:"taskId"`
	Round          int            `json:"round"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	Model          string         `json:"model,omitempty"`
	ContinuationID string         `json:"continuationId,omitempty"`
	Issues         []Issue        `json:"issues"`
	Summary        string         `json:"summary,omitempty"`
	Metrics        map[string]any `json:"metrics,omitempty"`
	Tracking       Tracking       `json:"tracking"`
}

// Rejecting reports whether the status fails a blocking check.
func Rejecting(status string) bool {
	return status == StatusReject || status == StatusBlocked
}

// ReportFileName derives the report file name for a validator.
func ReportFileName(validatorID string) string {
	return validatorID + reportSuffix
}

// WriteReport persists a report atomically, normalizing a nil issue list
// to an empty array so consumers can index unconditionally.
func WriteReport(path string, r *Report) error {
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = fsio.Now()
	}
	return fsio.WriteJSON(path, r)
}

// ReadReport loads one report file.
func ReadReport(path string) (*Report, error) {
	var r Report
	if err := fsio.ReadJSON(path, &r); err != nil {
		return nil, fmt.Errorf("read validator report %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

// ReadRoundReports loads every report in a round directory, ordered by
// validator ID. A missing directory yields no reports.
func ReadRoundReports(roundDir string) ([]*Report, error) {
	entries, err := os.ReadDir(roundDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), reportSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	reports := make([]*Report, 0, len(names))
	for _, name := range names {
		r, err := ReadReport(filepath.Join(roundDir, name))
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}
