package entity

import "strings"

// QAState represents the current lifecycle state of a QA record.
type QAState string

const (
	// QAWaiting indicates the paired task has not reached done yet.
	QAWaiting QAState = "waiting"
	// QATodo indicates the task is done and validation can be scheduled.
	QATodo QAState = "todo"
	// QAWIP indicates validators have been launched for the current round.
	QAWIP QAState = "wip"
	// QADone indicates all validators reported for the current round.
	QADone QAState = "done"
	// QAValidated indicates the round achieved bundle approval. Terminal.
	QAValidated QAState = "validated"
)

// String returns the string representation of the state.
func (s QAState) String() string {
	return string(s)
}

// IsValid returns true if the state is a known QA state.
func (s QAState) IsValid() bool {
	switch s {
	case QAWaiting, QATodo, QAWIP, QADone, QAValidated:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when no further transitions leave the state.
func (s QAState) IsTerminal() bool {
	return s == QAValidated
}

// CanTransitionTo returns true if the state can transition to the target.
func (s QAState) CanTransitionTo(target QAState) bool {
	switch s {
	case QAWaiting:
		return target == QATodo
	case QATodo:
		return target == QAWIP
	case QAWIP:
		return target == QADone
	case QADone:
		// done → wip reopens validation with an incremented round.
		return target == QAValidated || target == QAWIP
	case QAValidated:
		return false
	default:
		return false
	}
}

// QAStates lists every QA state in repository search order.
func QAStates() []QAState {
	return []QAState{QAWaiting, QATodo, QAWIP, QADone, QAValidated}
}

// QASuffix is appended to a task ID to derive its QA identifier.
const QASuffix = "-qa"

// QAIDFor derives the QA identifier paired with a task.
func QAIDFor(taskID string) string {
	return taskID + QASuffix
}

// TaskIDForQA recovers the task identifier from a QA identifier.
func TaskIDForQA(qaID string) string {
	return strings.TrimSuffix(qaID, QASuffix)
}

// RoundSummary captures the outcome of one validation round.
type RoundSummary struct {
	// Round is the 1-based round number.
	Round int `yaml:"round" json:"round"`
	// Verdict is the aggregate outcome: approve, reject, or blocked.
	Verdict string `yaml:"verdict" json:"verdict"`
	// Summary is a short human-readable digest of the round.
	Summary string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// QA is a per-task validation dossier, stored as a frontmatter document
// under <pm>/qa/<state>/<task-id>-qa.md.
type QA struct {
	// ID is the QA identifier, always <task-id>-qa.
	ID string `yaml:"id"`
	// TaskID is the paired task.
	TaskID string `yaml:"task_id"`
	// State mirrors the containing directory; advisory on disk.
	State QAState `yaml:"state"`
	// Round is the current validation round, 1-based and monotonic.
	Round int `yaml:"round"`
	// Rounds summarizes completed rounds.
	Rounds []RoundSummary `yaml:"rounds,omitempty"`
	// EvidenceDir points at the round evidence directory, relative to the
	// project management root.
	EvidenceDir string `yaml:"evidence_dir,omitempty"`

	Metadata `yaml:",inline"`

	// History records every state transition, append-only.
	History []HistoryEntry `yaml:"state_history,omitempty"`

	// Extra preserves unknown frontmatter keys across load/save.
	Extra map[string]any `yaml:",inline"`

	// Body is the free-form markdown below the frontmatter.
	Body string `yaml:"-"`
}

// Kind returns KindQA.
func (q *QA) Kind() Kind { return KindQA }

// EntityID returns the QA identifier.
func (q *QA) EntityID() string { return q.ID }

// CurrentState returns the QA state as a string.
func (q *QA) CurrentState() string { return string(q.State) }

// SetState updates the advisory state field.
func (q *QA) SetState(state string) { q.State = QAState(state) }

// AppendHistory appends a transition record.
func (q *QA) AppendHistory(entry HistoryEntry) {
	q.History = append(q.History, entry)
}

// StateHistory returns the transition records.
func (q *QA) StateHistory() []HistoryEntry { return q.History }

// Meta returns the shared metadata block for mutation.
func (q *QA) Meta() *Metadata { return &q.Metadata }
