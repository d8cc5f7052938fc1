// Package entity defines the Edison entity model: Tasks, QA records, and
// Sessions, their lifecycle states, shared metadata, and the document
// encoding used to persist them. The authoritative state of an entity is
// the state directory it lives in; the state field inside the document is
// advisory and rewritten on load.
package entity

import (
	"time"
)

// Kind identifies an entity family.
type Kind string

const (
	// KindTask is a unit of implementation work.
	KindTask Kind = "task"
	// KindQA is a per-task validation dossier.
	KindQA Kind = "qa"
	// KindSession is a unit of coordinated work owning claimed tasks.
	KindSession Kind = "session"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if the kind is a known entity family.
func (k Kind) IsValid() bool {
	switch k {
	case KindTask, KindQA, KindSession:
		return true
	default:
		return false
	}
}

// Entity is the behavior shared by Task, QA, and Session. The state
// machine engine and the repository operate on entities through it.
type Entity interface {
	Kind() Kind
	EntityID() string
	CurrentState() string
	SetState(state string)
	AppendHistory(entry HistoryEntry)
	StateHistory() []HistoryEntry
}

// HistoryEntry records one successful state transition. Entries are
// append-only; each entry's From equals the previous entry's To.
type HistoryEntry struct {
	// From is the state the entity left. Empty for the creation entry.
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	// To is the state the entity entered.
	To string `yaml:"to" json:"to"`
	// At is the UTC transition time.
	At time.Time `yaml:"at" json:"at"`
	// Reason is the caller-supplied explanation, when one is required
	// (rollbacks, blocks) or offered.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	// RuleViolations lists rule identifiers noted during the transition.
	RuleViolations []string `yaml:"rule_violations,omitempty" json:"ruleViolations,omitempty"`
}

// Metadata is the block shared by every entity.
type Metadata struct {
	// CreatedAt is the UTC creation time.
	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
	// UpdatedAt is the UTC time of the last persisted change.
	UpdatedAt time.Time `yaml:"updated_at" json:"updatedAt"`
	// Owner is the actor responsible for the entity, if any.
	Owner string `yaml:"owner,omitempty" json:"owner,omitempty"`
	// SessionID links the entity to its owning session, if claimed.
	SessionID string `yaml:"session_id,omitempty" json:"sessionId,omitempty"`
}
