package entity

import "time"

// SessionState represents the current lifecycle state of a session.
type SessionState string

const (
	// SessionActive indicates the session is open for claiming work.
	SessionActive SessionState = "active"
	// SessionClosing indicates close was requested and completion checks run.
	SessionClosing SessionState = "closing"
	// SessionValidated indicates closing verification passed.
	SessionValidated SessionState = "validated"
	// SessionArchived is terminal.
	SessionArchived SessionState = "archived"
	// SessionRecovery is the side branch for interrupted sessions,
	// reachable from active and closing.
	SessionRecovery SessionState = "recovery"
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the state is a known session state.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionActive, SessionClosing, SessionValidated, SessionArchived, SessionRecovery:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when no further transitions leave the state.
func (s SessionState) IsTerminal() bool {
	return s == SessionArchived
}

// CanTransitionTo returns true if the state can transition to the target.
func (s SessionState) CanTransitionTo(target SessionState) bool {
	switch s {
	case SessionActive:
		return target == SessionClosing || target == SessionRecovery
	case SessionClosing:
		return target == SessionValidated || target == SessionRecovery
	case SessionValidated:
		return target == SessionArchived
	case SessionRecovery:
		return target == SessionActive || target == SessionClosing
	case SessionArchived:
		return false
	default:
		return false
	}
}

// SessionStates lists every session state in repository search order.
func SessionStates() []SessionState {
	return []SessionState{SessionActive, SessionClosing, SessionValidated, SessionArchived, SessionRecovery}
}

// Activity is one entry in a session's activity log.
type Activity struct {
	// At is the UTC time of the activity.
	At time.Time `json:"at"`
	// Actor identifies who performed the action.
	Actor string `json:"actor,omitempty"`
	// Action is a short verb phrase (task.claim, session.close).
	Action string `json:"action"`
	// Detail carries identifiers or free text for the action.
	Detail string `json:"detail,omitempty"`
}

// Continuation holds the session's continuation settings: how an external
// orchestrator resumes interrupted work and what budgets bound it.
type Continuation struct {
	// Mode selects the continuation strategy (manual, auto).
	Mode string `json:"mode,omitempty"`
	// MaxRounds bounds validation rounds before escalation.
	MaxRounds int `json:"maxRounds,omitempty"`
	// BudgetMinutes bounds total session runtime.
	BudgetMinutes int `json:"budgetMinutes,omitempty"`
}

// Session is a unit of coordinated work, stored as JSON at
// <pm>/sessions/<state>/<session-id>/session.json. The session directory
// also scopes session-local task and QA trees.
type Session struct {
	// ID is the session identifier (S- prefix plus short unique suffix).
	ID string `json:"id"`
	// State mirrors the containing directory; advisory on disk.
	State SessionState `json:"state"`
	// Owner is the actor driving the session.
	Owner string `json:"owner,omitempty"`
	// ClaimedTasks lists task IDs claimed into this session.
	ClaimedTasks []string `json:"claimedTasks,omitempty"`
	// Activity is the append-only activity log.
	Activity []Activity `json:"activity,omitempty"`
	// Branch is the git branch associated with the session, if any.
	Branch string `json:"branch,omitempty"`
	// Worktree is the git worktree path associated with the session, if any.
	Worktree string `json:"worktree,omitempty"`
	// Continuation holds resume settings and budgets.
	Continuation Continuation `json:"continuation"`

	// CreatedAt is the UTC creation time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the UTC time of the last persisted change.
	UpdatedAt time.Time `json:"updatedAt"`

	// History records every state transition, append-only.
	History []HistoryEntry `json:"stateHistory,omitempty"`
}

// Kind returns KindSession.
func (s *Session) Kind() Kind { return KindSession }

// EntityID returns the session identifier.
func (s *Session) EntityID() string { return s.ID }

// CurrentState returns the session state as a string.
func (s *Session) CurrentState() string { return string(s.State) }

// SetState updates the advisory state field.
func (s *Session) SetState(state string) { s.State = SessionState(state) }

// AppendHistory appends a transition record.
func (s *Session) AppendHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
}

// StateHistory returns the transition records.
func (s *Session) StateHistory() []HistoryEntry { return s.History }

// LogActivity appends an activity entry.
func (s *Session) LogActivity(at time.Time, actor, action, detail string) {
	s.Activity = append(s.Activity, Activity{At: at, Actor: actor, Action: action, Detail: detail})
}

// HasClaimed reports whether the session claimed the given task.
func (s *Session) HasClaimed(taskID string) bool {
	for _, id := range s.ClaimedTasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// Claim records a task as claimed by this session. Idempotent.
func (s *Session) Claim(taskID string) {
	if !s.HasClaimed(taskID) {
		s.ClaimedTasks = append(s.ClaimedTasks, taskID)
	}
}
