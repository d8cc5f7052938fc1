// Package errdefs defines the error taxonomy shared by all Edison
// components. Every public operation returns either a success value or an
// error from this package wrapped with operation context; callers dispatch
// on the error kind with errors.As or the Code helper rather than on
// message text.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Machine-readable reason codes carried by TransitionRejected and surfaced
// in structured CLI output.
const (
	CodeUnknownState      = "unknown_state"
	CodeInvalidTransition = "invalid_transition"
	CodeGuardFailed       = "guard_failed"
	CodeConditionFailed   = "condition_failed"
	CodeDependencyBlocked = "dependency_blocked"
	CodeRollbackReason    = "rollback_reason_required"
	CodeSessionRequired   = "session_required"
	CodeEvidenceMissing   = "evidence_missing"
	CodeApprovalMissing   = "bundle_approval_missing"
	CodeStaleState        = "stale_state"
	CodeInvariant         = "invariant_violation"
	CodeCycle             = "dependency_cycle"
)

// TransitionRejected reports a state transition refused by the engine:
// the target state is unreachable, a guard returned false, or a condition
// failed. The entity is unchanged.
type TransitionRejected struct {
	Entity  string // task, qa, session
	ID      string
	From    string
	To      string
	Handler string // guard or condition name that refused, if any
	Code    string
	Message string
}

func (e *TransitionRejected) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transition rejected: %s %s %s -> %s (%s)", e.Entity, e.ID, e.From, e.To, e.Code)
	if e.Handler != "" {
		fmt.Fprintf(&b, " handler=%s", e.Handler)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// StaleState reports that an operation observed a different state than it
// expected, usually because a concurrent process moved the entity first.
// Callers reload the entity and retry.
type StaleState struct {
	Kind     string
	ID       string
	Expected string
	Found    string // empty when the entity was not found at all
}

func (e *StaleState) Error() string {
	if e.Found == "" {
		return fmt.Sprintf("stale state: %s %s not in %q", e.Kind, e.ID, e.Expected)
	}
	return fmt.Sprintf("stale state: %s %s expected %q, found %q", e.Kind, e.ID, e.Expected, e.Found)
}

// InvariantViolation reports an on-disk shape that violates the entity
// schema or lifecycle, such as a task present in two state directories.
// The operation fails; repair is administrative.
type InvariantViolation struct {
	Kind   string
	ID     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s %s: %s", e.Kind, e.ID, e.Detail)
}

// HandlerUnresolved reports a guard, condition, or action name referenced
// by a transition spec that is not registered. This is a configuration
// error surfaced at startup.
type HandlerUnresolved struct {
	Registry string // guards, conditions, actions
	Name     string
}

func (e *HandlerUnresolved) Error() string {
	return fmt.Sprintf("unresolved %s handler %q", e.Registry, e.Name)
}

// ConfigError reports a malformed configuration layer, an unresolvable
// placeholder, a pack dependency cycle, or a missing required key.
type ConfigError struct {
	Source string // file path or layer name
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Source, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EvidenceMissing reports required evidence files that are absent or empty
// in the current round and its referenced snapshot.
type EvidenceMissing struct {
	TaskID  string
	Round   int
	Missing []string
}

func (e *EvidenceMissing) Error() string {
	return fmt.Sprintf("missing evidence for %s round %d: %s", e.TaskID, e.Round, strings.Join(e.Missing, ", "))
}

// ValidatorTimeout reports a validator child process killed after exceeding
// its per-validator timeout. The run continues; the validator is recorded
// as blocked.
type ValidatorTimeout struct {
	Validator string
	Elapsed   time.Duration
}

func (e *ValidatorTimeout) Error() string {
	return fmt.Sprintf("validator %s timed out after %s", e.Validator, e.Elapsed)
}

// ValidatorBlocked reports a validator that could not run: engine missing
// with no usable fallback, or a failed Context7 preflight.
type ValidatorBlocked struct {
	Validator string
	Reason    string
}

func (e *ValidatorBlocked) Error() string {
	return fmt.Sprintf("validator %s blocked: %s", e.Validator, e.Reason)
}

// BundleApprovalMissing reports a promotion attempted while the round's
// bundle-approved.json is absent or not approved for the task.
type BundleApprovalMissing struct {
	TaskID string
	Round  int
}

func (e *BundleApprovalMissing) Error() string {
	return fmt.Sprintf("bundle approval missing for %s round %d", e.TaskID, e.Round)
}

// IsStale reports whether err is or wraps a StaleState.
func IsStale(err error) bool {
	var s *StaleState
	return errors.As(err, &s)
}

// IsRejected reports whether err is or wraps a TransitionRejected.
func IsRejected(err error) bool {
	var r *TransitionRejected
	return errors.As(err, &r)
}

// IsConfig reports whether err is or wraps a ConfigError.
func IsConfig(err error) bool {
	var c *ConfigError
	return errors.As(err, &c)
}

// Code extracts the machine-readable reason code from err, walking the
// wrap chain. Unclassified errors yield "internal".
func Code(err error) string {
	var (
		rejected *TransitionRejected
		stale    *StaleState
		inv      *InvariantViolation
		ev       *EvidenceMissing
		approval *BundleApprovalMissing
		handler  *HandlerUnresolved
		cfg      *ConfigError
	)
	switch {
	case errors.As(err, &rejected):
		return rejected.Code
	case errors.As(err, &stale):
		return CodeStaleState
	case errors.As(err, &inv):
		return CodeInvariant
	case errors.As(err, &ev):
		return CodeEvidenceMissing
	case errors.As(err, &approval):
		return CodeApprovalMissing
	case errors.As(err, &handler):
		return "handler_unresolved"
	case errors.As(err, &cfg):
		return "configuration_error"
	default:
		return "internal"
	}
}
