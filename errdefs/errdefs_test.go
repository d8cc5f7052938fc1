package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "transition rejected carries its own code",
			err:  &TransitionRejected{Entity: "task", ID: "T-001", From: "todo", To: "wip", Code: CodeGuardFailed},
			want: CodeGuardFailed,
		},
		{
			name: "wrapped stale state",
			err:  fmt.Errorf("claim task: %w", &StaleState{Kind: "task", ID: "T-001", Expected: "todo", Found: "wip"}),
			want: CodeStaleState,
		},
		{
			name: "evidence missing",
			err:  &EvidenceMissing{TaskID: "T-001", Round: 1, Missing: []string{"command-test.txt"}},
			want: CodeEvidenceMissing,
		},
		{
			name: "bundle approval missing",
			err:  &BundleApprovalMissing{TaskID: "T-001", Round: 2},
			want: CodeApprovalMissing,
		},
		{
			name: "unknown error",
			err:  errors.New("boom"),
			want: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	err := fmt.Errorf("outer: %w", &StaleState{Kind: "task", ID: "T-9", Expected: "todo"})
	if !IsStale(err) {
		t.Error("IsStale() = false for wrapped StaleState")
	}
	if IsStale(errors.New("plain")) {
		t.Error("IsStale() = true for plain error")
	}
}

func TestIsRejected(t *testing.T) {
	err := fmt.Errorf("op: %w", &TransitionRejected{Entity: "qa", ID: "T-1-qa", Code: CodeConditionFailed})
	if !IsRejected(err) {
		t.Error("IsRejected() = false for wrapped TransitionRejected")
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "rejection with handler",
			err: &TransitionRejected{
				Entity: "task", ID: "T-001", From: "todo", To: "wip",
				Handler: "can_start_task", Code: CodeGuardFailed, Message: "dependencies not validated",
			},
			want: "transition rejected: task T-001 todo -> wip (guard_failed) handler=can_start_task: dependencies not validated",
		},
		{
			name: "stale without found state",
			err:  &StaleState{Kind: "task", ID: "T-001", Expected: "todo"},
			want: `stale state: task T-001 not in "todo"`,
		},
		{
			name: "handler unresolved",
			err:  &HandlerUnresolved{Registry: "guards", Name: "no_such_guard"},
			want: `unresolved guards handler "no_such_guard"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
