package workflow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/rules"
)

func TestCloseSessionHeldUntilComplete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedClaimedTask(t, svc, "S-close", "P1-open")

	// The claimed task is still wip, so the validated leg is refused and
	// the session parks in closing.
	sess, err := svc.CloseSession(ctx, "S-close", "wrapping up")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if sess.State != entity.SessionClosing {
		t.Fatalf("state = %q, want closing while work is unfinished", sess.State)
	}

	finishTask(t, svc, "P1-open")
	validateAndPromote(t, svc, "P1-open")
	sess, err = svc.CloseSession(ctx, "S-close", "wrapping up")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.State != entity.SessionValidated {
		t.Fatalf("state = %q, want validated once claims are settled", sess.State)
	}
}

func TestSessionStatusReportsIncompleteWork(t *testing.T) {
	svc := newTestService(t)
	seedClaimedTask(t, svc, "S-status", "P1-pending")

	status, err := svc.Status(context.Background(), "S-status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Completion.IsComplete {
		t.Fatalf("session with a wip claim reported complete")
	}
	if len(status.Completion.ReasonsIncomplete) == 0 {
		t.Fatalf("no reasons given for the incomplete verdict")
	}
	if len(status.Tasks) != 1 || status.Tasks[0].ID != "P1-pending" {
		t.Fatalf("tasks = %v, want the claimed task", taskIDs(status.Tasks))
	}
}

func historyStates(entries []entity.HistoryEntry) []string {
	states := make([]string, 0, len(entries))
	for _, e := range entries {
		states = append(states, e.To)
	}
	return states
}

func TestRecoverSessionRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, SessionSpec{ID: "S-crashed"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess, err := svc.RecoverSession(ctx, "S-crashed", "terminal lost")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if sess.State != entity.SessionActive {
		t.Fatalf("state = %q, want active", sess.State)
	}
	want := []string{"active", "recovery", "active"}
	if got := historyStates(sess.History); !reflect.DeepEqual(got, want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

func TestRecoverSessionFromClosing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedClaimedTask(t, svc, "S-stuck", "P1-stuck")
	if _, err := svc.CloseSession(ctx, "S-stuck", "calling it a day"); err != nil {
		t.Fatalf("close: %v", err)
	}

	sess, err := svc.RecoverSession(ctx, "S-stuck", "resume work")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if sess.State != entity.SessionActive {
		t.Fatalf("state = %q, want active", sess.State)
	}
}

func TestRecoverSessionRefusesValidated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, SessionSpec{ID: "S-done"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// No claims, so close lands straight in validated.
	if _, err := svc.CloseSession(ctx, "S-done", "nothing claimed"); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := svc.RecoverSession(ctx, "S-done", "oops")
	var inv *errdefs.InvariantViolation
	if !errors.As(err, &inv) {
		t.Fatalf("recover validated = %v, want invariant violation", err)
	}
}

func TestArchiveSessionRequiresValidated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, SessionSpec{ID: "S-fresh"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ArchiveSession(ctx, "S-fresh"); !errdefs.IsStale(err) {
		t.Fatalf("archive active = %v, want stale state", err)
	}
}

func TestCreateSessionRejectsDuplicateID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateSession(ctx, SessionSpec{ID: "S-dup"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := svc.CreateSession(ctx, SessionSpec{ID: "S-dup"})
	var inv *errdefs.InvariantViolation
	if !errors.As(err, &inv) {
		t.Fatalf("duplicate create = %v, want invariant violation", err)
	}
}

func findAction(actions []rules.Action, id string) *rules.Action {
	for i := range actions {
		if actions[i].ID == id {
			return &actions[i]
		}
	}
	return nil
}

func hasBlockerContaining(blockers []rules.Blocker, substr string) bool {
	for _, b := range blockers {
		if strings.Contains(b.Reason, substr) {
			return true
		}
	}
	return false
}

func TestNextActionsRecommendsAndBlocks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedClaimedTask(t, svc, "S-plan", "P1-planned")

	// Without evidence the finish move is blocked and the paired
	// dossier is still waiting on the task.
	plan, err := svc.NextActions(ctx, "S-plan", 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Actions) != 0 {
		t.Fatalf("actions = %v, want none before evidence lands", plan.Actions)
	}
	if !hasBlockerContaining(plan.Blockers, "can_finish_task") {
		t.Fatalf("blockers = %v, want the evidence guard named", plan.Blockers)
	}
	if !hasBlockerContaining(plan.Blockers, "not done yet") {
		t.Fatalf("blockers = %v, want the waiting dossier explained", plan.Blockers)
	}

	writeRoundEvidence(t, svc, "P1-planned", 1)
	plan, err = svc.NextActions(ctx, "S-plan", 0)
	if err != nil {
		t.Fatalf("plan after evidence: %v", err)
	}
	finish := findAction(plan.Actions, "finish-task")
	if finish == nil {
		t.Fatalf("actions = %v, want finish-task recommended", plan.Actions)
	}
	wantCmd := []string{"edison", "task", "ready", "P1-planned"}
	if !reflect.DeepEqual(finish.Cmd, wantCmd) {
		t.Fatalf("cmd = %v, want %v", finish.Cmd, wantCmd)
	}
	if len(plan.Rules) == 0 {
		t.Fatalf("plan carries no rule reminders")
	}
}
