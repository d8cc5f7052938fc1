package handler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/fsio"
)

// RegisterBuiltins installs the bundled handler set. Call once on a fresh
// registry before loading higher layers.
func RegisterBuiltins(r *Registry) error {
	guards := map[string]Guard{
		"always_allow":             func(*Context) bool { return true },
		"fail_closed":              func(*Context) bool { return false },
		"can_start_task":           canStartTask,
		"can_finish_task":          canFinishTask,
		"has_blockers":             hasBlockers,
		"requires_rollback_reason": func(c *Context) bool { return strings.TrimSpace(c.Reason) != "" },
		"can_activate_session":     func(c *Context) bool { return c.Session != nil && c.Session.Owner != "" },
		"can_complete_session":     canCompleteSession,
		"has_session_blockers":     hasSessionBlockers,
		"is_session_ready":         isSessionReady,
		"can_start_qa":             canStartQA,
		"can_validate_qa":          canValidateQA,
		"has_validator_reports":    hasValidatorReports,
		"has_all_waves_passed":     hasAllWavesPassed,
		"has_bundle_approval":      func(c *Context) bool { return bundleApproved(c) },
	}
	conditions := map[string]Condition{
		"all_work_complete":              allWorkComplete,
		"no_pending_commits":             noPendingCommits,
		"ready_to_close":                 readyToClose,
		"has_task":                       func(c *Context) bool { return c.Task != nil },
		"task_claimed":                   taskClaimed,
		"task_ready_for_qa":              func(c *Context) bool { return c.Task != nil && c.Task.State == entity.TaskDone },
		"validation_failed":              validationFailed,
		"dependencies_missing":           func(c *Context) bool { return c.Task != nil && len(missingDependencies(c, c.Task)) > 0 },
		"has_blocker_reason":             hasBlockerReason,
		"blockers_resolved":              func(c *Context) bool { return c.Task != nil && len(missingDependencies(c, c.Task)) == 0 },
		"session_has_owner":              func(c *Context) bool { return c.Session != nil && c.Session.Owner != "" },
		"all_tasks_validated":            allTasksValidated,
		"has_required_evidence":          hasRequiredEvidence,
		"all_blocking_validators_passed": func(c *Context) bool { return bundleApproved(c) },
	}
	actions := map[string]Action{
		"record_completion_time": recordCompletionTime,
		"record_blocker_reason":  recordBlockerReason,
		"record_closed":          recordClosed,
		"log_transition":         logTransition,
		"create_worktree":        createWorktree,
		"cleanup_worktree":       cleanupWorktree,
		"record_activation_time": recordActivationTime,
		"notify_session_start":   notifySessionStart,
		"finalize_session":       finalizeSession,
		"validate_prerequisites": validatePrerequisites,
	}

	for name, fn := range guards {
		if err := r.RegisterGuard(LayerBundled, name, fn); err != nil {
			return err
		}
	}
	for name, fn := range conditions {
		if err := r.RegisterCondition(LayerBundled, name, fn); err != nil {
			return err
		}
	}
	for name, fn := range actions {
		if err := r.RegisterAction(LayerBundled, name, fn); err != nil {
			return err
		}
	}
	return nil
}

// ---- guards ----

func canStartTask(c *Context) bool {
	if c.Task == nil || c.Store == nil || c.Session == nil {
		return false
	}
	if c.Session.State != entity.SessionActive {
		return false
	}
	if c.Task.State != entity.TaskTodo {
		return false
	}
	return len(missingDependencies(c, c.Task)) == 0
}

func canFinishTask(c *Context) bool {
	if c.Task == nil || c.Evidence == nil {
		return false
	}
	round := currentRound(c)
	if round < 1 {
		return false
	}
	if !c.Evidence.HasImplementationReport(c.Task.ID, round) {
		return false
	}
	return c.Evidence.CheckRequired(c.context(), c.Task.ID, round) == nil
}

func hasBlockers(c *Context) bool {
	if c.Task == nil {
		return false
	}
	if hasBlockerReason(c) {
		return true
	}
	return len(missingDependencies(c, c.Task)) > 0
}

func canCompleteSession(c *Context) bool {
	if c.Session == nil || c.Store == nil {
		return false
	}
	return EvaluateCompletion(c.Store, c.Session, completionPolicy(c)).IsComplete
}

func hasSessionBlockers(c *Context) bool {
	if c.Session == nil || c.Store == nil {
		return false
	}
	for _, id := range c.Session.ClaimedTasks {
		task, err := c.Store.GetTask(id)
		if err != nil {
			return true
		}
		if task.State == entity.TaskBlocked {
			return true
		}
	}
	return false
}

func isSessionReady(c *Context) bool {
	return c.Session != nil && c.Session.State == entity.SessionActive && c.Session.Owner != ""
}

func canStartQA(c *Context) bool {
	return c.QA != nil && c.Task != nil && c.Task.State == entity.TaskDone
}

func canValidateQA(c *Context) bool {
	return c.QA != nil && bundleApproved(c)
}

func hasValidatorReports(c *Context) bool {
	if c.Task == nil || c.Evidence == nil {
		return false
	}
	round := currentRound(c)
	if round < 1 {
		return false
	}
	files, err := c.Evidence.ListRoundFiles(c.Task.ID, round)
	if err != nil {
		return false
	}
	for _, name := range files {
		if strings.HasSuffix(name, "-report.json") {
			return true
		}
	}
	return false
}

func hasAllWavesPassed(c *Context) bool {
	statuses := reportStatuses(c)
	if len(statuses) == 0 {
		return false
	}
	for _, status := range statuses {
		if status != "approve" {
			return false
		}
	}
	return true
}

// ---- conditions ----

func allWorkComplete(c *Context) bool {
	if c.Session == nil || c.Store == nil {
		return false
	}
	for _, id := range c.Session.ClaimedTasks {
		task, err := c.Store.GetTask(id)
		if err != nil {
			return false
		}
		if task.State != entity.TaskDone && task.State != entity.TaskValidated {
			return false
		}
	}
	return true
}

// noPendingCommits passes when the working tree is clean. A project
// without a configured repository has nothing pending.
func noPendingCommits(c *Context) bool {
	if c.Repo == nil {
		return true
	}
	fp, err := c.Repo.Fingerprint(c.context())
	if err != nil {
		return false
	}
	return !fp.Dirty
}

func readyToClose(c *Context) bool {
	return allWorkComplete(c) && !hasSessionBlockers(c)
}

func taskClaimed(c *Context) bool {
	if c.Task == nil || c.Session == nil {
		return false
	}
	return c.Task.SessionID == c.Session.ID && c.Session.HasClaimed(c.Task.ID)
}

func validationFailed(c *Context) bool {
	for _, status := range reportStatuses(c) {
		if status == "reject" {
			return true
		}
	}
	if c.Task == nil || c.Evidence == nil {
		return false
	}
	round := currentRound(c)
	if round < 1 {
		return false
	}
	approval, err := c.Evidence.ReadBundleApproval(bundleRootID(c.Task), round)
	if err != nil {
		return false
	}
	return !approval.TaskApproved(c.Task.ID)
}

func hasBlockerReason(c *Context) bool {
	return strings.TrimSpace(c.Reason) != "" || c.StringValue("blocker_reason") != ""
}

func allTasksValidated(c *Context) bool {
	if c.Session == nil || c.Store == nil {
		return false
	}
	for _, id := range c.Session.ClaimedTasks {
		task, err := c.Store.GetTask(id)
		if err != nil || task.State != entity.TaskValidated {
			return false
		}
	}
	return true
}

func hasRequiredEvidence(c *Context) bool {
	if c.Task == nil || c.Evidence == nil {
		return false
	}
	round := currentRound(c)
	if round < 1 {
		return false
	}
	return c.Evidence.CheckRequired(c.context(), c.Task.ID, round) == nil
}

// ---- actions ----

func recordCompletionTime(c *Context) error {
	now := fsio.Timestamp(fsio.Now())
	switch {
	case c.Task != nil:
		setExtra(&c.Task.Extra, "completed_at", now)
		c.MarkDirty()
	case c.QA != nil:
		setExtra(&c.QA.Extra, "completed_at", now)
		c.MarkDirty()
	case c.Session != nil:
		c.Session.LogActivity(fsio.Now(), c.Session.Owner, "completed", "")
		c.MarkDirty()
	}
	return nil
}

func recordBlockerReason(c *Context) error {
	reason := strings.TrimSpace(c.Reason)
	if reason == "" {
		reason = c.StringValue("blocker_reason")
	}
	if reason == "" || c.Task == nil {
		return nil
	}
	setExtra(&c.Task.Extra, "blocker_reason", reason)
	c.MarkDirty()
	return nil
}

func recordClosed(c *Context) error {
	if c.Session == nil {
		return nil
	}
	c.Session.LogActivity(fsio.Now(), c.Session.Owner, "closed", c.Reason)
	c.MarkDirty()
	return c.Events.Append(events.Record{
		Type:      events.SessionClosed,
		SessionID: c.Session.ID,
		Detail:    c.Reason,
	})
}

func logTransition(c *Context) error {
	ent := c.Entity()
	if ent == nil {
		return nil
	}
	c.log().Info("transition",
		"kind", string(ent.Kind()),
		"id", ent.EntityID(),
		"from", c.From,
		"to", c.To,
		"reason", c.Reason)
	return nil
}

func createWorktree(c *Context) error {
	if c.Session == nil {
		return fmt.Errorf("create_worktree: no session in context")
	}
	if c.Repo == nil {
		return fmt.Errorf("create_worktree: no repository configured")
	}
	if c.Session.Worktree != "" {
		return nil
	}
	root := "worktrees"
	if c.Config != nil {
		if wt, err := c.Config.Worktrees(); err == nil && wt.Root != "" {
			root = wt.Root
		}
	}
	branch := c.Session.Branch
	if branch == "" {
		branch = "session/" + c.Session.ID
	}
	path := filepath.Join(root, c.Session.ID)
	if err := c.Repo.AddWorktree(c.context(), path, branch); err != nil {
		return err
	}
	c.Session.Worktree = path
	c.Session.Branch = branch
	c.MarkDirty()
	return nil
}

func cleanupWorktree(c *Context) error {
	if c.Session == nil || c.Session.Worktree == "" || c.Repo == nil {
		return nil
	}
	if err := c.Repo.RemoveWorktree(c.context(), c.Session.Worktree, true); err != nil {
		return err
	}
	c.Session.Worktree = ""
	c.MarkDirty()
	return nil
}

func recordActivationTime(c *Context) error {
	now := fsio.Now()
	switch {
	case c.Session != nil:
		c.Session.LogActivity(now, c.Session.Owner, "activated", "")
		c.MarkDirty()
	case c.Task != nil:
		setExtra(&c.Task.Extra, "activated_at", fsio.Timestamp(now))
		c.MarkDirty()
	}
	return nil
}

func notifySessionStart(c *Context) error {
	if c.Session == nil {
		return nil
	}
	c.log().Info("session started", "session", c.Session.ID, "owner", c.Session.Owner)
	return c.Events.Append(events.Record{
		Type:      events.SessionStarted,
		SessionID: c.Session.ID,
	})
}

func finalizeSession(c *Context) error {
	if c.Session == nil || c.Finalizer == nil {
		return nil
	}
	return c.Finalizer.FinalizeSession(c.context(), c.Session)
}

// validatePrerequisites aborts a transition that is missing its entity or
// repository access. Declared as a before action.
func validatePrerequisites(c *Context) error {
	if c.Entity() == nil {
		return fmt.Errorf("validate_prerequisites: no entity in context")
	}
	if c.Store == nil {
		return fmt.Errorf("validate_prerequisites: no store in context")
	}
	return nil
}

// ---- shared helpers ----

// missingDependencies returns the depends_on entries not yet validated.
// Unresolvable dependencies count as missing.
func missingDependencies(c *Context, t *entity.Task) []string {
	var missing []string
	for _, dep := range t.DependsOn {
		if c.Store == nil {
			missing = append(missing, dep)
			continue
		}
		depTask, err := c.Store.GetTask(dep)
		if err != nil || depTask.State != entity.TaskValidated {
			missing = append(missing, dep)
		}
	}
	return missing
}

// currentRound resolves the validation round for the context's task:
// explicit round, then the paired QA record, then the latest prepared
// round on disk.
func currentRound(c *Context) int {
	if c.Round > 0 {
		return c.Round
	}
	if c.QA != nil && c.QA.Round > 0 {
		return c.QA.Round
	}
	if c.Task != nil {
		if c.Store != nil {
			if qa, err := c.Store.GetQAForTask(c.Task.ID); err == nil && qa.Round > 0 {
				return qa.Round
			}
		}
		if c.Evidence != nil {
			if latest, err := c.Evidence.LatestRound(c.Task.ID); err == nil {
				return latest
			}
		}
	}
	return 0
}

// bundleRootID returns the task whose round directory carries the bundle
// approval marker.
func bundleRootID(t *entity.Task) string {
	if t.BundleRoot != "" {
		return t.BundleRoot
	}
	return t.ID
}

// bundleApproved reports whether the round's approval marker exists and
// approves the context's task. The marker lives in the bundle root's
// round directory.
func bundleApproved(c *Context) bool {
	if c.Task == nil || c.Evidence == nil {
		return false
	}
	rootID := bundleRootID(c.Task)
	round := currentRound(c)
	if rootID != c.Task.ID {
		latest, err := c.Evidence.LatestRound(rootID)
		if err != nil || latest < 1 {
			return false
		}
		round = latest
	}
	if round < 1 {
		return false
	}
	approval, err := c.Evidence.ReadBundleApproval(rootID, round)
	if err != nil {
		return false
	}
	return approval.TaskApproved(c.Task.ID)
}

// reportStatuses reads the status field of every validator report in the
// context's current round.
func reportStatuses(c *Context) []string {
	if c.Task == nil || c.Evidence == nil {
		return nil
	}
	round := currentRound(c)
	if round < 1 {
		return nil
	}
	files, err := c.Evidence.ListRoundFiles(c.Task.ID, round)
	if err != nil {
		return nil
	}
	dir := c.Evidence.RoundDir(c.Task.ID, round)
	var statuses []string
	for _, name := range files {
		if !strings.HasSuffix(name, "-report.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var report struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		statuses = append(statuses, report.Status)
	}
	return statuses
}

func completionPolicy(c *Context) string {
	if c.Config == nil {
		return PolicyParentValidated
	}
	sess, err := c.Config.Session()
	if err != nil {
		return PolicyParentValidated
	}
	return sess.CompletionPolicy
}

func setExtra(extra *map[string]any, key, value string) {
	if *extra == nil {
		*extra = make(map[string]any)
	}
	(*extra)[key] = value
}
