package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/lifecycle"
	"github.com/edisonhq/edison/store"
)

// TaskSpec describes a task to create.
type TaskSpec struct {
	// ID is an explicit identifier. Empty derives one from Priority,
	// Wave, and Title.
	ID         string
	Title      string
	Type       string
	Priority   int
	Wave       int
	Tags       []string
	DependsOn  []string
	Related    []string
	Parent     string
	BundleRoot string
	Owner      string
	Body       string
}

// CreateTask writes a new task in todo together with its paired QA
// record in waiting. Declared dependencies must already exist.
func (s *Service) CreateTask(ctx context.Context, spec TaskSpec) (*entity.Task, error) {
	tcfg, err := s.cfg.Task()
	if err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		priority := spec.Priority
		if priority == 0 {
			priority = 1
		}
		id, err = entity.NewTaskID(priority, spec.Wave, spec.Title)
		if err != nil {
			return nil, err
		}
	}
	if err := entity.ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := s.st.GetTask(id); err == nil {
		return nil, &errdefs.InvariantViolation{Kind: "task", ID: id, Detail: "task already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	taskType := spec.Type
	if taskType == "" {
		taskType = tcfg.DefaultType
	}
	for _, dep := range spec.DependsOn {
		if _, err := s.st.GetTask(dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	owner := spec.Owner
	if owner == "" {
		owner = s.actor()
	}

	task := &entity.Task{
		ID:         id,
		Title:      spec.Title,
		Type:       entity.TaskType(taskType),
		State:      entity.TaskTodo,
		Priority:   spec.Priority,
		Wave:       spec.Wave,
		Tags:       spec.Tags,
		DependsOn:  spec.DependsOn,
		Related:    spec.Related,
		Parent:     spec.Parent,
		BundleRoot: spec.BundleRoot,
		Body:       spec.Body,
	}
	task.Owner = owner
	task.AppendHistory(entity.HistoryEntry{
		To:     string(entity.TaskTodo),
		At:     s.now().UTC(),
		Reason: "created",
	})
	if err := s.st.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	// The paired dossier can be recreated by qa.new, so its failure does
	// not undo the task.
	if _, err := s.NewQA(ctx, id); err != nil {
		s.logger.Warn("paired qa creation failed", "task", id, "error", err)
	}
	return task, nil
}

// ClaimTask moves a task from todo to wip and links it to the session.
// The session must exist; the guard rejects claims from inactive
// sessions and tasks with unmet dependencies.
func (s *Service) ClaimTask(ctx context.Context, id, sessionID string) (*entity.Task, error) {
	if sessionID == "" {
		sessionID = s.session
	}
	if sessionID == "" {
		return nil, &errdefs.InvariantViolation{Kind: "task", ID: id, Detail: "claim requires a session"}
	}
	if _, err := s.st.GetSession(sessionID); err != nil {
		return nil, err
	}

	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindTask,
		ID:           id,
		To:           string(entity.TaskWIP),
		ExpectedFrom: string(entity.TaskTodo),
		SessionID:    sessionID,
		Apply: func(h *handler.Context) error {
			h.Task.SessionID = sessionID
			if h.Task.Owner == "" {
				h.Task.Owner = s.actor()
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	uerr := s.updateSession(ctx, sessionID, func(sess *entity.Session) {
		sess.Claim(id)
		sess.LogActivity(s.now().UTC(), s.actor(), "task.claim", id)
	})
	if uerr != nil {
		s.logger.Warn("session claim link failed", "session", sessionID, "task", id, "error", uerr)
	}
	return res.Entity.(*entity.Task), nil
}

// ReadyTask moves a task from wip to done. The guard requires the
// current round's implementation report and required evidence files.
func (s *Service) ReadyTask(ctx context.Context, id string) (*entity.Task, error) {
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindTask,
		ID:           id,
		To:           string(entity.TaskDone),
		ExpectedFrom: string(entity.TaskWIP),
	})
	if err != nil {
		return nil, err
	}
	task := res.Entity.(*entity.Task)
	s.logActivity(ctx, task.SessionID, "task.ready", id)
	return task, nil
}

// PromoteTask moves a task from done to validated. The bundle approval
// marker for the task's current round gates the move.
func (s *Service) PromoteTask(ctx context.Context, id string) (*entity.Task, error) {
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindTask,
		ID:           id,
		To:           string(entity.TaskValidated),
		ExpectedFrom: string(entity.TaskDone),
	})
	if err != nil {
		return nil, err
	}
	task := res.Entity.(*entity.Task)
	s.logActivity(ctx, task.SessionID, "task.promote", id)
	return task, nil
}

// BlockTask parks a task in blocked. The reason is mandatory and
// recorded in history.
func (s *Service) BlockTask(ctx context.Context, id, reason string) (*entity.Task, error) {
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:   entity.KindTask,
		ID:     id,
		To:     string(entity.TaskBlocked),
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	task := res.Entity.(*entity.Task)
	s.logActivity(ctx, task.SessionID, "task.block", id+": "+reason)
	return task, nil
}

// UnblockTask returns a blocked task to wip when it is still linked to a
// session, otherwise to todo.
func (s *Service) UnblockTask(ctx context.Context, id string) (*entity.Task, error) {
	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	to := entity.TaskTodo
	if task.SessionID != "" {
		to = entity.TaskWIP
	}
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindTask,
		ID:           id,
		To:           string(to),
		ExpectedFrom: string(entity.TaskBlocked),
	})
	if err != nil {
		return nil, err
	}
	unblocked := res.Entity.(*entity.Task)
	s.logActivity(ctx, unblocked.SessionID, "task.unblock", id)
	return unblocked, nil
}

// RollbackTask reopens a done task to wip with a required reason.
func (s *Service) RollbackTask(ctx context.Context, id, reason string) (*entity.Task, error) {
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindTask,
		ID:           id,
		To:           string(entity.TaskWIP),
		ExpectedFrom: string(entity.TaskDone),
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}
	task := res.Entity.(*entity.Task)
	s.logActivity(ctx, task.SessionID, "task.rollback", id+": "+reason)
	return task, nil
}

// LinkTask adds dependencies to a task. Every dependency must exist and
// the combined relation must stay acyclic.
func (s *Service) LinkTask(ctx context.Context, id string, dependsOn []string) (*entity.Task, error) {
	if len(dependsOn) == 0 {
		return nil, &errdefs.InvariantViolation{Kind: "task", ID: id, Detail: "no dependencies given"}
	}
	lock, err := s.st.Lock(ctx, entity.KindTask, id)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}

	merged := append([]string(nil), task.DependsOn...)
	seen := make(map[string]bool, len(merged))
	for _, dep := range merged {
		seen[dep] = true
	}
	for _, dep := range dependsOn {
		if dep == id {
			return nil, &errdefs.InvariantViolation{Kind: "task", ID: id, Detail: "task cannot depend on itself"}
		}
		if _, err := s.st.GetTask(dep); err != nil {
			return nil, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if !seen[dep] {
			merged = append(merged, dep)
			seen[dep] = true
		}
	}
	sort.Strings(merged)

	if cycle := s.dependencyCycle(id, merged); len(cycle) > 0 {
		return nil, &errdefs.InvariantViolation{
			Kind:   "task",
			ID:     id,
			Detail: "dependency cycle: " + strings.Join(cycle, " -> "),
		}
	}

	task.DependsOn = merged
	if err := s.st.SaveTaskLocked(task); err != nil {
		return nil, err
	}
	return task, nil
}

// dependencyCycle walks depends_on edges from the candidate set and
// returns the path back to id when one exists. Unloadable intermediate
// tasks end their branch; direct dependencies were checked already.
func (s *Service) dependencyCycle(id string, deps []string) []string {
	visited := map[string]bool{}
	var walk func(cur string, path []string) []string
	walk = func(cur string, path []string) []string {
		if cur == id {
			return append(path, id)
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		task, err := s.st.GetTask(cur)
		if err != nil {
			return nil
		}
		for _, next := range task.DependsOn {
			if found := walk(next, append(path, cur)); len(found) > 0 {
				return found
			}
		}
		return nil
	}
	for _, dep := range deps {
		if found := walk(dep, []string{id}); len(found) > 0 {
			return found
		}
	}
	return nil
}

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(filter store.TaskFilter) ([]*entity.Task, error) {
	return s.st.ListTasks(filter)
}

// TaskDetail is the task.show result: the task, its QA dossier, and the
// current round's approval status.
type TaskDetail struct {
	Task     *entity.Task `json:"task"`
	QA       *entity.QA   `json:"qa,omitempty"`
	Round    int          `json:"round,omitempty"`
	RoundDir string       `json:"roundDir,omitempty"`
	Approved bool         `json:"approved"`
}

// ShowTask loads a task with its validation context.
func (s *Service) ShowTask(id string) (*TaskDetail, error) {
	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	detail := &TaskDetail{Task: task}
	qa, err := s.st.GetQAForTask(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return detail, nil
		}
		return nil, err
	}
	detail.QA = qa
	detail.Round = qa.Round
	detail.RoundDir = s.evidence.RoundDir(id, qa.Round)
	if marker, err := s.evidence.ReadBundleApproval(id, qa.Round); err == nil {
		detail.Approved = marker.TaskApproved(id)
	}
	return detail, nil
}

// DeleteTask removes a task and its QA dossier. Terminal task states and
// dossiers with recorded rounds refuse deletion. The task is checked
// first so a refusal leaves both documents in place.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return &errdefs.InvariantViolation{
			Kind:   "task",
			ID:     id,
			Detail: fmt.Sprintf("cannot delete from terminal state %q", task.State),
		}
	}
	if err := s.st.DeleteQA(ctx, entity.QAIDFor(id)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.st.DeleteTask(ctx, id)
}
