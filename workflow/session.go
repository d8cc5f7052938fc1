package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/lifecycle"
	"github.com/edisonhq/edison/rules"
	"github.com/edisonhq/edison/store"
)

// SessionSpec describes a session to create.
type SessionSpec struct {
	// ID is an explicit identifier. Empty generates one.
	ID     string
	Owner  string
	Branch string
}

// CreateSession opens a new session in active. Sessions require an
// owner; continuation settings are seeded from configuration.
func (s *Service) CreateSession(ctx context.Context, spec SessionSpec) (*entity.Session, error) {
	owner := spec.Owner
	if owner == "" {
		owner = s.actor()
	}
	if owner == "" {
		return nil, &errdefs.InvariantViolation{Kind: "session", ID: spec.ID, Detail: "session requires an owner"}
	}

	id := spec.ID
	if id == "" {
		id = entity.NewSessionID()
	}
	if err := entity.ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := s.st.GetSession(id); err == nil {
		return nil, &errdefs.InvariantViolation{Kind: "session", ID: id, Detail: "session already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	sess := &entity.Session{
		ID:     id,
		State:  entity.SessionActive,
		Owner:  owner,
		Branch: spec.Branch,
		Continuation: entity.Continuation{
			Mode:          s.ccfg.Mode,
			MaxRounds:     s.ccfg.MaxRounds,
			BudgetMinutes: s.ccfg.BudgetMinutes,
		},
		CreatedAt: now,
	}
	sess.AppendHistory(entity.HistoryEntry{
		To:     string(entity.SessionActive),
		At:     now,
		Reason: "created",
	})
	sess.LogActivity(now, owner, "session.create", "")
	if err := s.st.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	// Creation does not run through the engine, so the start event is
	// emitted here rather than by an after action.
	if err := s.events.Append(events.Record{
		Type:      events.SessionStarted,
		SessionID: id,
		Detail:    owner,
	}); err != nil {
		s.logger.Warn("session start event failed", "session", id, "error", err)
	}
	return sess, nil
}

// NextActions asks the planner for the session's next moves. Zero limit
// uses the configured recommendation cap.
func (s *Service) NextActions(ctx context.Context, sessionID string, limit int) (*rules.Plan, error) {
	if sessionID == "" {
		sessionID = s.session
	}
	if sessionID == "" {
		return nil, &errdefs.InvariantViolation{Kind: "session", ID: "", Detail: "no session given or ambient"}
	}
	if limit <= 0 {
		limit = s.wcfg.RecommendationLimit
	}
	return s.planner.Plan(ctx, sessionID, limit)
}

// CloseSession moves a session from active to closing, then attempts the
// validated move in the same call. An incomplete session stays in
// closing with the rejection logged; re-running close retries the
// completion check.
func (s *Service) CloseSession(ctx context.Context, id, reason string) (*entity.Session, error) {
	if id == "" {
		id = s.session
	}
	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.State == entity.SessionActive {
		res, err := s.engine.Transition(ctx, lifecycle.Request{
			Kind:         entity.KindSession,
			ID:           id,
			To:           string(entity.SessionClosing),
			ExpectedFrom: string(entity.SessionActive),
			Reason:       reason,
		})
		if err != nil {
			return nil, err
		}
		sess = res.Entity.(*entity.Session)
	}
	if sess.State != entity.SessionClosing {
		return nil, &errdefs.InvariantViolation{
			Kind:   "session",
			ID:     id,
			Detail: fmt.Sprintf("cannot close from state %q", sess.State),
		}
	}

	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindSession,
		ID:           id,
		To:           string(entity.SessionValidated),
		ExpectedFrom: string(entity.SessionClosing),
		Reason:       reason,
	})
	if err != nil {
		var rejected *errdefs.TransitionRejected
		if errors.As(err, &rejected) {
			s.logger.Info("session held in closing", "session", id, "detail", rejected.Message)
			return sess, nil
		}
		return nil, err
	}
	return res.Entity.(*entity.Session), nil
}

// ArchiveSession moves a validated session to its terminal state.
func (s *Service) ArchiveSession(ctx context.Context, id string) (*entity.Session, error) {
	if id == "" {
		id = s.session
	}
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindSession,
		ID:           id,
		To:           string(entity.SessionArchived),
		ExpectedFrom: string(entity.SessionValidated),
	})
	if err != nil {
		return nil, err
	}
	return res.Entity.(*entity.Session), nil
}

// RecoverSession returns an interrupted session to active. A session
// already parked in recovery is reactivated directly; an active or
// closing session takes the recovery detour first so history shows the
// interruption.
func (s *Service) RecoverSession(ctx context.Context, id, reason string) (*entity.Session, error) {
	if id == "" {
		id = s.session
	}
	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case entity.SessionRecovery:
	case entity.SessionActive, entity.SessionClosing:
		if _, err := s.engine.Transition(ctx, lifecycle.Request{
			Kind:   entity.KindSession,
			ID:     id,
			To:     string(entity.SessionRecovery),
			Reason: reason,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, &errdefs.InvariantViolation{
			Kind:   "session",
			ID:     id,
			Detail: fmt.Sprintf("cannot recover from state %q", sess.State),
		}
	}

	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindSession,
		ID:           id,
		To:           string(entity.SessionActive),
		ExpectedFrom: string(entity.SessionRecovery),
		Reason:       "recovered",
	})
	if err != nil {
		return nil, err
	}
	return res.Entity.(*entity.Session), nil
}

// SessionStatus is the session.status result: the session, the
// completion verdict under the configured policy, and the claimed tasks.
type SessionStatus struct {
	Session    *entity.Session    `json:"session"`
	Completion handler.Completion `json:"completion"`
	Tasks      []*entity.Task     `json:"tasks,omitempty"`
}

// Status reports where a session stands without changing it.
func (s *Service) Status(ctx context.Context, id string) (*SessionStatus, error) {
	if id == "" {
		id = s.session
	}
	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	status := &SessionStatus{
		Session:    sess,
		Completion: handler.EvaluateCompletion(s.st, sess, s.scfg.CompletionPolicy),
	}
	for _, taskID := range sess.ClaimedTasks {
		task, err := s.st.GetTask(taskID)
		if err != nil {
			s.logger.Warn("claimed task unavailable", "session", id, "task", taskID, "error", err)
			continue
		}
		status.Tasks = append(status.Tasks, task)
	}
	return status, nil
}

// ListSessions returns sessions matching the filter.
func (s *Service) ListSessions(filter store.SessionFilter) ([]*entity.Session, error) {
	return s.st.ListSessions(filter)
}
