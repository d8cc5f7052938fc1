package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/lifecycle"
	"github.com/edisonhq/edison/store"
	"github.com/edisonhq/edison/validator"
)

// NewQA creates the validation dossier paired with a task, in waiting at
// round one. task.create calls this; qa.new recreates a dossier that was
// deleted or never written.
func (s *Service) NewQA(ctx context.Context, taskID string) (*entity.QA, error) {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	id := entity.QAIDFor(taskID)
	if _, err := s.st.GetQA(id); err == nil {
		return nil, &errdefs.InvariantViolation{Kind: "qa", ID: id, Detail: "dossier already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	qa := &entity.QA{
		ID:     id,
		TaskID: taskID,
		State:  entity.QAWaiting,
		Round:  1,
	}
	qa.Owner = task.Owner
	qa.AppendHistory(entity.HistoryEntry{
		To:     string(entity.QAWaiting),
		At:     s.now().UTC(),
		Reason: "created",
	})
	if err := s.st.SaveQA(ctx, qa); err != nil {
		return nil, err
	}
	return qa, nil
}

// RoundInfo describes a prepared evidence round.
type RoundInfo struct {
	TaskID   string   `json:"taskId"`
	Round    int      `json:"round"`
	Dir      string   `json:"dir"`
	Required []string `json:"required"`
}

// PrepareRound creates the evidence directory for the dossier's current
// round and reports what the round must contain. Preparing an existing
// open round is a no-op.
func (s *Service) PrepareRound(ctx context.Context, taskID string) (*RoundInfo, error) {
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return nil, err
	}
	round := qa.Round
	if round < 1 {
		round = 1
	}
	dir, err := s.evidence.PrepareRound(taskID, round)
	if err != nil {
		return nil, err
	}
	return &RoundInfo{
		TaskID:   taskID,
		Round:    round,
		Dir:      dir,
		Required: s.evidence.Required(),
	}, nil
}

// ValidateOptions tune a validation run.
type ValidateOptions struct {
	Scope         validator.Scope
	AddValidators []string
	BaseRef       string
	WaitDelegated bool
}

// Validate drives the dossier through one validation round: waiting
// records advance to todo once the task is done, the round directory is
// prepared, validators launch on the todo to wip move, and the round
// closes to done when every blocking validator has reported. A run
// interrupted by delegated validators leaves the dossier in wip; calling
// Validate again consumes the reports that have since arrived.
func (s *Service) Validate(ctx context.Context, taskID string, opts ValidateOptions) (*validator.Result, error) {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	qa, err := s.st.GetQAForTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		qa, err = s.NewQA(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}

	switch qa.State {
	case entity.QAValidated:
		return nil, &errdefs.InvariantViolation{Kind: "qa", ID: qa.ID, Detail: "validation already approved"}
	case entity.QADone:
		return nil, &errdefs.InvariantViolation{Kind: "qa", ID: qa.ID, Detail: "round already closed; promote or reject the dossier"}
	}

	if qa.State == entity.QAWaiting {
		res, err := s.engine.Transition(ctx, lifecycle.Request{
			Kind:         entity.KindQA,
			ID:           qa.ID,
			To:           string(entity.QATodo),
			ExpectedFrom: string(entity.QAWaiting),
			Round:        qa.Round,
		})
		if err != nil {
			return nil, err
		}
		qa = res.Entity.(*entity.QA)
	}

	round := qa.Round
	if round < 1 {
		round = 1
	}
	// A closed round must not be re-prepared; its marker is consumed
	// below instead.
	roundClosed := s.evidence.RoundClosed(taskID, round)
	dir := s.evidence.RoundDir(taskID, round)
	if !roundClosed {
		if dir, err = s.evidence.PrepareRound(taskID, round); err != nil {
			return nil, err
		}
	}

	if qa.State == entity.QATodo {
		rel := dir
		if r, rerr := filepath.Rel(s.st.Root(), dir); rerr == nil {
			rel = r
		}
		res, err := s.engine.Transition(ctx, lifecycle.Request{
			Kind:         entity.KindQA,
			ID:           qa.ID,
			To:           string(entity.QAWIP),
			ExpectedFrom: string(entity.QATodo),
			Round:        round,
			Apply: func(h *handler.Context) error {
				h.QA.EvidenceDir = rel
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
		qa = res.Entity.(*entity.QA)
	}

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = s.session
	}

	var result *validator.Result
	if roundClosed {
		// A prior run wrote the marker but the dossier move did not
		// commit. Rebuild the outcome from the marker and finish the
		// move below.
		result, err = s.resultFromMarker(taskID, round, opts.Scope)
	} else {
		result, err = s.sched.Run(ctx, validator.Request{
			TaskID:        taskID,
			Round:         round,
			Scope:         opts.Scope,
			AddValidators: opts.AddValidators,
			BaseRef:       opts.BaseRef,
			SessionID:     sessionID,
			WaitDelegated: opts.WaitDelegated,
		})
	}
	if err != nil {
		return nil, err
	}

	if len(result.AwaitingReports) > 0 {
		s.logger.Info("round left open for delegated reports",
			"task", taskID, "round", round, "awaiting", result.AwaitingReports)
		return result, nil
	}
	if result.EmptyRoster && !result.Approved {
		// Strict empty-roster policy left no marker. The round stays
		// open so validators can be added and the run repeated.
		return result, nil
	}

	summary := roundSummary(result)
	if _, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindQA,
		ID:           qa.ID,
		To:           string(entity.QADone),
		ExpectedFrom: string(entity.QAWIP),
		Round:        round,
		Apply: func(h *handler.Context) error {
			h.QA.Rounds = append(h.QA.Rounds, summary)
			return nil
		},
	}); err != nil {
		return nil, err
	}
	s.logActivity(ctx, sessionID, "qa.validate", fmt.Sprintf("%s round %d: %s", taskID, round, summary.Verdict))
	return result, nil
}

// resultFromMarker reconstructs a run outcome from an existing approval
// marker, for resuming after a crash between marker write and dossier
// move.
func (s *Service) resultFromMarker(taskID string, round int, scope validator.Scope) (*validator.Result, error) {
	marker, err := s.evidence.ReadBundleApproval(taskID, round)
	if err != nil {
		return nil, err
	}
	if scope == "" {
		scope = validator.ScopeTask
	}
	res := &validator.Result{
		TaskID:   taskID,
		Round:    round,
		Scope:    scope,
		Approved: marker.Approved,
	}
	for _, t := range marker.Tasks {
		res.Members = append(res.Members, t.TaskID)
	}
	if len(res.Members) == 0 {
		res.Members = []string{taskID}
		res.EmptyRoster = true
	}
	return res, nil
}

// roundSummary condenses a run outcome into the dossier's round record.
func roundSummary(res *validator.Result) entity.RoundSummary {
	verdict := "reject"
	switch {
	case res.Approved:
		verdict = "approve"
	default:
		for _, w := range res.Waves {
			if w.Verdict == validator.VerdictBlocked {
				verdict = "blocked"
				break
			}
		}
	}

	var line string
	switch {
	case res.EmptyRoster:
		line = "no validators matched"
	case len(res.Waves) == 0:
		line = "verdict recovered from approval marker"
	default:
		passed := 0
		for _, w := range res.Waves {
			if w.Verdict == validator.VerdictPass {
				passed++
			}
		}
		line = fmt.Sprintf("%d of %d waves passed", passed, len(res.Waves))
	}
	return entity.RoundSummary{Round: res.Round, Verdict: verdict, Summary: line}
}

// PromoteQA moves a done dossier to validated. The bundle approval
// marker for the current round gates the move.
func (s *Service) PromoteQA(ctx context.Context, taskID string) (*entity.QA, error) {
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindQA,
		ID:           qa.ID,
		To:           string(entity.QAValidated),
		ExpectedFrom: string(entity.QADone),
		Round:        qa.Round,
	})
	if err != nil {
		return nil, err
	}
	return res.Entity.(*entity.QA), nil
}

// RejectResult reports a rejection and whether it pushed the dossier past
// the configured round ceiling.
type RejectResult struct {
	QA        *entity.QA `json:"qa"`
	Escalated bool       `json:"escalated"`
}

// RejectQA reopens a done dossier for another round. The round number is
// incremented, its evidence directory prepared, and the reason recorded
// in history. Escalated is set when the new round exceeds the configured
// maximum; the rejection still stands, the ceiling is advisory.
func (s *Service) RejectQA(ctx context.Context, taskID, reason string) (*RejectResult, error) {
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Transition(ctx, lifecycle.Request{
		Kind:         entity.KindQA,
		ID:           qa.ID,
		To:           string(entity.QAWIP),
		ExpectedFrom: string(entity.QADone),
		Reason:       reason,
		Round:        qa.Round,
		Apply: func(h *handler.Context) error {
			h.QA.Round++
			dir, perr := s.evidence.PrepareRound(taskID, h.QA.Round)
			if perr != nil {
				return perr
			}
			if rel, rerr := filepath.Rel(s.st.Root(), dir); rerr == nil {
				dir = rel
			}
			h.QA.EvidenceDir = dir
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	rejected := res.Entity.(*entity.QA)
	escalated := rejected.Round > s.qcfg.MaxRounds && s.qcfg.MaxRounds > 0
	if escalated {
		s.logger.Warn("validation rounds exceeded the configured ceiling",
			"task", taskID, "round", rejected.Round, "max", s.qcfg.MaxRounds)
	}
	task, terr := s.st.GetTask(taskID)
	if terr == nil {
		s.logActivity(ctx, task.SessionID, "qa.reject", fmt.Sprintf("%s round %d: %s", taskID, rejected.Round, reason))
	}
	return &RejectResult{QA: rejected, Escalated: escalated}, nil
}

// CaptureEvidence runs a command and tees its output into the dossier's
// current round under the given file name, returning the evidence path.
func (s *Service) CaptureEvidence(ctx context.Context, taskID, name string, argv []string) (string, error) {
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return "", err
	}
	round := qa.Round
	if round < 1 {
		round = 1
	}
	if _, err := s.evidence.PrepareRound(taskID, round); err != nil {
		return "", err
	}
	return s.evidence.CaptureCommand(ctx, taskID, round, name, argv)
}
