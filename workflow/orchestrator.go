package workflow

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/validator"
)

// Delegation is one validator handed off for external execution, with the
// instruction file the runner should follow.
type Delegation struct {
	ValidatorID  string `json:"validatorId"`
	Instructions string `json:"instructions"`
}

// DelegationState is the orchestrator's view of a dossier's current
// round: which delegated validators still owe a report, which already
// filed one, and whether the round has been sealed by a verdict.
type DelegationState struct {
	TaskID   string       `json:"taskId"`
	Round    int          `json:"round"`
	Closed   bool         `json:"closed"`
	Pending  []Delegation `json:"pending"`
	Received []string     `json:"received"`
}

// Delegations lists the delegated validators of the current round, split
// by whether their report has arrived. Files that are not delegation
// instructions are ignored.
func (s *Service) Delegations(taskID string) (*DelegationState, error) {
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return nil, err
	}
	round := qa.Round
	if round < 1 {
		round = 1
	}
	state := &DelegationState{
		TaskID: taskID,
		Round:  round,
		Closed: s.evidence.RoundClosed(taskID, round),
	}
	names, err := s.evidence.ListRoundFiles(taskID, round)
	if err != nil {
		return nil, err
	}
	dir := s.evidence.RoundDir(taskID, round)
	for _, name := range names {
		id, ok := validator.DelegationValidatorID(name)
		if !ok {
			continue
		}
		if fsio.FileNonEmpty(filepath.Join(dir, validator.ReportFileName(id))) {
			state.Received = append(state.Received, id)
			continue
		}
		state.Pending = append(state.Pending, Delegation{
			ValidatorID:  id,
			Instructions: filepath.Join(dir, name),
		})
	}
	return state, nil
}

// ReportSpec carries an externally produced validator verdict.
type ReportSpec struct {
	Status  string
	Summary string
	Model   string
	Issues  []validator.Issue
}

// SubmitReport files a delegated validator's verdict into the current
// round so the next validate pass can consume it. The round must be open,
// the validator must have been delegated this round, and it must not have
// reported yet.
func (s *Service) SubmitReport(ctx context.Context, taskID, validatorID string, spec ReportSpec) (string, error) {
	if err := entity.ValidateID(validatorID); err != nil {
		return "", err
	}
	switch spec.Status {
	case validator.StatusApprove, validator.StatusReject, validator.StatusBlocked:
	default:
		return "", &errdefs.InvariantViolation{Kind: "report", ID: validatorID, Detail: fmt.Sprintf("unknown status %q", spec.Status)}
	}
	qa, err := s.st.GetQAForTask(taskID)
	if err != nil {
		return "", err
	}
	round := qa.Round
	if round < 1 {
		round = 1
	}
	if s.evidence.RoundClosed(taskID, round) {
		return "", &errdefs.InvariantViolation{Kind: "qa", ID: qa.ID, Detail: fmt.Sprintf("round %d is closed", round)}
	}
	dir := s.evidence.RoundDir(taskID, round)
	if !fsio.FileNonEmpty(filepath.Join(dir, validator.DelegationFileName(validatorID))) {
		return "", &errdefs.InvariantViolation{Kind: "report", ID: validatorID, Detail: fmt.Sprintf("validator was not delegated in round %d", round)}
	}
	path := filepath.Join(dir, validator.ReportFileName(validatorID))
	if fsio.FileNonEmpty(path) {
		return "", &errdefs.InvariantViolation{Kind: "report", ID: validatorID, Detail: fmt.Sprintf("report already recorded for round %d", round)}
	}
	now := s.now().UTC()
	report := &validator.Report{
		Validator: validatorID,
		TaskID:    taskID,
		Round:     round,
		Status:    spec.Status,
		Model:     spec.Model,
		Summary:   spec.Summary,
		Issues:    spec.Issues,
		Tracking:  validator.Tracking{ProcessID: entity.NewProcessID(), StartedAt: now, CompletedAt: now},
	}
	if err := validator.WriteReport(path, report); err != nil {
		return "", err
	}
	task, terr := s.st.GetTask(taskID)
	if terr == nil {
		s.logActivity(ctx, task.SessionID, "orchestrator.report", fmt.Sprintf("%s round %d: %s %s", taskID, round, validatorID, spec.Status))
	}
	return path, nil
}
