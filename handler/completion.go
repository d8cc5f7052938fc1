package handler

import (
	"fmt"
	"sort"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/store"
)

// Session completion policies.
const (
	// PolicyParentValidated requires parentless claimed tasks to be
	// validated and child tasks to be at least done.
	PolicyParentValidated = "parent_validated_children_done"
	// PolicyAllValidated requires every claimed task to be validated.
	PolicyAllValidated = "all_tasks_validated"
)

// Reason codes for incomplete sessions.
const (
	ReasonTasksNotValidated = "tasks_not_validated"
	ReasonTasksNotDone      = "tasks_not_done"
	ReasonTasksBlocked      = "tasks_blocked"
	ReasonTasksMissing      = "tasks_missing"
)

// Completion is the result of evaluating a session against its completion
// policy.
type Completion struct {
	Policy            string             `json:"policy"`
	IsComplete        bool               `json:"isComplete"`
	ReasonsIncomplete []IncompleteReason `json:"reasonsIncomplete,omitempty"`
}

// IncompleteReason groups tasks failing the policy for one reason.
type IncompleteReason struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	TaskIDs []string `json:"taskIds,omitempty"`
}

// EvaluateCompletion applies a completion policy to a session's claimed
// tasks. An unknown policy falls back to PolicyParentValidated. A session
// with no claimed tasks is complete.
func EvaluateCompletion(st *store.Store, sess *entity.Session, policy string) Completion {
	if policy != PolicyAllValidated {
		policy = PolicyParentValidated
	}
	result := Completion{Policy: policy, IsComplete: true}
	if sess == nil || st == nil {
		return result
	}

	byCode := make(map[string][]string)
	for _, id := range sess.ClaimedTasks {
		task, err := st.GetTask(id)
		if err != nil {
			byCode[ReasonTasksMissing] = append(byCode[ReasonTasksMissing], id)
			continue
		}
		switch {
		case task.State == entity.TaskBlocked:
			byCode[ReasonTasksBlocked] = append(byCode[ReasonTasksBlocked], id)
		case policy == PolicyAllValidated && task.State != entity.TaskValidated:
			byCode[ReasonTasksNotValidated] = append(byCode[ReasonTasksNotValidated], id)
		case policy == PolicyParentValidated && task.Parent == "" && task.State != entity.TaskValidated:
			byCode[ReasonTasksNotValidated] = append(byCode[ReasonTasksNotValidated], id)
		case policy == PolicyParentValidated && task.Parent != "" &&
			task.State != entity.TaskDone && task.State != entity.TaskValidated:
			byCode[ReasonTasksNotDone] = append(byCode[ReasonTasksNotDone], id)
		}
	}

	for _, code := range []string{ReasonTasksMissing, ReasonTasksBlocked, ReasonTasksNotValidated, ReasonTasksNotDone} {
		ids := byCode[code]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		result.ReasonsIncomplete = append(result.ReasonsIncomplete, IncompleteReason{
			Code:    code,
			Message: completionMessage(code, len(ids)),
			TaskIDs: ids,
		})
	}
	result.IsComplete = len(result.ReasonsIncomplete) == 0
	return result
}

func completionMessage(code string, n int) string {
	switch code {
	case ReasonTasksMissing:
		return fmt.Sprintf("%d claimed task(s) cannot be loaded", n)
	case ReasonTasksBlocked:
		return fmt.Sprintf("%d claimed task(s) are blocked", n)
	case ReasonTasksNotValidated:
		return fmt.Sprintf("%d claimed task(s) are not validated", n)
	case ReasonTasksNotDone:
		return fmt.Sprintf("%d claimed child task(s) are not done", n)
	default:
		return code
	}
}
