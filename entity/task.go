package entity

// TaskState represents the current lifecycle state of a task.
type TaskState string

const (
	// TaskTodo indicates the task is created and unclaimed.
	TaskTodo TaskState = "todo"
	// TaskWIP indicates the task is claimed by a session and in progress.
	TaskWIP TaskState = "wip"
	// TaskDone indicates implementation is finished and awaiting validation.
	TaskDone TaskState = "done"
	// TaskValidated indicates the task passed bundle approval. Terminal.
	TaskValidated TaskState = "validated"
	// TaskBlocked indicates the task cannot proceed; side branch from
	// todo/wip that exits back to them.
	TaskBlocked TaskState = "blocked"
)

// String returns the string representation of the state.
func (s TaskState) String() string {
	return string(s)
}

// IsValid returns true if the state is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskTodo, TaskWIP, TaskDone, TaskValidated, TaskBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when no further transitions leave the state.
func (s TaskState) IsTerminal() bool {
	return s == TaskValidated
}

// CanTransitionTo returns true if the state can transition to the target
// state. The declarative transition spec enforces the same topology with
// guards layered on top; this is the structural check.
func (s TaskState) CanTransitionTo(target TaskState) bool {
	switch s {
	case TaskTodo:
		return target == TaskWIP || target == TaskBlocked
	case TaskWIP:
		return target == TaskDone || target == TaskBlocked || target == TaskTodo
	case TaskDone:
		// done → wip is the rollback path and requires a reason.
		return target == TaskValidated || target == TaskWIP
	case TaskBlocked:
		return target == TaskTodo || target == TaskWIP
	case TaskValidated:
		return false
	default:
		return false
	}
}

// TaskStates lists every task state in repository search order: the states
// a lookup probes first are the ones active work lives in.
func TaskStates() []TaskState {
	return []TaskState{TaskTodo, TaskWIP, TaskDone, TaskValidated, TaskBlocked}
}

// TaskType categorizes the work a task represents.
type TaskType string

const (
	TaskTypeFeature TaskType = "feature"
	TaskTypeBug     TaskType = "bug"
	TaskTypeChore   TaskType = "chore"
)

// IsValid returns true if the type is a known task type.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeFeature, TaskTypeBug, TaskTypeChore:
		return true
	default:
		return false
	}
}

// Task is a unit of implementation work, stored as a frontmatter document
// with a free-text body under <pm>/tasks/<state>/<id>.md.
type Task struct {
	// ID is the stable identifier: priority slot plus optional wave plus
	// slug (P1-add-login, P2.1-fix-timeout), or a caller-supplied ID.
	ID string `yaml:"id"`
	// Title is the one-line human summary.
	Title string `yaml:"title"`
	// Type is feature, bug, or chore.
	Type TaskType `yaml:"type"`
	// State mirrors the containing directory. Advisory; the directory is
	// authoritative and overwrites this field on load.
	State TaskState `yaml:"state"`
	// Priority is the numeric slot used in generated identifiers.
	Priority int `yaml:"priority,omitempty"`
	// Wave subdivides a priority slot for parallel scheduling.
	Wave int `yaml:"wave,omitempty"`
	// Tags are free-form labels used by list filters.
	Tags []string `yaml:"tags,omitempty"`
	// DependsOn lists task IDs that must reach validated before this task
	// may be claimed. The relation must stay acyclic.
	DependsOn []string `yaml:"depends_on,omitempty"`
	// Related lists non-blocking related task IDs.
	Related []string `yaml:"related,omitempty"`
	// Parent is the task this one descends from, if any.
	Parent string `yaml:"parent,omitempty"`
	// BundleRoot names the non-member root task whose bundle this task
	// belongs to. Approval of the root's bundle approves members.
	BundleRoot string `yaml:"bundle_root,omitempty"`

	Metadata `yaml:",inline"`

	// History records every state transition, append-only.
	History []HistoryEntry `yaml:"state_history,omitempty"`

	// Extra preserves unknown frontmatter keys across load/save.
	Extra map[string]any `yaml:",inline"`

	// Body is the free-form markdown brief below the frontmatter.
	Body string `yaml:"-"`
}

// Kind returns KindTask.
func (t *Task) Kind() Kind { return KindTask }

// EntityID returns the task identifier.
func (t *Task) EntityID() string { return t.ID }

// CurrentState returns the task state as a string.
func (t *Task) CurrentState() string { return string(t.State) }

// SetState updates the advisory state field.
func (t *Task) SetState(state string) { t.State = TaskState(state) }

// AppendHistory appends a transition record.
func (t *Task) AppendHistory(entry HistoryEntry) {
	t.History = append(t.History, entry)
}

// StateHistory returns the transition records.
func (t *Task) StateHistory() []HistoryEntry { return t.History }

// Meta returns the shared metadata block for mutation.
func (t *Task) Meta() *Metadata { return &t.Metadata }

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// DependsOnTask reports whether id appears in the depends_on set.
func (t *Task) DependsOnTask(id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}
