package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/store"
)

// Request asks the engine to move one entity to a target state.
type Request struct {
	Kind entity.Kind
	ID   string
	To   string

	// Reason is recorded in history and consulted by guards that demand
	// an explanation (rollback, block).
	Reason string

	// ExpectedFrom, when set, makes the transition conditional on the
	// entity still being in that state under the lock. A mismatch is a
	// stale-state error, not an invalid transition.
	ExpectedFrom string

	// Round is the validation round relevant to the transition, for QA
	// evidence checks. Zero means derive from the entity.
	Round int

	// SessionID names the session to load into the handler context for
	// task transitions. Empty falls back to the task's own session link.
	SessionID string

	// Values seeds the handler scratch map.
	Values map[string]any

	// Apply, when set, mutates the loaded entity after all checks pass
	// and before the state move is committed. Returning an error aborts
	// the transition with nothing persisted.
	Apply func(*handler.Context) error
}

// Result reports a committed transition.
type Result struct {
	Kind   entity.Kind
	ID     string
	From   string
	To     string
	Entity entity.Entity
	// Rules carries the transition's rule identifiers for the planner.
	Rules []string
}

// Options carries the engine's collaborators beyond specs, registry,
// and store.
type Options struct {
	Evidence  *evidence.Manager
	Config    *config.Config
	Repo      *gitstate.Repo
	Events    *events.Writer
	Finalizer handler.SessionFinalizer
	Logger    *slog.Logger
}

// Engine executes lifecycle transitions. All handler names referenced by
// the loaded specs are resolved at construction; a missing handler fails
// startup rather than a transition months later.
type Engine struct {
	specs    *SpecSet
	registry *handler.Registry
	store    *store.Store

	evidence  *evidence.Manager
	config    *config.Config
	repo      *gitstate.Repo
	events    *events.Writer
	finalizer handler.SessionFinalizer
	logger    *slog.Logger
}

// New builds an engine and verifies the specs against the registry.
func New(specs *SpecSet, registry *handler.Registry, st *store.Store, opts Options) (*Engine, error) {
	if specs == nil || registry == nil || st == nil {
		return nil, fmt.Errorf("lifecycle: specs, registry, and store are required")
	}
	if err := specs.ResolveHandlers(registry); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		specs:     specs,
		registry:  registry,
		store:     st,
		evidence:  opts.Evidence,
		config:    opts.Config,
		repo:      opts.Repo,
		events:    opts.Events,
		finalizer: opts.Finalizer,
		logger:    logger,
	}, nil
}

// Specs returns the loaded machines, for planners that walk transitions.
func (e *Engine) Specs() *SpecSet { return e.specs }

// Registry returns the handler registry the engine resolves against.
func (e *Engine) Registry() *handler.Registry { return e.registry }

// Transition moves one entity to a target state under its file lock.
//
// Order of evaluation: load and stale check, spec lookup, before
// actions, guard, conditions, the request's Apply mutation, then the
// commit (directory move, then history and frontmatter). After actions
// run post-commit; their failures are logged and recorded but never
// roll the transition back.
func (e *Engine) Transition(ctx context.Context, req Request) (*Result, error) {
	if !req.Kind.IsValid() {
		return nil, fmt.Errorf("lifecycle: invalid entity kind %q", req.Kind)
	}
	if req.To == "" {
		return nil, fmt.Errorf("lifecycle: transition target required")
	}
	spec, ok := e.specs.ForDomain(string(req.Kind))
	if !ok {
		return nil, fmt.Errorf("lifecycle: no %s machine loaded", req.Kind)
	}

	lock, err := e.store.Lock(ctx, req.Kind, req.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	hctx, current, err := e.buildContext(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.ExpectedFrom != "" && current != req.ExpectedFrom {
		return nil, &errdefs.StaleState{
			Kind:     string(req.Kind),
			ID:       req.ID,
			Expected: req.ExpectedFrom,
			Found:    current,
		}
	}

	if _, ok := spec.State(current); !ok {
		return nil, &errdefs.TransitionRejected{
			Entity:  string(req.Kind),
			ID:      req.ID,
			From:    current,
			To:      req.To,
			Code:    errdefs.CodeUnknownState,
			Message: fmt.Sprintf("state %q is not declared by the %s lifecycle", current, req.Kind),
		}
	}
	tr, ok := spec.Transition(current, req.To)
	if !ok {
		return nil, &errdefs.TransitionRejected{
			Entity:  string(req.Kind),
			ID:      req.ID,
			From:    current,
			To:      req.To,
			Code:    errdefs.CodeInvalidTransition,
			Message: fmt.Sprintf("no transition %s -> %s", current, req.To),
		}
	}

	for _, act := range tr.Actions {
		if !act.Before() {
			continue
		}
		fn, err := e.registry.Action(act.Name)
		if err != nil {
			return nil, err
		}
		if err := fn(hctx); err != nil {
			return nil, fmt.Errorf("before action %q: %w", act.Name, err)
		}
	}

	if tr.Guard != "" {
		guard, err := e.registry.Guard(tr.Guard)
		if err != nil {
			return nil, err
		}
		if !guard(hctx) {
			return nil, &errdefs.TransitionRejected{
				Entity:  string(req.Kind),
				ID:      req.ID,
				From:    current,
				To:      req.To,
				Handler: tr.Guard,
				Code:    errdefs.CodeGuardFailed,
				Message: fmt.Sprintf("guard %q rejected the transition", tr.Guard),
			}
		}
	}

	for _, cond := range tr.Conditions {
		passed, label, err := e.evalCondition(hctx, cond)
		if err != nil {
			return nil, err
		}
		if !passed {
			msg := cond.Error
			if msg == "" {
				msg = fmt.Sprintf("condition %q not met", label)
			}
			return nil, &errdefs.TransitionRejected{
				Entity:  string(req.Kind),
				ID:      req.ID,
				From:    current,
				To:      req.To,
				Handler: label,
				Code:    errdefs.CodeConditionFailed,
				Message: msg,
			}
		}
	}

	if req.Apply != nil {
		if err := req.Apply(hctx); err != nil {
			return nil, err
		}
	}

	if err := e.commit(req, current, hctx); err != nil {
		return nil, err
	}

	e.runAfterActions(req, current, tr, hctx)

	return &Result{
		Kind:   req.Kind,
		ID:     req.ID,
		From:   current,
		To:     req.To,
		Entity: hctx.Entity(),
		Rules:  tr.Rules,
	}, nil
}

// buildContext loads the subject entity and whatever related entities
// the handlers may consult. Related lookups are best-effort: a QA whose
// task is gone still gets its transition evaluated against nil.
func (e *Engine) buildContext(ctx context.Context, req Request) (*handler.Context, string, error) {
	hctx := &handler.Context{
		Ctx:       ctx,
		Store:     e.store,
		Evidence:  e.evidence,
		Config:    e.config,
		Repo:      e.repo,
		Events:    e.events,
		Logger:    e.logger,
		To:        req.To,
		Reason:    req.Reason,
		Round:     req.Round,
		Values:    req.Values,
		Finalizer: e.finalizer,
	}

	var current string
	switch req.Kind {
	case entity.KindTask:
		t, err := e.store.GetTask(req.ID)
		if err != nil {
			return nil, "", err
		}
		hctx.Task = t
		current = string(t.State)
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = t.SessionID
		}
		if sessionID != "" {
			if sess, err := e.store.GetSession(sessionID); err == nil {
				hctx.Session = sess
			}
		}
		if qa, err := e.store.GetQAForTask(t.ID); err == nil {
			hctx.QA = qa
		}
	case entity.KindQA:
		q, err := e.store.GetQA(req.ID)
		if err != nil {
			return nil, "", err
		}
		hctx.QA = q
		current = string(q.State)
		if q.TaskID != "" {
			if t, err := e.store.GetTask(q.TaskID); err == nil {
				hctx.Task = t
				if t.SessionID != "" {
					if sess, err := e.store.GetSession(t.SessionID); err == nil {
						hctx.Session = sess
					}
				}
			}
		}
	case entity.KindSession:
		sess, err := e.store.GetSession(req.ID)
		if err != nil {
			return nil, "", err
		}
		hctx.Session = sess
		current = string(sess.State)
	}
	hctx.From = current
	return hctx, current, nil
}

// evalCondition evaluates one condition spec. A spec with alternatives
// passes when its own name (if any) or any alternative passes.
func (e *Engine) evalCondition(hctx *handler.Context, cond ConditionSpec) (bool, string, error) {
	names := make([]string, 0, 1+len(cond.Or))
	if cond.Name != "" {
		names = append(names, cond.Name)
	}
	for _, alt := range cond.Or {
		names = append(names, alt.Name)
	}
	for _, name := range names {
		fn, err := e.registry.Condition(name)
		if err != nil {
			return false, name, err
		}
		if fn(hctx) {
			return true, name, nil
		}
	}
	return false, strings.Join(names, "|"), nil
}

// commit makes the transition durable. The directory rename is the
// commit point; history and frontmatter land in the follow-up save. A
// crash between the two leaves a consistent state with a history entry
// missing, which the next save repairs.
func (e *Engine) commit(req Request, current string, hctx *handler.Context) error {
	entry := entity.HistoryEntry{
		From:   current,
		To:     req.To,
		At:     fsio.Now(),
		Reason: req.Reason,
	}
	switch req.Kind {
	case entity.KindTask:
		if err := e.store.MoveTaskLocked(req.ID, current, req.To); err != nil {
			return err
		}
		hctx.Task.SetState(req.To)
		hctx.Task.AppendHistory(entry)
		return e.store.SaveTaskLocked(hctx.Task)
	case entity.KindQA:
		if err := e.store.MoveQALocked(req.ID, current, req.To); err != nil {
			return err
		}
		hctx.QA.SetState(req.To)
		hctx.QA.AppendHistory(entry)
		return e.store.SaveQALocked(hctx.QA)
	case entity.KindSession:
		if err := e.store.MoveSessionLocked(req.ID, current, req.To); err != nil {
			return err
		}
		hctx.Session.SetState(req.To)
		hctx.Session.AppendHistory(entry)
		return e.store.SaveSessionLocked(hctx.Session)
	default:
		return fmt.Errorf("lifecycle: invalid entity kind %q", req.Kind)
	}
}

// runAfterActions executes post-commit actions. Failures are surfaced
// in the log and the event stream; the committed transition stands.
func (e *Engine) runAfterActions(req Request, from string, tr *TransitionSpec, hctx *handler.Context) {
	for _, act := range tr.Actions {
		if act.Before() {
			continue
		}
		if gate, ok := act.ConfigGate(); ok {
			if e.config == nil || !e.config.Truthy(gate) {
				continue
			}
		}
		fn, err := e.registry.Action(act.Name)
		if err != nil {
			e.logger.Error("after action unresolved", "action", act.Name, "kind", req.Kind, "id", req.ID)
			continue
		}
		if err := fn(hctx); err != nil {
			e.logger.Error("after action failed",
				"action", act.Name, "kind", req.Kind, "id", req.ID,
				"from", from, "to", req.To, "error", err)
			e.events.Append(events.Record{
				Type:   events.ActionFailed,
				TaskID: taskIDFor(req, hctx),
				Action: act.Name,
				Detail: err.Error(),
			})
		}
	}
	if hctx.Dirty() {
		if err := e.persist(req.Kind, hctx); err != nil {
			e.logger.Error("persisting action mutations failed",
				"kind", req.Kind, "id", req.ID, "error", err)
		}
	}
}

func (e *Engine) persist(kind entity.Kind, hctx *handler.Context) error {
	switch kind {
	case entity.KindTask:
		return e.store.SaveTaskLocked(hctx.Task)
	case entity.KindQA:
		return e.store.SaveQALocked(hctx.QA)
	case entity.KindSession:
		return e.store.SaveSessionLocked(hctx.Session)
	default:
		return fmt.Errorf("lifecycle: invalid entity kind %q", kind)
	}
}

func taskIDFor(req Request, hctx *handler.Context) string {
	if req.Kind == entity.KindTask {
		return req.ID
	}
	if hctx.Task != nil {
		return hctx.Task.ID
	}
	return ""
}
