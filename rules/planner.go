// Package rules computes next-action plans for sessions: which lifecycle
// transitions are currently available, what is blocking the rest, and
// whether the session satisfies its completion policy.
//
// Rule identifiers attached to transitions are surfaced as plan context;
// they never gate a transition themselves. Guards and conditions do the
// gating, and this package evaluates them read-only against the same
// registry the engine commits with.
package rules

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/lifecycle"
	"github.com/edisonhq/edison/store"
)

// defaultLimit caps emitted actions when neither the caller nor the
// configuration says otherwise.
const defaultLimit = 10

// Action is one executable next-action suggestion.
type Action struct {
	ID        string   `json:"id"`
	Entity    string   `json:"entity"`
	Rationale string   `json:"rationale,omitempty"`
	Blocking  bool     `json:"blocking"`
	Cmd       []string `json:"cmd,omitempty"`
}

// Blocker explains why a suggested transition is unavailable.
type Blocker struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Plan is the full next-action report for a session.
type Plan struct {
	SessionID  string             `json:"sessionId"`
	Completion handler.Completion `json:"completion"`
	Actions    []Action           `json:"actions"`
	Blockers   []Blocker          `json:"blockers,omitempty"`
	Rules      []string           `json:"rules,omitempty"`
}

// Options carries the planner's optional collaborators.
type Options struct {
	Evidence *evidence.Manager
	Config   *config.Config
	Repo     *gitstate.Repo
	Logger   *slog.Logger
}

// Planner walks lifecycle specs against live entities. It holds the same
// spec set and registry the engine runs with, so a recommendation it
// emits is a transition the engine would accept at that snapshot.
type Planner struct {
	specs    *lifecycle.SpecSet
	registry *handler.Registry
	store    *store.Store
	opts     Options
}

// NewPlanner builds a planner over the given machines and registry.
func NewPlanner(specs *lifecycle.SpecSet, registry *handler.Registry, st *store.Store, opts Options) *Planner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Planner{specs: specs, registry: registry, store: st, opts: opts}
}

// Plan computes the next-action plan for a session. Claimed tasks are
// visited in identifier order, then their QA records, then the session
// itself, so identical snapshots produce identical plans. A limit of
// zero falls back to the configured recommendation limit.
func (p *Planner) Plan(ctx context.Context, sessionID string, limit int) (*Plan, error) {
	sess, err := p.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{SessionID: sessionID, Actions: []Action{}}
	ruleSet := map[string]struct{}{}

	claimed := append([]string(nil), sess.ClaimedTasks...)
	sort.Strings(claimed)
	for _, taskID := range claimed {
		task, err := p.store.GetTask(taskID)
		if err != nil {
			plan.Blockers = append(plan.Blockers, Blocker{
				Entity: string(entity.KindTask),
				ID:     taskID,
				Reason: "claimed task cannot be loaded: " + err.Error(),
			})
			continue
		}
		p.planEntity(ctx, plan, ruleSet, sess, task, nil)

		if qa, err := p.store.GetQAForTask(taskID); err == nil {
			p.planEntity(ctx, plan, ruleSet, sess, task, qa)
		}
	}
	p.planSession(ctx, plan, ruleSet, sess)

	plan.Completion = handler.EvaluateCompletion(p.store, sess, p.completionPolicy())
	plan.Rules = sortedRules(ruleSet)

	// Blocking suggestions surface first; the walk order above keeps the
	// rest stable.
	sort.SliceStable(plan.Actions, func(i, j int) bool {
		return plan.Actions[i].Blocking && !plan.Actions[j].Blocking
	})
	if max := p.actionLimit(limit); len(plan.Actions) > max {
		plan.Actions = plan.Actions[:max]
	}
	return plan, nil
}

// planEntity walks one task's (or its QA's) outgoing transitions.
func (p *Planner) planEntity(ctx context.Context, plan *Plan, ruleSet map[string]struct{}, sess *entity.Session, task *entity.Task, qa *entity.QA) {
	var (
		spec    *lifecycle.Spec
		kind    entity.Kind
		id      string
		current string
	)
	if qa != nil {
		spec, kind, id, current = p.specs.QA, entity.KindQA, qa.ID, string(qa.State)
	} else {
		spec, kind, id, current = p.specs.Task, entity.KindTask, task.ID, string(task.State)
	}
	state, ok := spec.State(current)
	if !ok {
		plan.Blockers = append(plan.Blockers, Blocker{
			Entity: string(kind),
			ID:     id,
			Reason: "state " + current + " is not declared by the " + string(kind) + " lifecycle",
		})
		return
	}

	round := 0
	if qa != nil {
		round = qa.Round
	} else if taskQA, err := p.store.GetQAForTask(task.ID); err == nil {
		round = taskQA.Round
	}

	for i := range state.AllowedTransitions {
		tr := &state.AllowedTransitions[i]
		collectRules(ruleSet, tr.Rules)
		if len(tr.Recommendations) == 0 {
			continue
		}
		hctx := &handler.Context{
			Ctx:      ctx,
			Store:    p.store,
			Evidence: p.opts.Evidence,
			Config:   p.opts.Config,
			Repo:     p.opts.Repo,
			Logger:   p.opts.Logger,
			Task:     task,
			QA:       qa,
			Session:  sess,
			From:     current,
			To:       tr.To,
			Round:    round,
		}
		p.evaluate(plan, hctx, tr, kind, id, task.ID, sessionIDOf(sess), round)
	}
}

// planSession walks the session's own transitions.
func (p *Planner) planSession(ctx context.Context, plan *Plan, ruleSet map[string]struct{}, sess *entity.Session) {
	state, ok := p.specs.Session.State(string(sess.State))
	if !ok {
		plan.Blockers = append(plan.Blockers, Blocker{
			Entity: string(entity.KindSession),
			ID:     sess.ID,
			Reason: "state " + string(sess.State) + " is not declared by the session lifecycle",
		})
		return
	}
	for i := range state.AllowedTransitions {
		tr := &state.AllowedTransitions[i]
		collectRules(ruleSet, tr.Rules)
		if len(tr.Recommendations) == 0 {
			continue
		}
		hctx := &handler.Context{
			Ctx:     ctx,
			Store:   p.store,
			Config:  p.opts.Config,
			Repo:    p.opts.Repo,
			Logger:  p.opts.Logger,
			Session: sess,
			From:    string(sess.State),
			To:      tr.To,
		}
		p.evaluate(plan, hctx, tr, entity.KindSession, sess.ID, "", sess.ID, 0)
	}
}

// evaluate runs a transition's guard and conditions read-only and emits
// either its recommendations or a blocker.
func (p *Planner) evaluate(plan *Plan, hctx *handler.Context, tr *lifecycle.TransitionSpec, kind entity.Kind, id, taskID, sessionID string, round int) {
	if tr.Guard != "" {
		guard, err := p.registry.Guard(tr.Guard)
		if err != nil {
			p.opts.Logger.Warn("skipping transition with unresolved guard", "guard", tr.Guard, "entity", id)
			return
		}
		if !guard(hctx) {
			plan.Blockers = append(plan.Blockers, Blocker{
				Entity: string(kind),
				ID:     id,
				Reason: p.guardBlockReason(tr, hctx, taskID, round),
			})
			return
		}
	}
	for _, cond := range tr.Conditions {
		passed, label := p.evalCondition(hctx, cond)
		if !passed {
			reason := cond.Error
			if reason == "" {
				reason = "condition " + label + " not met for " + hctx.From + " -> " + tr.To
			}
			plan.Blockers = append(plan.Blockers, Blocker{Entity: string(kind), ID: id, Reason: reason})
			return
		}
	}

	vars := placeholderVars(taskID, sessionID, round)
	for _, rec := range tr.Recommendations {
		recEntity := rec.Entity
		if recEntity == "" {
			recEntity = string(kind)
		}
		plan.Actions = append(plan.Actions, Action{
			ID:        rec.ID,
			Entity:    recEntity,
			Rationale: rec.Rationale,
			Blocking:  rec.Blocking,
			Cmd:       renderCmd(rec.CmdTemplate, vars),
		})
	}
}

// guardBlockReason names the failed guard, with evidence specifics when
// the gap is missing round evidence.
func (p *Planner) guardBlockReason(tr *lifecycle.TransitionSpec, hctx *handler.Context, taskID string, round int) string {
	reason := "guard " + tr.Guard + " rejected " + hctx.From + " -> " + tr.To
	if p.opts.Evidence == nil || taskID == "" || round < 1 {
		return reason
	}
	if err := p.opts.Evidence.CheckRequired(hctx.Ctx, taskID, round); err != nil {
		var missing *errdefs.EvidenceMissing
		if errors.As(err, &missing) {
			return reason + ": " + missing.Error()
		}
	}
	return reason
}

func (p *Planner) evalCondition(hctx *handler.Context, cond lifecycle.ConditionSpec) (bool, string) {
	names := make([]string, 0, 1+len(cond.Or))
	if cond.Name != "" {
		names = append(names, cond.Name)
	}
	for _, alt := range cond.Or {
		names = append(names, alt.Name)
	}
	for _, name := range names {
		fn, err := p.registry.Condition(name)
		if err != nil {
			continue
		}
		if fn(hctx) {
			return true, name
		}
	}
	return false, strings.Join(names, "|")
}

func (p *Planner) completionPolicy() string {
	if p.opts.Config == nil {
		return handler.PolicyParentValidated
	}
	sc, err := p.opts.Config.Session()
	if err != nil {
		return handler.PolicyParentValidated
	}
	return sc.CompletionPolicy
}

func (p *Planner) actionLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if p.opts.Config != nil {
		if wc, err := p.opts.Config.Workflow(); err == nil && wc.RecommendationLimit > 0 {
			return wc.RecommendationLimit
		}
	}
	return defaultLimit
}

func collectRules(set map[string]struct{}, rules []string) {
	for _, r := range rules {
		set[r] = struct{}{}
	}
}

func sortedRules(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func sessionIDOf(sess *entity.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

func placeholderVars(taskID, sessionID string, round int) map[string]string {
	return map[string]string{
		"{task_id}":    taskID,
		"{session_id}": sessionID,
		"{round}":      strconv.Itoa(round),
	}
}

func renderCmd(template []string, vars map[string]string) []string {
	if len(template) == 0 {
		return nil
	}
	out := make([]string, len(template))
	for i, arg := range template {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, k, v)
		}
		out[i] = arg
	}
	return out
}
