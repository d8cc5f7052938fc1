// Package lifecycle drives entity state transitions per declarative YAML
// specifications. A specification names states and, per state, the
// transitions out of it: a single guard, OR-composable conditions,
// actions with before/after/config timing, rule identifiers, and
// recommendation templates for the planner.
//
// Specifications resolve per layer: the project's lifecycle directory
// beats active packs, which beat the bundled defaults. A layer providing
// a domain file replaces the lower layer's machine wholesale; state
// machines do not merge.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/handler"
)

// Lifecycle domains, matching entity kinds.
const (
	DomainTask    = "task"
	DomainQA      = "qa"
	DomainSession = "session"
)

// Spec is one domain's state machine.
type Spec struct {
	States map[string]StateSpec `yaml:"states"`

	// source records the file the spec was loaded from, for diagnostics.
	source string
}

// StateSpec declares one state and its outgoing transitions.
type StateSpec struct {
	Initial            bool             `yaml:"initial,omitempty"`
	Final              bool             `yaml:"final,omitempty"`
	Description        string           `yaml:"description,omitempty"`
	AllowedTransitions []TransitionSpec `yaml:"allowed_transitions,omitempty"`
}

// TransitionSpec declares one allowed transition out of a state.
type TransitionSpec struct {
	To              string               `yaml:"to"`
	Guard           string               `yaml:"guard,omitempty"`
	Conditions      []ConditionSpec      `yaml:"conditions,omitempty"`
	Actions         []ActionSpec         `yaml:"actions,omitempty"`
	Rules           []string             `yaml:"rules,omitempty"`
	Recommendations []RecommendationSpec `yaml:"recommendations,omitempty"`
}

// ConditionSpec names a condition; alternatives in Or pass the condition
// when any of them passes.
type ConditionSpec struct {
	Name  string          `yaml:"name"`
	Or    []ConditionSpec `yaml:"or,omitempty"`
	Error string          `yaml:"error,omitempty"`
}

// ActionSpec names an action and its timing: before (pre-guard), after
// (post-commit, the default), or config.<path> (post-commit, gated on a
// truthy config value).
type ActionSpec struct {
	Name string `yaml:"name"`
	When string `yaml:"when,omitempty"`
}

// Before reports whether the action runs ahead of the guard.
func (a ActionSpec) Before() bool { return a.When == "before" }

// ConfigGate returns the config path gating the action, if any.
func (a ActionSpec) ConfigGate() (string, bool) {
	if strings.HasPrefix(a.When, "config.") {
		return strings.TrimPrefix(a.When, "config."), true
	}
	return "", false
}

// RecommendationSpec is a next-action suggestion attached to a
// transition, surfaced by the planner when the transition's guard passes.
type RecommendationSpec struct {
	ID          string   `yaml:"id"`
	Entity      string   `yaml:"entity"`
	Rationale   string   `yaml:"rationale,omitempty"`
	Blocking    bool     `yaml:"blocking,omitempty"`
	CmdTemplate []string `yaml:"cmd_template,omitempty"`
}

// Source returns the file path the spec was loaded from.
func (s *Spec) Source() string { return s.source }

// State returns a state's declaration.
func (s *Spec) State(name string) (StateSpec, bool) {
	st, ok := s.States[name]
	return st, ok
}

// Initial returns the state marked initial, if any.
func (s *Spec) Initial() (string, bool) {
	for name, st := range s.States {
		if st.Initial {
			return name, true
		}
	}
	return "", false
}

// Transition finds the declared transition from one state to another.
func (s *Spec) Transition(from, to string) (*TransitionSpec, bool) {
	st, ok := s.States[from]
	if !ok {
		return nil, false
	}
	for i := range st.AllowedTransitions {
		if st.AllowedTransitions[i].To == to {
			return &st.AllowedTransitions[i], true
		}
	}
	return nil, false
}

// validate checks structural integrity: transition targets must be
// declared states, conditions must be named, action timings must parse.
func (s *Spec) validate(domain string) error {
	if len(s.States) == 0 {
		return &errdefs.ConfigError{
			Source: s.source,
			Detail: fmt.Sprintf("%s lifecycle declares no states", domain),
		}
	}
	for name, st := range s.States {
		for _, tr := range st.AllowedTransitions {
			if tr.To == "" {
				return &errdefs.ConfigError{
					Source: s.source,
					Detail: fmt.Sprintf("%s state %q has transition without target", domain, name),
				}
			}
			if _, ok := s.States[tr.To]; !ok {
				return &errdefs.ConfigError{
					Source: s.source,
					Detail: fmt.Sprintf("%s state %q transitions to undeclared state %q", domain, name, tr.To),
				}
			}
			for _, cond := range tr.Conditions {
				if err := validateCondition(domain, name, s.source, cond); err != nil {
					return err
				}
			}
			for _, act := range tr.Actions {
				if act.Name == "" {
					return &errdefs.ConfigError{
						Source: s.source,
						Detail: fmt.Sprintf("%s state %q has unnamed action", domain, name),
					}
				}
				if _, gated := act.ConfigGate(); act.When != "" && act.When != "before" && act.When != "after" && !gated {
					return &errdefs.ConfigError{
						Source: s.source,
						Detail: fmt.Sprintf("%s action %q has invalid timing %q", domain, act.Name, act.When),
					}
				}
			}
		}
	}
	return nil
}

func validateCondition(domain, state, source string, cond ConditionSpec) error {
	if cond.Name == "" && len(cond.Or) == 0 {
		return &errdefs.ConfigError{
			Source: source,
			Detail: fmt.Sprintf("%s state %q has condition with neither name nor alternatives", domain, state),
		}
	}
	for _, alt := range cond.Or {
		if alt.Name == "" {
			return &errdefs.ConfigError{
				Source: source,
				Detail: fmt.Sprintf("%s state %q has unnamed condition alternative", domain, state),
			}
		}
	}
	return nil
}

// resolveHandlers verifies every guard, condition, and action named by
// the spec is registered. Unresolved names are fatal before any
// transition runs.
func (s *Spec) resolveHandlers(reg *handler.Registry) error {
	for _, st := range s.States {
		for _, tr := range st.AllowedTransitions {
			if tr.Guard != "" {
				if _, err := reg.Guard(tr.Guard); err != nil {
					return err
				}
			}
			for _, cond := range tr.Conditions {
				if cond.Name != "" {
					if _, err := reg.Condition(cond.Name); err != nil {
						return err
					}
				}
				for _, alt := range cond.Or {
					if _, err := reg.Condition(alt.Name); err != nil {
						return err
					}
				}
			}
			for _, act := range tr.Actions {
				if _, err := reg.Action(act.Name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// SpecSet holds the three domain machines.
type SpecSet struct {
	Task    *Spec
	QA      *Spec
	Session *Spec
}

// ForDomain returns the machine for a domain name.
func (ss *SpecSet) ForDomain(domain string) (*Spec, bool) {
	switch domain {
	case DomainTask:
		return ss.Task, ss.Task != nil
	case DomainQA:
		return ss.QA, ss.QA != nil
	case DomainSession:
		return ss.Session, ss.Session != nil
	default:
		return nil, false
	}
}

// ResolveHandlers verifies every handler named across all domains.
func (ss *SpecSet) ResolveHandlers(reg *handler.Registry) error {
	for _, spec := range []*Spec{ss.Task, ss.QA, ss.Session} {
		if spec == nil {
			continue
		}
		if err := spec.resolveHandlers(reg); err != nil {
			return err
		}
	}
	return nil
}
