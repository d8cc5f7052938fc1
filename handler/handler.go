// Package handler holds the name-keyed registries of guards, conditions,
// and actions referenced by lifecycle specifications, plus the evaluation
// context they run against.
//
// Guards are pure boolean functions and fail closed: a guard that cannot
// establish its required inputs returns false. Conditions are boolean
// prerequisites the engine may compose with OR. Actions are side effects;
// they may mutate the context's value map or the entity and report the
// entity dirty so the engine persists the change.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/store"
)

// Guard decides whether a transition may proceed. Guards never mutate the
// context and return false when required inputs are missing.
type Guard func(*Context) bool

// Condition is a declarative prerequisite evaluated after the guard.
type Condition func(*Context) bool

// Action performs a side effect around a transition.
type Action func(*Context) error

// SessionFinalizer runs end-of-session work, typically the memory
// pipeline. Wired by the workflow layer to keep this package decoupled.
type SessionFinalizer interface {
	FinalizeSession(ctx context.Context, sess *entity.Session) error
}

// Context carries everything a handler may consult during one transition
// evaluation. Entity pointers are nil when the transition concerns a
// different kind.
type Context struct {
	Ctx      context.Context
	Store    *store.Store
	Evidence *evidence.Manager
	Config   *config.Config
	Repo     *gitstate.Repo
	Events   *events.Writer
	Logger   *slog.Logger

	Task    *entity.Task
	QA      *entity.QA
	Session *entity.Session

	// From and To are the transition endpoints under evaluation.
	From string
	To   string
	// Reason is the caller-supplied transition reason, recorded in
	// history and required by rollback and blocking guards.
	Reason string
	// Round is the active validation round for QA-related checks.
	Round int

	// Values is the mutable scratch subtree shared between actions.
	Values map[string]any

	Finalizer SessionFinalizer

	entityDirty bool
}

// SetValue stores a scratch value, allocating the map on first use.
func (c *Context) SetValue(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

// Value reads a scratch value.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// StringValue reads a scratch value as a non-empty string.
func (c *Context) StringValue(key string) string {
	if s, ok := c.Values[key].(string); ok {
		return s
	}
	return ""
}

// MarkDirty records that an action mutated the entity; the engine
// persists the entity again after actions complete.
func (c *Context) MarkDirty() { c.entityDirty = true }

// Dirty reports whether an action mutated the entity.
func (c *Context) Dirty() bool { return c.entityDirty }

// Entity returns whichever entity the context carries, preferring the
// most specific kind for the transition.
func (c *Context) Entity() entity.Entity {
	switch {
	case c.Task != nil:
		return c.Task
	case c.QA != nil:
		return c.QA
	case c.Session != nil:
		return c.Session
	default:
		return nil
	}
}

func (c *Context) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// context returns the Go context for blocking work inside handlers.
func (c *Context) context() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

// Layer orders handler registrations. Later layers override earlier ones
// for the same name; two registrations of one name in the same layer are
// a configuration error.
type Layer int

const (
	LayerBundled Layer = iota
	LayerPack
	LayerUser
	LayerProject
)

func (l Layer) String() string {
	switch l {
	case LayerBundled:
		return "bundled"
	case LayerPack:
		return "pack"
	case LayerUser:
		return "user"
	case LayerProject:
		return "project"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

type guardEntry struct {
	fn    Guard
	layer Layer
}

type conditionEntry struct {
	fn    Condition
	layer Layer
}

type actionEntry struct {
	fn    Action
	layer Layer
}

// Registry resolves handler names to functions. Populated once at process
// start and immutable afterwards by convention.
type Registry struct {
	guards     map[string]guardEntry
	conditions map[string]conditionEntry
	actions    map[string]actionEntry
}

// NewRegistry returns an empty registry. Most callers want NewRegistry
// followed by RegisterBuiltins.
func NewRegistry() *Registry {
	return &Registry{
		guards:     make(map[string]guardEntry),
		conditions: make(map[string]conditionEntry),
		actions:    make(map[string]actionEntry),
	}
}

// RegisterGuard adds a guard at a layer. Same-layer duplicates are an
// error; a lower-layer duplicate is silently shadowed.
func (r *Registry) RegisterGuard(layer Layer, name string, fn Guard) error {
	if existing, ok := r.guards[name]; ok {
		if existing.layer == layer {
			return &errdefs.ConfigError{Detail: fmt.Sprintf("guard %q registered twice in %s layer", name, layer)}
		}
		if existing.layer > layer {
			return nil
		}
	}
	r.guards[name] = guardEntry{fn: fn, layer: layer}
	return nil
}

// RegisterCondition adds a condition at a layer.
func (r *Registry) RegisterCondition(layer Layer, name string, fn Condition) error {
	if existing, ok := r.conditions[name]; ok {
		if existing.layer == layer {
			return &errdefs.ConfigError{Detail: fmt.Sprintf("condition %q registered twice in %s layer", name, layer)}
		}
		if existing.layer > layer {
			return nil
		}
	}
	r.conditions[name] = conditionEntry{fn: fn, layer: layer}
	return nil
}

// RegisterAction adds an action at a layer.
func (r *Registry) RegisterAction(layer Layer, name string, fn Action) error {
	if existing, ok := r.actions[name]; ok {
		if existing.layer == layer {
			return &errdefs.ConfigError{Detail: fmt.Sprintf("action %q registered twice in %s layer", name, layer)}
		}
		if existing.layer > layer {
			return nil
		}
	}
	r.actions[name] = actionEntry{fn: fn, layer: layer}
	return nil
}

// Guard resolves a guard by name.
func (r *Registry) Guard(name string) (Guard, error) {
	e, ok := r.guards[name]
	if !ok {
		return nil, &errdefs.HandlerUnresolved{Registry: "guards", Name: name}
	}
	return e.fn, nil
}

// Condition resolves a condition by name.
func (r *Registry) Condition(name string) (Condition, error) {
	e, ok := r.conditions[name]
	if !ok {
		return nil, &errdefs.HandlerUnresolved{Registry: "conditions", Name: name}
	}
	return e.fn, nil
}

// Action resolves an action by name.
func (r *Registry) Action(name string) (Action, error) {
	e, ok := r.actions[name]
	if !ok {
		return nil, &errdefs.HandlerUnresolved{Registry: "actions", Name: name}
	}
	return e.fn, nil
}

// Names returns the registered names of one registry, sorted, for
// diagnostics and spec verification.
func (r *Registry) Names(registry string) []string {
	var names []string
	switch registry {
	case "guards":
		for name := range r.guards {
			names = append(names, name)
		}
	case "conditions":
		for name := range r.conditions {
			names = append(names, name)
		}
	case "actions":
		for name := range r.actions {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
