// Package memory runs the fail-open memory pipeline: when a session
// closes, ordered steps extract a structured summary of the work and hand
// it to a pluggable provider for storage and indexing. Provider failures
// are logged and never abort the caller; losing a memory write must not
// lose the session.
//
// Providers implement Save and Search. Structured saves and index
// rebuilds are optional capabilities a provider may add. The file-backed
// provider under <project>/memory/ is always available, so the pipeline
// works without any external store.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/store"
)

// ProviderFile names the built-in file-backed provider.
const ProviderFile = "file"

// DefaultSearchLimit bounds Search when the caller passes limit <= 0.
const DefaultSearchLimit = 5

// Provider stores and retrieves memory records. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Save appends one rendered record of the given kind.
	Save(ctx context.Context, kind, content string) error
	// Search returns rendered text for at most limit matching records,
	// empty when nothing matches.
	Search(ctx context.Context, query string, limit int) (string, error)
}

// StructuredSaver is an optional provider capability: accept a typed
// record instead of rendered text. Providers without it receive the
// record's RenderText output through Save.
type StructuredSaver interface {
	SaveStructured(ctx context.Context, rec Record) error
}

// Indexer is an optional provider capability: rebuild whatever lookup
// structure the provider maintains over its records.
type Indexer interface {
	Index(ctx context.Context) error
}

// Record is a structured payload the pipeline hands to providers.
type Record interface {
	// RecordKind groups records of the same shape (session-insight).
	RecordKind() string
	// RecordID identifies the record within its kind; saves with the
	// same kind and ID replace earlier ones.
	RecordID() string
	// RenderText renders the record for providers without structured
	// save support.
	RenderText() string
}

// Step is one stage of the pipeline. Steps communicate through the scope
// variable bag; a failed step is logged and the remaining steps still run.
type Step interface {
	Name() string
	Run(ctx context.Context, sc *Scope) error
}

// Scope carries one pipeline execution: the session being finalized and
// the variables steps produce for each other.
type Scope struct {
	Session *entity.Session
	Vars    map[string]any

	pipeline *Pipeline
}

// Provider resolves a registered provider by name.
func (sc *Scope) Provider(name string) (Provider, error) {
	p, ok := sc.pipeline.providers[name]
	if !ok {
		return nil, fmt.Errorf("memory provider %q is not registered", name)
	}
	return p, nil
}

// Pipeline executes memory steps against registered providers.
type Pipeline struct {
	store     *store.Store
	providers map[string]Provider
	steps     []Step
	logger    *slog.Logger
	now       func() time.Time
}

// Options adjusts a Pipeline.
type Options struct {
	// Providers registers additional providers by name, or overrides the
	// built-in file provider.
	Providers map[string]Provider
	// Steps replaces the default step chain.
	Steps []Step
	// Now supplies timestamps. Defaults to fsio.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// NewPipeline builds the pipeline for one project. The default chain
// extracts session insights, saves them to the configured provider, and
// rebuilds that provider's index.
func NewPipeline(st *store.Store, cfg config.MemoryConfig, opts Options) *Pipeline {
	p := &Pipeline{
		store:     st,
		providers: map[string]Provider{},
		steps:     opts.Steps,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = fsio.Now
	}
	if cfg.Dir != "" {
		p.providers[ProviderFile] = NewFileProvider(cfg.Dir, FileOptions{Logger: p.logger, Now: p.now})
	}
	for name, prov := range opts.Providers {
		p.providers[name] = prov
	}
	if p.steps == nil {
		p.steps = []Step{
			SessionInsights{Var: "insights"},
			SaveStructured{Provider: cfg.Provider, Input: "insights"},
			IndexProvider{Provider: cfg.Provider},
		}
	}
	return p
}

// Run executes every step for the session. Step errors are logged and
// swallowed; only context cancellation stops the chain early.
func (p *Pipeline) Run(ctx context.Context, sess *entity.Session) {
	sc := &Scope{Session: sess, Vars: map[string]any{}, pipeline: p}
	for _, step := range p.steps {
		if ctx.Err() != nil {
			p.logger.Warn("memory pipeline canceled", "session", sess.ID, "step", step.Name())
			return
		}
		if err := step.Run(ctx, sc); err != nil {
			p.logger.Warn("memory step failed", "session", sess.ID, "step", step.Name(), "error", err)
			continue
		}
		p.logger.Debug("memory step done", "session", sess.ID, "step", step.Name())
	}
}

// FinalizeSession runs the pipeline as an end-of-session hook. It never
// returns an error: the session close must not fail because a memory
// write did.
func (p *Pipeline) FinalizeSession(ctx context.Context, sess *entity.Session) error {
	if sess == nil {
		return nil
	}
	p.Run(ctx, sess)
	return nil
}

// Search queries the named provider, or the file provider when name is
// empty.
func (p *Pipeline) Search(ctx context.Context, name, query string, limit int) (string, error) {
	if name == "" {
		name = ProviderFile
	}
	prov, ok := p.providers[name]
	if !ok {
		return "", fmt.Errorf("memory provider %q is not registered", name)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return prov.Search(ctx, query, limit)
}

// Save writes one record through the named provider, or the file
// provider when name is empty.
func (p *Pipeline) Save(ctx context.Context, name, kind, content string) error {
	if name == "" {
		name = ProviderFile
	}
	prov, ok := p.providers[name]
	if !ok {
		return fmt.Errorf("memory provider %q is not registered", name)
	}
	return prov.Save(ctx, kind, content)
}
