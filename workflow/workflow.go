// Package workflow is the facade over the engine, store, evidence,
// scheduler, planner, composer, and memory pipeline: the durable
// operations a CLI or plugin hook invokes against one project. Each
// operation loads entities through the store, moves them through the
// lifecycle engine, and returns the component errors unchanged so
// callers can match on the shared error kinds.
package workflow

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/events"
	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/gitstate"
	"github.com/edisonhq/edison/handler"
	"github.com/edisonhq/edison/lifecycle"
	"github.com/edisonhq/edison/memory"
	"github.com/edisonhq/edison/pack"
	"github.com/edisonhq/edison/rules"
	"github.com/edisonhq/edison/store"
	"github.com/edisonhq/edison/validator"
)

// EnvSessionID names the environment variable supplying the ambient
// session for invocations that do not pass one explicitly.
const EnvSessionID = "EDISON_SESSION_ID"

// Directory names for layered source material under the edison dir, the
// bundled defaults tree, and each pack.
const (
	lifecycleDirName  = "lifecycle"
	validatorsDirName = "validators"
)

// eventsStreamPath locates the process event stream under the project
// management dir.
func eventsStreamPath(pmDir string) string {
	return filepath.Join(pmDir, "logs", "edison", "process-events.jsonl")
}

// Options adjusts a Service.
type Options struct {
	// Bundled is the embedded defaults tree. Its lifecycle/ and
	// validators/ subtrees seed the lowest layer of the respective
	// loaders, and its content directories form the bundled composition
	// layer.
	Bundled fs.FS
	// Owner is the acting user recorded on created entities. Empty falls
	// back to the workflow.defaultOwner configuration key.
	Owner string
	// SessionID is the ambient session. Empty falls back to the
	// EDISON_SESSION_ID environment variable.
	SessionID string
	// Providers registers additional memory providers by name.
	Providers map[string]memory.Provider
	// Now supplies timestamps. Defaults to fsio.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Service wires the project's components together and exposes the
// workflow operations. Construct once per process with New.
type Service struct {
	cfg  *config.Config
	wcfg config.WorkflowConfig
	qcfg config.QAConfig
	scfg config.SessionConfig
	ccfg config.ContinuationConfig

	st       *store.Store
	registry *handler.Registry
	specs    *lifecycle.SpecSet
	engine   *lifecycle.Engine
	evidence *evidence.Manager
	planner  *rules.Planner
	sched    *validator.Scheduler
	memory   *memory.Pipeline
	repo     *gitstate.Repo
	events   *events.Writer
	packs    []pack.Pack
	bundled  fs.FS

	owner   string
	session string
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Service for the loaded configuration. Handler names in
// the lifecycle specs resolve at construction, so a broken project
// override fails here rather than mid-operation.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, &errdefs.ConfigError{Detail: "workflow: configuration is required"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = fsio.Now
	}

	wcfg, err := cfg.Workflow()
	if err != nil {
		return nil, err
	}
	tcfg, err := cfg.Task()
	if err != nil {
		return nil, err
	}
	qcfg, err := cfg.QA()
	if err != nil {
		return nil, err
	}
	scfg, err := cfg.Session()
	if err != nil {
		return nil, err
	}
	ocfg, err := cfg.Orchestration()
	if err != nil {
		return nil, err
	}
	mcfg, err := cfg.Memory()
	if err != nil {
		return nil, err
	}
	ccfg, err := cfg.Continuation()
	if err != nil {
		return nil, err
	}

	st := store.New(cfg.ProjectMgmtDir(), store.Options{
		LockTimeout: tcfg.LockTimeout(),
		TaskOrder:   tcfg.StateOrder,
		Logger:      logger,
	})

	var repo *gitstate.Repo
	if r := gitstate.New(cfg.ProjectRoot()); r.IsRepo(ctx) {
		repo = r
	}

	evw := events.NewWriter(eventsStreamPath(cfg.ProjectMgmtDir()))

	ev := evidence.NewManager(st, evidence.Options{
		Repo:     repo,
		Required: qcfg.RequiredEvidence,
		WorkDir:  cfg.ProjectRoot(),
		Logger:   logger,
	})

	installed, err := pack.Discover(filepath.Join(cfg.EdisonDir(), config.PacksDirName))
	if err != nil {
		return nil, err
	}
	packs, err := pack.Activate(installed, cfg.ActivePacks())
	if err != nil {
		return nil, err
	}

	registry := handler.NewRegistry()
	if err := handler.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	specs, err := lifecycle.Load(lifecycleSources(opts.Bundled, packs, cfg.EdisonDir())...)
	if err != nil {
		return nil, err
	}

	defs, err := validator.LoadDefinitions(validatorSources(opts.Bundled, packs, cfg.EdisonDir())...)
	if err != nil {
		return nil, err
	}

	mem := memory.NewPipeline(st, mcfg, memory.Options{
		Providers: opts.Providers,
		Now:       now,
		Logger:    logger,
	})

	engine, err := lifecycle.New(specs, registry, st, lifecycle.Options{
		Evidence:  ev,
		Config:    cfg,
		Repo:      repo,
		Events:    evw,
		Finalizer: mem,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	planner := rules.NewPlanner(specs, registry, st, rules.Options{
		Evidence: ev,
		Config:   cfg,
		Repo:     repo,
		Logger:   logger,
	})

	sched := validator.NewScheduler(st, ev, defs, ocfg, validator.Options{
		Repo:    repo,
		Events:  evw,
		WorkDir: cfg.ProjectRoot(),
		Logger:  logger,
	})

	owner := opts.Owner
	if owner == "" {
		owner = wcfg.DefaultOwner
	}
	session := opts.SessionID
	if session == "" {
		session = os.Getenv(EnvSessionID)
	}

	return &Service{
		cfg:      cfg,
		wcfg:     wcfg,
		qcfg:     qcfg,
		scfg:     scfg,
		ccfg:     ccfg,
		st:       st,
		registry: registry,
		specs:    specs,
		engine:   engine,
		evidence: ev,
		planner:  planner,
		sched:    sched,
		memory:   mem,
		repo:     repo,
		events:   evw,
		packs:    packs,
		bundled:  opts.Bundled,
		owner:    owner,
		session:  session,
		logger:   logger,
		now:      now,
	}, nil
}

// lifecycleSources layers the machine specs: bundled, then active packs,
// then the project's lifecycle directory.
func lifecycleSources(bundled fs.FS, packs []pack.Pack, edisonDir string) []lifecycle.Source {
	var sources []lifecycle.Source
	if sub := subFS(bundled, lifecycleDirName); sub != nil {
		sources = append(sources, lifecycle.Source{Name: "bundled", FS: sub})
	}
	for _, p := range packs {
		dir := filepath.Join(p.Dir, lifecycleDirName)
		if fsio.DirExists(dir) {
			sources = append(sources, lifecycle.Source{Name: "pack:" + p.Name, FS: os.DirFS(dir)})
		}
	}
	if dir := filepath.Join(edisonDir, lifecycleDirName); fsio.DirExists(dir) {
		sources = append(sources, lifecycle.Source{Name: "project", FS: os.DirFS(dir)})
	}
	return sources
}

// validatorSources layers scheduler definitions the same way.
func validatorSources(bundled fs.FS, packs []pack.Pack, edisonDir string) []validator.Source {
	var sources []validator.Source
	if sub := subFS(bundled, validatorsDirName); sub != nil {
		sources = append(sources, validator.Source{Name: "bundled", FS: sub})
	}
	for _, p := range packs {
		dir := p.SourceDir(validatorsDirName)
		if fsio.DirExists(dir) {
			sources = append(sources, validator.Source{Name: "pack:" + p.Name, FS: os.DirFS(dir)})
		}
	}
	if dir := filepath.Join(edisonDir, validatorsDirName); fsio.DirExists(dir) {
		sources = append(sources, validator.Source{Name: "project", FS: os.DirFS(dir)})
	}
	return sources
}

// subFS returns the named subtree of fsys, or nil when fsys is nil or
// the subtree does not exist.
func subFS(fsys fs.FS, name string) fs.FS {
	if fsys == nil {
		return nil
	}
	sub, err := fs.Sub(fsys, name)
	if err != nil {
		return nil
	}
	if _, err := fs.Stat(sub, "."); err != nil {
		return nil
	}
	return sub
}

// Config returns the loaded configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Store returns the entity repository.
func (s *Service) Store() *store.Store { return s.st }

// Evidence returns the round evidence manager.
func (s *Service) Evidence() *evidence.Manager { return s.evidence }

// Memory returns the memory pipeline, for provider search and save.
func (s *Service) Memory() *memory.Pipeline { return s.memory }

// EventsPath returns the process event stream location.
func (s *Service) EventsPath() string { return s.events.Path() }

// SessionID returns the ambient session identifier, empty when none.
func (s *Service) SessionID() string { return s.session }

// actor is the acting user for history and activity entries.
func (s *Service) actor() string {
	if s.owner != "" {
		return s.owner
	}
	return os.Getenv("USER")
}

// updateSession mutates one session under its lock.
func (s *Service) updateSession(ctx context.Context, id string, mutate func(*entity.Session)) error {
	lock, err := s.st.Lock(ctx, entity.KindSession, id)
	if err != nil {
		return err
	}
	defer lock.Release()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return err
	}
	mutate(sess)
	return s.st.SaveSessionLocked(sess)
}

// logActivity appends one entry to a session's activity log. Failures
// are logged and swallowed: activity is a trace, not a gate.
func (s *Service) logActivity(ctx context.Context, sessionID, action, detail string) {
	if sessionID == "" {
		return
	}
	err := s.updateSession(ctx, sessionID, func(sess *entity.Session) {
		sess.LogActivity(s.now().UTC(), s.actor(), action, detail)
	})
	if err != nil {
		s.logger.Warn("activity log append failed", "session", sessionID, "action", action, "error", err)
	}
}

// RuleInfo reports the rule identifiers attached to one transition.
type RuleInfo struct {
	Domain string   `json:"domain"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Rules  []string `json:"rules"`
}

// Rules lists every transition carrying rule identifiers, for the rules
// listing command. Order is deterministic: domain, then state, then
// target.
func (s *Service) Rules() []RuleInfo {
	var infos []RuleInfo
	for _, domain := range []string{lifecycle.DomainTask, lifecycle.DomainQA, lifecycle.DomainSession} {
		spec, ok := s.specs.ForDomain(domain)
		if !ok {
			continue
		}
		for _, state := range sortedStates(spec) {
			for _, tr := range spec.States[state].AllowedTransitions {
				if len(tr.Rules) == 0 {
					continue
				}
				infos = append(infos, RuleInfo{Domain: domain, From: state, To: tr.To, Rules: tr.Rules})
			}
		}
	}
	return infos
}

func sortedStates(spec *lifecycle.Spec) []string {
	names := make([]string, 0, len(spec.States))
	for name := range spec.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
