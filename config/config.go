// Package config loads and merges Edison's layered configuration: bundled
// defaults, active packs in dependency order, the user config directory,
// the project config directory, project-local overrides, and environment
// variables. The merged tree is immutable for the life of the process;
// typed domain accessors parse their subtree lazily.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Directory names under the project root and the Edison config dir.
const (
	DefaultEdisonDirName  = ".edison"
	DefaultProjectDirName = ".project"
	ConfigDirName         = "config"
	LocalConfigDirName    = "config.local"
	PacksDirName          = "packs"
	GeneratedDirName      = "_generated"
)

// Config is the merged configuration tree plus resolved project paths.
type Config struct {
	tree       map[string]any
	provenance map[string]string

	projectRoot string
	projectName string
	edisonDir   string
	projectDir  string
	activePacks []string

	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]any
}

// ProjectRoot returns the absolute project root path.
func (c *Config) ProjectRoot() string { return c.projectRoot }

// ProjectName returns the project name (root directory base name unless
// overridden by project.name).
func (c *Config) ProjectName() string { return c.projectName }

// EdisonDir returns the project config dir (<root>/.edison).
func (c *Config) EdisonDir() string { return c.edisonDir }

// ProjectMgmtDir returns the project management dir (<root>/.project by
// default, overridable with workflow.projectDir).
func (c *Config) ProjectMgmtDir() string { return c.projectDir }

// GeneratedDir returns the composed-output directory under the config dir.
func (c *Config) GeneratedDir() string { return filepath.Join(c.edisonDir, GeneratedDirName) }

// ActivePacks returns the activated pack names in dependency order.
func (c *Config) ActivePacks() []string { return c.activePacks }

// Provenance returns which layer supplied each top-level key.
func (c *Config) Provenance() map[string]string {
	out := make(map[string]string, len(c.provenance))
	for k, v := range c.provenance {
		out[k] = v
	}
	return out
}

// Raw returns a copy of the merged tree.
func (c *Config) Raw() map[string]any {
	copied, _ := asStringMap(cloneValue(c.tree))
	return copied
}

// placeholderVars builds the built-in placeholder table.
func (c *Config) placeholderVars() map[string]string {
	return map[string]string{
		PlaceholderProjectRoot:      c.projectRoot,
		PlaceholderProjectName:      c.projectName,
		PlaceholderProjectConfigDir: filepath.Join(c.edisonDir, ConfigDirName),
		PlaceholderEdisonDir:        c.edisonDir,
	}
}

// Get returns the raw value at a dot-separated path.
func (c *Config) Get(path string) (any, bool) {
	node := any(c.tree)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asStringMap(node)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// GetString returns the string at path with placeholders resolved, or def.
func (c *Config) GetString(path, def string) string {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	resolved, err := resolvePlaceholders(s, c.placeholderVars())
	if err != nil {
		c.log().Warn("Placeholder resolution failed", "path", path, "error", err)
		return def
	}
	return resolved
}

// GetInt returns the integer at path, or def.
func (c *Config) GetInt(path string, def int) int {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

// GetBool returns the boolean at path, or def.
func (c *Config) GetBool(path string, def bool) bool {
	v, ok := c.Get(path)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Truthy reports whether the value at path is present and truthy: false,
// zero, empty string, empty collection, and nil are all falsy. Used for
// config-conditional actions and template conditionals.
func (c *Config) Truthy(path string) bool {
	v, ok := c.Get(path)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	case nil:
		return false
	default:
		return true
	}
}

func (c *Config) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// decodeDomain parses the subtree at key into out after resolving
// placeholders, warning about unknown keys so forward-compatible configs
// stay visible.
func (c *Config) decodeDomain(key string, out any, knownKeys []string) error {
	raw, ok := c.Get(key)
	if !ok {
		return nil
	}
	resolved, err := resolveTree(raw, c.placeholderVars())
	if err != nil {
		return fmt.Errorf("resolve %s config: %w", key, err)
	}

	if m, ok := asStringMap(resolved); ok && len(knownKeys) > 0 {
		known := make(map[string]bool, len(knownKeys))
		for _, k := range knownKeys {
			known[k] = true
		}
		var unknown []string
		for k := range m {
			if !known[k] {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			c.log().Warn("Unknown configuration keys preserved", "domain", key, "keys", unknown)
		}
	}

	data, err := yaml.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("re-encode %s config: %w", key, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s config: %w", key, err)
	}
	return nil
}

// domain returns the cached parsed domain, computing it once.
func domain[T any](c *Config, key string, parse func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string]any)
	}
	if cached, ok := c.cache[key]; ok {
		return cached.(T), nil
	}
	parsed, err := parse()
	if err != nil {
		var zero T
		return zero, err
	}
	c.cache[key] = parsed
	return parsed, nil
}

// TaskConfig controls task identifiers, repository search, and locking.
type TaskConfig struct {
	// DefaultType is assigned when task.create omits a type.
	DefaultType string `yaml:"defaultType"`
	// StateOrder is the repository search order for lookups.
	StateOrder []string `yaml:"stateOrder"`
	// LockTimeoutSeconds bounds entity lock acquisition.
	LockTimeoutSeconds int `yaml:"lockTimeoutSeconds"`
}

// LockTimeout returns the lock timeout as a duration.
func (t TaskConfig) LockTimeout() time.Duration {
	if t.LockTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(t.LockTimeoutSeconds) * time.Second
}

// Task returns the task domain configuration.
func (c *Config) Task() (TaskConfig, error) {
	return domain(c, "task", func() (TaskConfig, error) {
		cfg := TaskConfig{
			DefaultType:        "feature",
			StateOrder:         []string{"todo", "wip", "done", "validated", "blocked"},
			LockTimeoutSeconds: 10,
		}
		err := c.decodeDomain("task", &cfg, []string{"defaultType", "stateOrder", "lockTimeoutSeconds"})
		return cfg, err
	})
}

// SessionConfig controls session completion and recovery.
type SessionConfig struct {
	// CompletionPolicy is parent_validated_children_done or
	// all_tasks_validated.
	CompletionPolicy string `yaml:"completionPolicy"`
	// Recovery bounds how long an interrupted session may sit before the
	// recovery branch is suggested.
	Recovery struct {
		TimeoutHours int `yaml:"timeoutHours"`
	} `yaml:"recovery"`
}

// Session returns the session domain configuration.
func (c *Config) Session() (SessionConfig, error) {
	return domain(c, "session", func() (SessionConfig, error) {
		cfg := SessionConfig{CompletionPolicy: "parent_validated_children_done"}
		cfg.Recovery.TimeoutHours = 24
		err := c.decodeDomain("session", &cfg, []string{"completionPolicy", "recovery"})
		return cfg, err
	})
}

// QAConfig controls evidence requirements and rounds.
type QAConfig struct {
	// RequiredEvidence lists file names that must be present and non-empty
	// in the round (or its referenced snapshot) before a task is ready.
	RequiredEvidence []string `yaml:"requiredEvidence"`
	// MaxRounds bounds validation rounds before escalation.
	MaxRounds int `yaml:"maxRounds"`
}

// QA returns the QA domain configuration.
func (c *Config) QA() (QAConfig, error) {
	return domain(c, "qa", func() (QAConfig, error) {
		cfg := QAConfig{
			RequiredEvidence: []string{
				"command-type-check.txt",
				"command-lint.txt",
				"command-test.txt",
				"command-build.txt",
			},
			MaxRounds: 3,
		}
		err := c.decodeDomain("qa", &cfg, []string{"requiredEvidence", "maxRounds"})
		return cfg, err
	})
}

// WorkflowConfig controls facade behavior.
type WorkflowConfig struct {
	// ProjectDir overrides the project management directory name.
	ProjectDir string `yaml:"projectDir"`
	// DefaultOwner is recorded on entities created without an owner.
	DefaultOwner string `yaml:"defaultOwner"`
	// RecommendationLimit caps session.next output when the caller passes
	// zero.
	RecommendationLimit int `yaml:"recommendationLimit"`
}

// Workflow returns the workflow domain configuration.
func (c *Config) Workflow() (WorkflowConfig, error) {
	return domain(c, "workflow", func() (WorkflowConfig, error) {
		cfg := WorkflowConfig{ProjectDir: DefaultProjectDirName, RecommendationLimit: 10}
		err := c.decodeDomain("workflow", &cfg, []string{"projectDir", "defaultOwner", "recommendationLimit"})
		return cfg, err
	})
}

// DedupConfig parametrizes shingle deduplication.
type DedupConfig struct {
	// Threshold is the Jaccard similarity above which a later block is
	// dropped.
	Threshold float64 `yaml:"threshold"`
	// MinShingles is the minimum shingle count for both blocks before the
	// similarity test applies.
	MinShingles int `yaml:"minShingles"`
	// ShingleSize is the sliding-window word count.
	ShingleSize int `yaml:"shingleSize"`
}

// ContentTypeConfig declares one composition content type.
type ContentTypeConfig struct {
	// Strategy is section-merge, concat-dedup, or json-merge.
	Strategy string `yaml:"strategy"`
	// SourceDir is the per-layer source directory name; defaults to the
	// content type name.
	SourceDir string `yaml:"sourceDir"`
	// OutputDir overrides the output subdirectory under _generated.
	OutputDir string `yaml:"outputDir"`
	// Dedup overrides the global dedup parameters for this type.
	Dedup *DedupConfig `yaml:"dedup"`
}

// CompositionConfig controls the composition engine.
type CompositionConfig struct {
	// OutputDir is the composed-output root, relative to the config dir.
	OutputDir string `yaml:"outputDir"`
	// ContentTypes maps type name to its declaration.
	ContentTypes map[string]ContentTypeConfig `yaml:"contentTypes"`
	// Dedup is the global dedup parameter set.
	Dedup DedupConfig `yaml:"dedup"`
}

// Composition returns the composition domain configuration.
func (c *Config) Composition() (CompositionConfig, error) {
	return domain(c, "composition", func() (CompositionConfig, error) {
		cfg := CompositionConfig{
			OutputDir: GeneratedDirName,
			Dedup:     DedupConfig{Threshold: 0.37, MinShingles: 5, ShingleSize: 8},
			ContentTypes: map[string]ContentTypeConfig{
				"agents":        {Strategy: "section-merge"},
				"validators":    {Strategy: "section-merge"},
				"constitutions": {Strategy: "section-merge"},
				"guidelines":    {Strategy: "concat-dedup"},
				"schemas":       {Strategy: "json-merge"},
			},
		}
		err := c.decodeDomain("composition", &cfg, []string{"outputDir", "contentTypes", "dedup"})
		return cfg, err
	})
}

// WaveConfig declares one validator wave.
type WaveConfig struct {
	// Name identifies the wave (critical, comprehensive).
	Name string `yaml:"name"`
	// RequiresPreviousPass skips the wave as blocked when the previous
	// wave did not pass.
	RequiresPreviousPass bool `yaml:"requiresPreviousPass"`
	// ContinueOnFail lets later waves run even when this wave fails.
	ContinueOnFail bool `yaml:"continueOnFail"`
}

// EngineConfig declares how a validator engine is invoked.
type EngineConfig struct {
	// Command is the argv template; {prompt}, {report}, {task_id}, and
	// {round} are substituted per validator run. Empty means the engine
	// cannot be executed directly and is delegated.
	Command []string `yaml:"command"`
}

// OrchestrationConfig controls the validator scheduler.
type OrchestrationConfig struct {
	// Concurrency caps parallel validators within a wave.
	Concurrency int `yaml:"concurrency"`
	// ValidatorTimeoutSeconds bounds each validator child process.
	ValidatorTimeoutSeconds int `yaml:"validatorTimeoutSeconds"`
	// Waves orders validator execution.
	Waves []WaveConfig `yaml:"waves"`
	// EmptyRosterPolicy is strict (no marker, promotion blocked) or
	// permissive (approved marker with empty tasks).
	EmptyRosterPolicy string `yaml:"emptyRosterPolicy"`
	// MaxRounds bounds rounds before escalation.
	MaxRounds int `yaml:"maxRounds"`
	// Engines maps engine name to its invocation.
	Engines map[string]EngineConfig `yaml:"engines"`
}

// ValidatorTimeout returns the per-validator timeout as a duration.
func (o OrchestrationConfig) ValidatorTimeout() time.Duration {
	if o.ValidatorTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(o.ValidatorTimeoutSeconds) * time.Second
}

// Orchestration returns the orchestration domain configuration.
func (c *Config) Orchestration() (OrchestrationConfig, error) {
	return domain(c, "orchestration", func() (OrchestrationConfig, error) {
		cfg := OrchestrationConfig{
			Concurrency:             4,
			ValidatorTimeoutSeconds: 300,
			Waves: []WaveConfig{
				{Name: "critical", ContinueOnFail: false},
				{Name: "comprehensive", RequiresPreviousPass: true},
			},
			EmptyRosterPolicy: "strict",
			MaxRounds:         3,
		}
		err := c.decodeDomain("orchestration", &cfg, []string{
			"concurrency", "validatorTimeoutSeconds", "waves", "emptyRosterPolicy", "maxRounds", "engines",
		})
		return cfg, err
	})
}

// MemoryConfig controls the memory pipeline.
type MemoryConfig struct {
	// Provider selects the provider receiving pipeline saves.
	Provider string `yaml:"provider"`
	// Dir is the file provider's storage directory.
	Dir string `yaml:"dir"`
}

// Memory returns the memory domain configuration.
func (c *Config) Memory() (MemoryConfig, error) {
	return domain(c, "memory", func() (MemoryConfig, error) {
		cfg := MemoryConfig{Provider: "file", Dir: filepath.Join(c.projectRoot, "memory")}
		err := c.decodeDomain("memory", &cfg, []string{"provider", "dir"})
		return cfg, err
	})
}

// ContinuationConfig controls session continuation defaults.
type ContinuationConfig struct {
	// Mode selects the continuation strategy for new sessions.
	Mode string `yaml:"mode"`
	// MaxRounds bounds validation rounds per continuation.
	MaxRounds int `yaml:"maxRounds"`
	// BudgetMinutes bounds total session runtime.
	BudgetMinutes int `yaml:"budgetMinutes"`
}

// Continuation returns the continuation domain configuration.
func (c *Config) Continuation() (ContinuationConfig, error) {
	return domain(c, "continuation", func() (ContinuationConfig, error) {
		cfg := ContinuationConfig{Mode: "manual", MaxRounds: 3}
		err := c.decodeDomain("continuation", &cfg, []string{"mode", "maxRounds", "budgetMinutes"})
		return cfg, err
	})
}

// WorktreesConfig controls git worktree side effects.
type WorktreesConfig struct {
	// Enabled gates the create_worktree and cleanup_worktree actions.
	Enabled bool `yaml:"enabled"`
	// Root is the directory worktrees are created under.
	Root string `yaml:"root"`
}

// Worktrees returns the worktrees domain configuration.
func (c *Config) Worktrees() (WorktreesConfig, error) {
	return domain(c, "worktrees", func() (WorktreesConfig, error) {
		cfg := WorktreesConfig{}
		err := c.decodeDomain("worktrees", &cfg, []string{"enabled", "root"})
		return cfg, err
	})
}
