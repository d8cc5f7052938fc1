package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/pack"
)

// Layer names recorded in provenance. Pack layers use "pack:<name>".
const (
	LayerBundled = "bundled"
	LayerUser    = "user"
	LayerProject = "project"
	LayerLocal   = "local"
	LayerEnv     = "env"
)

// Loader assembles a Config from the layered sources.
type Loader struct {
	// ProjectRoot is the project root directory. Required.
	ProjectRoot string
	// Bundled holds the embedded defaults; its config/ directory is the
	// lowest layer. Required.
	Bundled fs.FS
	// UserConfigDir overrides the user config directory. Defaults to
	// <os.UserConfigDir()>/edison.
	UserConfigDir string
	// Environ overrides the process environment. Defaults to os.Environ().
	Environ []string
	// Logger receives load-time warnings.
	Logger *slog.Logger
}

type layer struct {
	name string
	tree map[string]any
}

// Load merges all layers and resolves project paths. Loading runs in two
// passes: a bootstrap merge without pack layers determines which packs are
// active, then the full merge places pack config between the bundled
// defaults and the user layer, in pack dependency order.
func (l *Loader) Load() (*Config, error) {
	if l.ProjectRoot == "" {
		return nil, &errdefs.ConfigError{Source: "loader", Detail: "project root is required"}
	}
	root, err := filepath.Abs(l.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	edisonDir := filepath.Join(root, DefaultEdisonDirName)

	bundled, err := l.loadBundled()
	if err != nil {
		return nil, err
	}

	userDir, err := l.userConfigDir()
	if err != nil {
		return nil, err
	}
	userLayer, err := loadLayer(LayerUser, userDir)
	if err != nil {
		return nil, err
	}
	projectLayer, err := loadLayer(LayerProject, filepath.Join(edisonDir, ConfigDirName))
	if err != nil {
		return nil, err
	}
	localLayer, err := loadLayer(LayerLocal, filepath.Join(edisonDir, LocalConfigDirName))
	if err != nil {
		return nil, err
	}

	environ := l.Environ
	if environ == nil {
		environ = os.Environ()
	}

	// Bootstrap merge: just enough configuration to know the active packs.
	boot := bundled
	for _, ly := range []layer{userLayer, projectLayer, localLayer} {
		boot = mergeTrees(boot, ly.tree)
	}
	boot, err = applyEnvOverrides(boot, environ)
	if err != nil {
		return nil, err
	}

	installed, err := pack.Discover(filepath.Join(edisonDir, PacksDirName))
	if err != nil {
		return nil, err
	}
	ordered, err := pack.Activate(installed, activePackNames(boot))
	if err != nil {
		return nil, err
	}

	layers := make([]layer, 0, len(ordered)+3)
	for _, p := range ordered {
		ly, err := loadLayer("pack:"+p.Name, p.ConfigDir())
		if err != nil {
			return nil, err
		}
		layers = append(layers, ly)
	}
	layers = append(layers, userLayer, projectLayer, localLayer)

	tree := bundled
	provenance := make(map[string]string, len(bundled))
	for key := range bundled {
		provenance[key] = LayerBundled
	}
	for _, ly := range layers {
		if len(ly.tree) == 0 {
			continue
		}
		tree = mergeTrees(tree, ly.tree)
		for key := range ly.tree {
			provenance[key] = ly.name
		}
	}
	tree, err = applyEnvOverrides(tree, environ)
	if err != nil {
		return nil, err
	}
	for _, key := range envTopLevelKeys(environ) {
		provenance[key] = LayerEnv
	}

	cfg := &Config{
		tree:        tree,
		provenance:  provenance,
		projectRoot: root,
		projectName: projectNameFrom(tree, root),
		edisonDir:   edisonDir,
		logger:      l.Logger,
	}
	for _, p := range ordered {
		cfg.activePacks = append(cfg.activePacks, p.Name)
	}

	wf, err := cfg.Workflow()
	if err != nil {
		return nil, err
	}
	if filepath.IsAbs(wf.ProjectDir) {
		cfg.projectDir = wf.ProjectDir
	} else {
		cfg.projectDir = filepath.Join(root, wf.ProjectDir)
	}

	return cfg, nil
}

// loadBundled reads the embedded defaults. Their absence is fatal: the
// bundled layer defines the baseline every other layer overrides.
func (l *Loader) loadBundled() (map[string]any, error) {
	if l.Bundled == nil {
		return nil, &errdefs.ConfigError{Source: LayerBundled, Detail: "bundled defaults are missing"}
	}
	entries, err := fs.ReadDir(l.Bundled, ConfigDirName)
	if err != nil {
		return nil, &errdefs.ConfigError{Source: LayerBundled, Detail: "bundled defaults are missing", Err: err}
	}

	names := yamlNames(entries)
	if len(names) == 0 {
		return nil, &errdefs.ConfigError{Source: LayerBundled, Detail: "bundled defaults are empty"}
	}

	merged := make(map[string]any)
	for _, name := range names {
		path := ConfigDirName + "/" + name
		data, err := fs.ReadFile(l.Bundled, path)
		if err != nil {
			return nil, &errdefs.ConfigError{Source: path, Detail: "read bundled defaults", Err: err}
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, &errdefs.ConfigError{Source: path, Detail: "malformed YAML", Err: err}
		}
		merged = mergeTrees(merged, tree)
	}
	return merged, nil
}

func (l *Loader) userConfigDir() (string, error) {
	if l.UserConfigDir != "" {
		return l.UserConfigDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		// No resolvable user config location; the user layer is optional.
		return "", nil
	}
	return filepath.Join(base, "edison"), nil
}

// loadLayer merges every YAML file in dir, sorted by file name. A missing
// or empty directory yields an empty layer.
func loadLayer(name, dir string) (layer, error) {
	if dir == "" {
		return layer{name: name}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return layer{name: name}, nil
		}
		return layer{}, fmt.Errorf("read config directory %s: %w", dir, err)
	}

	merged := make(map[string]any)
	for _, fileName := range yamlNames(entries) {
		path := filepath.Join(dir, fileName)
		data, err := os.ReadFile(path)
		if err != nil {
			return layer{}, fmt.Errorf("read config file: %w", err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return layer{}, &errdefs.ConfigError{Source: path, Detail: "malformed YAML", Err: err}
		}
		merged = mergeTrees(merged, tree)
	}
	return layer{name: name, tree: merged}, nil
}

func yamlNames(entries []fs.DirEntry) []string {
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

// activePackNames returns packs.active, or nil when the key is absent
// (meaning every installed pack is active). An explicit empty list
// deactivates all packs.
func activePackNames(tree map[string]any) []string {
	packs, ok := asStringMap(tree["packs"])
	if !ok {
		return nil
	}
	raw, ok := packs["active"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func envTopLevelKeys(environ []string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name := kv[:eq]
		if !strings.HasPrefix(name, EnvPrefix) || reservedEnv[name] {
			continue
		}
		top := strings.SplitN(strings.TrimPrefix(name, EnvPrefix), envPathSeparator, 2)[0]
		if top == "" || seen[top] {
			continue
		}
		seen[top] = true
		keys = append(keys, top)
	}
	sort.Strings(keys)
	return keys
}

func projectNameFrom(tree map[string]any, root string) string {
	if project, ok := asStringMap(tree["project"]); ok {
		if name, ok := project["name"].(string); ok && name != "" {
			return name
		}
	}
	return filepath.Base(root)
}
