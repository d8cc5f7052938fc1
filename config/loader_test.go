package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/edisonhq/edison/errdefs"
)

func bundledFS(defaults string) fstest.MapFS {
	return fstest.MapFS{
		"config/defaults.yaml": &fstest.MapFile{Data: []byte(defaults)},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadLayerPrecedence(t *testing.T) {
	root := t.TempDir()
	userDir := t.TempDir()

	writeFile(t, filepath.Join(userDir, "config.yaml"), `
task:
  defaultType: chore
memory:
  provider: user-provider
`)
	writeFile(t, filepath.Join(root, ".edison", "config", "10-core.yaml"), `
task:
  defaultType: bug
`)
	writeFile(t, filepath.Join(root, ".edison", "config.local", "dev.yaml"), `
memory:
  provider: local-provider
`)

	loader := &Loader{
		ProjectRoot: root,
		Bundled: bundledFS(`
task:
  defaultType: feature
  lockTimeoutSeconds: 10
memory:
  provider: file
workflow:
  projectDir: .project
`),
		UserConfigDir: userDir,
		Environ:       []string{"EDISON_task__lockTimeoutSeconds=5"},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	// project beats user beats bundled
	if task.DefaultType != "bug" {
		t.Errorf("expected project layer to win, got %s", task.DefaultType)
	}
	// env beats everything
	if task.LockTimeoutSeconds != 5 {
		t.Errorf("expected env override 5, got %d", task.LockTimeoutSeconds)
	}
	// local beats project and user
	mem, err := cfg.Memory()
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	if mem.Provider != "local-provider" {
		t.Errorf("expected local layer to win, got %s", mem.Provider)
	}

	prov := cfg.Provenance()
	if prov["task"] != LayerEnv {
		t.Errorf("expected task provenance env, got %s", prov["task"])
	}
	if prov["memory"] != LayerLocal {
		t.Errorf("expected memory provenance local, got %s", prov["memory"])
	}
	if prov["workflow"] != LayerBundled {
		t.Errorf("expected workflow provenance bundled, got %s", prov["workflow"])
	}
}

func TestLoadProjectPaths(t *testing.T) {
	root := t.TempDir()

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ProjectRoot() != root {
		t.Errorf("expected root %s, got %s", root, cfg.ProjectRoot())
	}
	if cfg.ProjectName() != filepath.Base(root) {
		t.Errorf("expected name %s, got %s", filepath.Base(root), cfg.ProjectName())
	}
	if cfg.EdisonDir() != filepath.Join(root, ".edison") {
		t.Errorf("unexpected edison dir %s", cfg.EdisonDir())
	}
	if cfg.ProjectMgmtDir() != filepath.Join(root, ".project") {
		t.Errorf("unexpected project dir %s", cfg.ProjectMgmtDir())
	}
	if cfg.GeneratedDir() != filepath.Join(root, ".edison", "_generated") {
		t.Errorf("unexpected generated dir %s", cfg.GeneratedDir())
	}
}

func TestLoadProjectNameOverride(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".edison", "config", "project.yaml"), `
project:
  name: renamed
workflow:
  projectDir: tracking
`)

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProjectName() != "renamed" {
		t.Errorf("expected renamed, got %s", cfg.ProjectName())
	}
	if cfg.ProjectMgmtDir() != filepath.Join(root, "tracking") {
		t.Errorf("unexpected project dir %s", cfg.ProjectMgmtDir())
	}
}

func TestLoadPackLayers(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, ".edison", "packs", "base", "pack.yaml"), "name: base\n")
	writeFile(t, filepath.Join(root, ".edison", "packs", "base", "config", "core.yaml"), `
task:
  defaultType: pack-base
memory:
  provider: pack-base
`)
	writeFile(t, filepath.Join(root, ".edison", "packs", "python", "pack.yaml"), `
name: python
requires:
  - base
`)
	writeFile(t, filepath.Join(root, ".edison", "packs", "python", "config", "core.yaml"), `
task:
  defaultType: pack-python
`)
	writeFile(t, filepath.Join(root, ".edison", "config", "project.yaml"), `
memory:
  provider: project
`)

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task:\n  defaultType: feature\nmemory:\n  provider: file\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// base loads before python (requires order), python wins among packs.
	packs := cfg.ActivePacks()
	if len(packs) != 2 || packs[0] != "base" || packs[1] != "python" {
		t.Fatalf("unexpected pack order %v", packs)
	}

	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.DefaultType != "pack-python" {
		t.Errorf("expected pack-python, got %s", task.DefaultType)
	}

	// project layer still beats pack layers
	mem, err := cfg.Memory()
	if err != nil {
		t.Fatalf("Memory() error = %v", err)
	}
	if mem.Provider != "project" {
		t.Errorf("expected project, got %s", mem.Provider)
	}

	prov := cfg.Provenance()
	if prov["task"] != "pack:python" {
		t.Errorf("expected task provenance pack:python, got %s", prov["task"])
	}
}

func TestLoadPacksActiveSelection(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, ".edison", "packs", "base", "pack.yaml"), "name: base\n")
	writeFile(t, filepath.Join(root, ".edison", "packs", "extra", "pack.yaml"), "name: extra\n")
	writeFile(t, filepath.Join(root, ".edison", "config", "packs.yaml"), `
packs:
  active:
    - base
`)

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	packs := cfg.ActivePacks()
	if len(packs) != 1 || packs[0] != "base" {
		t.Errorf("expected only base active, got %v", packs)
	}
}

func TestLoadPacksActiveFromEnv(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, ".edison", "packs", "base", "pack.yaml"), "name: base\n")
	writeFile(t, filepath.Join(root, ".edison", "packs", "extra", "pack.yaml"), "name: extra\n")

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{`EDISON_packs__active=["extra"]`},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	packs := cfg.ActivePacks()
	if len(packs) != 1 || packs[0] != "extra" {
		t.Errorf("expected only extra active, got %v", packs)
	}
}

func TestLoadUnknownActivePack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".edison", "config", "packs.yaml"), `
packs:
  active:
    - ghost
`)

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for unknown active pack")
	}
}

func TestLoadMissingBundledFatal(t *testing.T) {
	loader := &Loader{
		ProjectRoot:   t.TempDir(),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	_, err := loader.Load()
	if err == nil {
		t.Fatal("expected error for missing bundled defaults")
	}
	if !errdefs.IsConfig(err) {
		t.Errorf("expected configuration error, got %T", err)
	}
}

func TestLoadEmptyBundledFatal(t *testing.T) {
	loader := &Loader{
		ProjectRoot:   t.TempDir(),
		Bundled:       fstest.MapFS{},
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for empty bundled defaults")
	}
}

func TestLoadMalformedLayer(t *testing.T) {
	root := t.TempDir()
	badPath := filepath.Join(root, ".edison", "config", "broken.yaml")
	writeFile(t, badPath, "task: [unclosed\n")

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	_, err := loader.Load()
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
	var cfgErr *errdefs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if cfgErr.Source != badPath {
		t.Errorf("expected source %s, got %s", badPath, cfgErr.Source)
	}
}

func TestLoadLayerFileOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".edison", "config", "10-first.yaml"), "task:\n  defaultType: first\n")
	writeFile(t, filepath.Join(root, ".edison", "config", "20-second.yaml"), "task:\n  defaultType: second\n")

	loader := &Loader{
		ProjectRoot:   root,
		Bundled:       bundledFS("task: {}\n"),
		UserConfigDir: t.TempDir(),
		Environ:       []string{},
	}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	task, err := cfg.Task()
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if task.DefaultType != "second" {
		t.Errorf("expected later file to win, got %s", task.DefaultType)
	}
}
