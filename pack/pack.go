// Package pack discovers installed packs and orders them by their declared
// dependencies. A pack is a directory of source material (config, agents,
// validators, guidelines, handlers) that extends the bundled defaults; the
// configuration loader and the composition engine both consume packs as
// ordered layers.
package pack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
)

// ErrPackNotFound reports an activation request for a pack that is not
// installed.
var ErrPackNotFound = errors.New("pack not found")

// ManifestName is the manifest file every pack carries at its root.
const ManifestName = "pack.yaml"

// Manifest describes a pack.
type Manifest struct {
	// Name is the pack identifier used in packs.active and in requires.
	Name string `yaml:"name"`
	// Version is informational.
	Version string `yaml:"version,omitempty"`
	// Description is informational.
	Description string `yaml:"description,omitempty"`
	// Requires lists packs that must be activated before this one.
	Requires []string `yaml:"requires,omitempty"`
}

// Pack is an installed pack rooted at Dir.
type Pack struct {
	Name     string
	Dir      string
	Manifest Manifest
}

// ConfigDir returns the pack's config layer directory.
func (p Pack) ConfigDir() string { return filepath.Join(p.Dir, "config") }

// SourceDir returns the pack's source directory for a composition content
// type (agents, validators, guidelines, constitutions).
func (p Pack) SourceDir(contentType string) string {
	return filepath.Join(p.Dir, contentType)
}

// Discover scans packsDir for installed packs. A directory without a
// manifest is skipped. A missing packsDir yields an empty result.
func Discover(packsDir string) ([]Pack, error) {
	entries, err := os.ReadDir(packsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read packs directory: %w", err)
	}

	var packs []Pack
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(packsDir, entry.Name())
		manifestPath := filepath.Join(dir, ManifestName)
		if !fsio.FileExists(manifestPath) {
			continue
		}

		var manifest Manifest
		if err := fsio.ReadYAML(manifestPath, &manifest); err != nil {
			return nil, &errdefs.ConfigError{Source: manifestPath, Detail: "malformed pack manifest", Err: err}
		}
		if manifest.Name == "" {
			manifest.Name = entry.Name()
		}
		if manifest.Name != entry.Name() {
			return nil, &errdefs.ConfigError{
				Source: manifestPath,
				Detail: fmt.Sprintf("manifest name %q does not match directory %q", manifest.Name, entry.Name()),
			}
		}
		packs = append(packs, Pack{Name: manifest.Name, Dir: dir, Manifest: manifest})
	}

	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
	return packs, nil
}

// Activate selects and orders the active packs. When active is nil, every
// installed pack is activated. The result is topologically ordered by the
// requires relation, dependencies first; ties keep name order for
// determinism. A missing requirement or a cycle is a configuration error.
func Activate(installed []Pack, active []string) ([]Pack, error) {
	byName := make(map[string]Pack, len(installed))
	for _, p := range installed {
		byName[p.Name] = p
	}

	var roots []string
	if active == nil {
		for _, p := range installed {
			roots = append(roots, p.Name)
		}
	} else {
		roots = active
	}

	// Collect the transitive requirement closure.
	wanted := make(map[string]bool)
	var collect func(name string) error
	collect = func(name string) error {
		if wanted[name] {
			return nil
		}
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrPackNotFound, name)
		}
		wanted[name] = true
		for _, req := range p.Manifest.Requires {
			if err := collect(req); err != nil {
				return fmt.Errorf("required by %q: %w", name, err)
			}
		}
		return nil
	}
	for _, name := range roots {
		if err := collect(name); err != nil {
			return nil, &errdefs.ConfigError{Source: "packs", Detail: err.Error(), Err: err}
		}
	}

	ordered, err := topoSort(byName, wanted)
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// topoSort is Kahn's algorithm over the wanted set with deterministic
// tie-breaking by name.
func topoSort(byName map[string]Pack, wanted map[string]bool) ([]Pack, error) {
	indegree := make(map[string]int, len(wanted))
	dependents := make(map[string][]string, len(wanted))

	for name := range wanted {
		indegree[name] += 0
		for _, req := range byName[name].Manifest.Requires {
			if !wanted[req] {
				continue
			}
			indegree[name]++
			dependents[req] = append(dependents[req], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var ordered []Pack
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(wanted) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &errdefs.ConfigError{
			Source: "packs",
			Detail: fmt.Sprintf("dependency cycle among packs: %v", stuck),
		}
	}
	return ordered, nil
}
