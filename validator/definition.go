// Package validator schedules validation runs over a task or a bundle of
// tasks: roster assembly from layered definitions, wave-ordered parallel
// execution of validator engines, report collection, and the bundle
// approval marker that gates promotion.
package validator

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/edisonhq/edison/errdefs"
)

// Definition declares one validator: when it runs, what runs it, and
// what it needs before it can run.
type Definition struct {
	// ID names the validator; report files are keyed by it.
	ID string `yaml:"id"`
	// Description is a short human summary.
	Description string `yaml:"description,omitempty"`
	// Wave assigns the execution wave. Empty defaults to critical.
	Wave string `yaml:"wave,omitempty"`
	// Blocking validators gate wave verdicts and bundle approval.
	Blocking bool `yaml:"blocking"`
	// Engine names the preferred execution engine.
	Engine string `yaml:"engine"`
	// FallbackEngine is tried once when the primary is unavailable.
	FallbackEngine string `yaml:"fallback_engine,omitempty"`
	// AlwaysRun includes the validator regardless of changed files.
	AlwaysRun bool `yaml:"always_run,omitempty"`
	// Triggers are glob patterns matched against changed file paths.
	Triggers []string `yaml:"triggers,omitempty"`
	// TimeoutSeconds overrides the configured per-validator timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	// Context7Packages lists post-training packages whose documentation
	// markers must be present in the round before the validator runs.
	Context7Packages []string `yaml:"context7_packages,omitempty"`
	// Prompt is the instruction template handed to the engine. The
	// placeholders {task_id}, {round}, and {report} are substituted.
	Prompt string `yaml:"prompt,omitempty"`
}

// DefaultWave is assigned to definitions that declare none.
const DefaultWave = "critical"

// Source is one definition layer; later sources replace same-ID
// definitions from earlier ones.
type Source struct {
	Name string
	FS   fs.FS
}

// LoadDefinitions reads every *.yaml/*.yml at the root of each source.
// One file declares one validator. Higher layers win by ID.
func LoadDefinitions(sources ...Source) (map[string]Definition, error) {
	defs := map[string]Definition{}
	for _, src := range sources {
		if src.FS == nil {
			continue
		}
		names, err := definitionFiles(src.FS)
		if err != nil {
			return nil, &errdefs.ConfigError{Source: src.Name, Detail: "listing validator definitions", Err: err}
		}
		for _, name := range names {
			data, err := fs.ReadFile(src.FS, name)
			if err != nil {
				return nil, &errdefs.ConfigError{Source: src.Name + "/" + name, Detail: "reading validator definition", Err: err}
			}
			def, err := parseDefinition(src.Name+"/"+name, name, data)
			if err != nil {
				return nil, err
			}
			defs[def.ID] = def
		}
	}
	return defs, nil
}

func definitionFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func parseDefinition(source, filename string, data []byte) (Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return def, &errdefs.ConfigError{Source: source, Detail: "parsing validator definition", Err: err}
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filename, path.Ext(filename))
	}
	if def.Wave == "" {
		def.Wave = DefaultWave
	}
	if def.Engine == "" {
		return def, &errdefs.ConfigError{Source: source, Detail: "validator definition declares no engine"}
	}
	return def, nil
}

// RosterEntry is one scheduled validator plus why it was included.
type RosterEntry struct {
	Definition
	// AddedBy records the inclusion reason: always_run, trigger:<pattern>,
	// or explicit.
	AddedBy string `json:"addedBy"`
}

// AssembleRoster selects validators for a run: every always_run
// definition, every definition whose trigger globs match a changed file,
// and every explicit add. Adds take the form "name" or "wave:name"; the
// wave form reassigns the validator's wave for this run. An unknown name
// in adds is a configuration error. The roster is ordered by ID.
func AssembleRoster(defs map[string]Definition, changed []string, adds []string) ([]RosterEntry, error) {
	included := map[string]RosterEntry{}

	for id, def := range defs {
		if def.AlwaysRun {
			included[id] = RosterEntry{Definition: def, AddedBy: "always_run"}
			continue
		}
		if pattern := matchTrigger(def.Triggers, changed); pattern != "" {
			included[id] = RosterEntry{Definition: def, AddedBy: "trigger:" + pattern}
		}
	}

	for _, add := range adds {
		wave, name := splitAdd(add)
		def, ok := defs[name]
		if !ok {
			return nil, &errdefs.ConfigError{
				Source: "add-validators",
				Detail: fmt.Sprintf("unknown validator %q", name),
			}
		}
		if wave != "" {
			def.Wave = wave
		}
		included[name] = RosterEntry{Definition: def, AddedBy: "explicit"}
	}

	roster := make([]RosterEntry, 0, len(included))
	for _, entry := range included {
		roster = append(roster, entry)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster, nil
}

func matchTrigger(patterns, changed []string) string {
	for _, pattern := range patterns {
		for _, file := range changed {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				return pattern
			}
		}
	}
	return ""
}

func splitAdd(add string) (wave, name string) {
	if i := strings.IndexByte(add, ':'); i >= 0 {
		return add[:i], add[i+1:]
	}
	return "", add
}
