// Package compose assembles generated documents from layered source
// material. Sources stack bundled defaults, active packs, and the project
// layer; each content type declares a merge strategy (section-merge,
// concat-dedup, json-merge) and the merged document runs through a
// template pipeline before being written with a DO NOT EDIT header.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/fsio"
)

// Merge strategy names accepted in composition.contentTypes.
const (
	StrategySectionMerge = "section-merge"
	StrategyConcatDedup  = "concat-dedup"
	StrategyJSONMerge    = "json-merge"
)

// Layer is one source stratum. Layers are ordered lowest to highest
// precedence: bundled defaults first, then packs in activation order, then
// the project layer.
type Layer struct {
	// Name labels the layer in headers and errors: bundled, pack:<name>,
	// user, project.
	Name string
	// FS is the layer root; content types are its subdirectories.
	FS fs.FS
}

// Artifact describes one composed output.
type Artifact struct {
	ContentType string   `json:"contentType"`
	Name        string   `json:"name"`
	OutputPath  string   `json:"outputPath"`
	Layers      []string `json:"layers"`
}

// Result reports a composition run.
type Result struct {
	Artifacts []Artifact `json:"artifacts"`
}

// Options adjusts a Composer.
type Options struct {
	// Version is stamped into {{version}}.
	Version string
	// Functions extends the built-in template function set. Same-named
	// entries replace built-ins.
	Functions map[string]Func
	// Environ backs env() conditionals. Defaults to os.Getenv.
	Environ func(string) string
	// Now supplies header timestamps. Defaults to fsio.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Composer merges layered sources into generated documents.
type Composer struct {
	conf   *config.Config
	comp   config.CompositionConfig
	layers []Layer
	packs  map[string]bool
	fns    map[string]Func
	opts   Options
	logger *slog.Logger
}

// New builds a Composer over the given layers, lowest precedence first.
func New(conf *config.Config, layers []Layer, opts Options) (*Composer, error) {
	comp, err := conf.Composition()
	if err != nil {
		return nil, err
	}
	if opts.Environ == nil {
		opts.Environ = os.Getenv
	}
	if opts.Now == nil {
		opts.Now = fsio.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	packs := make(map[string]bool)
	for _, name := range conf.ActivePacks() {
		packs[name] = true
	}
	for _, layer := range layers {
		if name, ok := strings.CutPrefix(layer.Name, "pack:"); ok {
			packs[name] = true
		}
	}

	fns := builtinFuncs()
	for name, fn := range opts.Functions {
		fns[name] = fn
	}

	return &Composer{
		conf:   conf,
		comp:   comp,
		layers: layers,
		packs:  packs,
		fns:    fns,
		opts:   opts,
		logger: logger,
	}, nil
}

// ContentTypes returns the configured type names, sorted.
func (c *Composer) ContentTypes() []string {
	names := make([]string, 0, len(c.comp.ContentTypes))
	for name := range c.comp.ContentTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List enumerates the artifacts a run would produce without composing or
// writing anything.
func (c *Composer) List(types []string) ([]Artifact, error) {
	if len(types) == 0 {
		types = c.ContentTypes()
	}
	var artifacts []Artifact
	for _, ct := range types {
		tc, ok := c.comp.ContentTypes[ct]
		if !ok {
			return nil, &errdefs.ConfigError{Source: "composition", Detail: fmt.Sprintf("unknown content type %q", ct)}
		}
		entities, err := c.discover(ct, tc)
		if err != nil {
			return nil, err
		}
		for _, entity := range entities {
			artifacts = append(artifacts, Artifact{
				ContentType: ct,
				Name:        entity.name,
				OutputPath:  c.outputPath(ct, tc, entity.name),
				Layers:      entity.layerNames(),
			})
		}
	}
	return artifacts, nil
}

// Run composes and writes every entity of the requested content types.
// Nil types means all configured types. Outputs are byte-identical across
// runs except for the generation timestamp.
func (c *Composer) Run(ctx context.Context, types []string) (*Result, error) {
	if len(types) == 0 {
		types = c.ContentTypes()
	}
	res := &Result{}
	for _, ct := range types {
		tc, ok := c.comp.ContentTypes[ct]
		if !ok {
			return nil, &errdefs.ConfigError{Source: "composition", Detail: fmt.Sprintf("unknown content type %q", ct)}
		}
		entities, err := c.discover(ct, tc)
		if err != nil {
			return nil, err
		}
		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			artifact, err := c.composeEntity(ct, tc, entity)
			if err != nil {
				return nil, fmt.Errorf("compose %s/%s: %w", ct, entity.name, err)
			}
			res.Artifacts = append(res.Artifacts, artifact)
		}
	}
	return res, nil
}

// sourceEntity is one logical document with its per-layer sources, lowest
// precedence first.
type sourceEntity struct {
	name    string
	sources []layerSource
}

type layerSource struct {
	layer   string
	content []byte
}

func (e sourceEntity) layerNames() []string {
	names := make([]string, len(e.sources))
	for i, s := range e.sources {
		names[i] = s.layer
	}
	return names
}

// discover collects the entities of a content type across all layers.
// Source dirs may carry files for other consumers (validator definition
// YAML next to validator prompts), so only the strategy's extension is
// picked up: .json for json-merge, .md otherwise.
func (c *Composer) discover(ct string, tc config.ContentTypeConfig) ([]sourceEntity, error) {
	src := tc.SourceDir
	if src == "" {
		src = ct
	}
	ext := "md"
	if tc.Strategy == StrategyJSONMerge {
		ext = "json"
	}

	byName := map[string]*sourceEntity{}
	var order []string
	for _, layer := range c.layers {
		matches, err := doublestar.Glob(layer.FS, path.Join(src, "**/*."+ext), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("scan %s layer %s: %w", ct, layer.Name, err)
		}
		sort.Strings(matches)
		for _, match := range matches {
			data, err := fs.ReadFile(layer.FS, match)
			if err != nil {
				return nil, fmt.Errorf("read %s from layer %s: %w", match, layer.Name, err)
			}
			name := strings.TrimPrefix(match, src+"/")
			entity, ok := byName[name]
			if !ok {
				entity = &sourceEntity{name: name}
				byName[name] = entity
				order = append(order, name)
			}
			entity.sources = append(entity.sources, layerSource{layer: layer.Name, content: data})
		}
	}

	sort.Strings(order)
	entities := make([]sourceEntity, len(order))
	for i, name := range order {
		entities[i] = *byName[name]
	}
	return entities, nil
}

// composeEntity merges one entity per its type's strategy, runs the
// template pipeline, and writes the output with its generation header.
func (c *Composer) composeEntity(ct string, tc config.ContentTypeConfig, entity sourceEntity) (Artifact, error) {
	outPath := c.outputPath(ct, tc, entity.name)
	artifact := Artifact{
		ContentType: ct,
		Name:        entity.name,
		OutputPath:  outPath,
		Layers:      entity.layerNames(),
	}

	strategy := tc.Strategy
	if strategy == "" {
		strategy = StrategySectionMerge
	}

	var body string
	var err error
	switch strategy {
	case StrategySectionMerge:
		body, err = c.mergeSections(entity)
	case StrategyConcatDedup:
		body = c.concatDedup(tc, entity)
	case StrategyJSONMerge:
		data, jerr := c.mergeJSONEntity(entity, outPath)
		if jerr != nil {
			return artifact, jerr
		}
		return artifact, fsio.WriteFileAtomic(outPath, data, 0o644)
	default:
		return artifact, &errdefs.ConfigError{
			Source: "composition",
			Detail: fmt.Sprintf("content type %q has unknown strategy %q", ct, strategy),
		}
	}
	if err != nil {
		return artifact, err
	}

	body, err = c.newPipeline(ct, entity, outPath).run(body)
	if err != nil {
		return artifact, err
	}

	out := c.header(ct, entity) + body
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return artifact, fsio.WriteFileAtomic(outPath, []byte(out), 0o644)
}

// mergeSections folds higher layers into the lowest layer's document.
func (c *Composer) mergeSections(entity sourceEntity) (string, error) {
	base := entity.sources[0]
	doc, err := parseDocument(base.layer+"/"+entity.name, string(base.content))
	if err != nil {
		return "", err
	}
	for _, src := range entity.sources[1:] {
		source := src.layer + "/" + entity.name
		ov, loose, err := parseOverlay(source, string(src.content))
		if err != nil {
			return "", err
		}
		if loose {
			c.logger.Warn("overlay text outside SECTION/EXTEND blocks is ignored", "source", source)
		}
		if err := doc.apply(source, ov); err != nil {
			return "", err
		}
	}
	return doc.render(), nil
}

// concatDedup joins same-named files in layer order and drops repeated
// blocks by shingle similarity.
func (c *Composer) concatDedup(tc config.ContentTypeConfig, entity sourceEntity) string {
	parts := make([]string, len(entity.sources))
	for i, src := range entity.sources {
		parts[i] = strings.TrimRight(string(src.content), "\n")
	}
	dedup := c.comp.Dedup
	if tc.Dedup != nil {
		dedup = *tc.Dedup
	}
	return dedupBlocks(strings.Join(parts, "\n\n"), dedup)
}

// mergeJSONEntity deep-merges JSON layers and injects generation metadata
// under _generated, JSON being unable to carry a comment header.
func (c *Composer) mergeJSONEntity(entity sourceEntity, outPath string) ([]byte, error) {
	var merged any
	for i, src := range entity.sources {
		var layer any
		if err := json.Unmarshal(src.content, &layer); err != nil {
			return nil, fmt.Errorf("parse %s from layer %s: %w", entity.name, src.layer, err)
		}
		if i == 0 {
			merged = layer
		} else {
			merged = mergeJSON(merged, layer)
		}
	}
	if obj, ok := merged.(map[string]any); ok {
		obj["_generated"] = map[string]any{
			"doNotEdit":   true,
			"template":    entity.name,
			"layers":      entity.layerNames(),
			"generatedAt": c.opts.Now().Format(time.RFC3339),
		}
	}
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", entity.name, err)
	}
	return append(data, '\n'), nil
}

func (c *Composer) outputPath(ct string, tc config.ContentTypeConfig, name string) string {
	outDir := tc.OutputDir
	if outDir == "" {
		outDir = ct
	}
	return filepath.Join(c.conf.EdisonDir(), c.comp.OutputDir, outDir, filepath.FromSlash(name))
}

// header renders the DO NOT EDIT banner for text outputs.
func (c *Composer) header(ct string, entity sourceEntity) string {
	return fmt.Sprintf(`<!--
GENERATED FILE. DO NOT EDIT.
Template: %s/%s
Layers: %s
Generated: %s
Regenerate: edison compose run --type %s
-->

`, ct, entity.name, strings.Join(entity.layerNames(), ", "), c.opts.Now().Format(time.RFC3339), ct)
}

// newPipeline builds the per-entity template pipeline: include resolution
// walks layers highest precedence first, variables carry the entity's
// identity, and conditionals see the active pack set.
func (c *Composer) newPipeline(ct string, entity sourceEntity, outPath string) *pipeline {
	now := c.opts.Now()
	name := strings.TrimSuffix(path.Base(entity.name), path.Ext(entity.name))
	vars := map[string]string{
		"PROJECT_ROOT":       c.conf.ProjectRoot(),
		"PROJECT_EDISON_DIR": c.conf.EdisonDir(),
		"project.name":       c.conf.ProjectName(),
		"timestamp":          now.Format(time.RFC3339),
		"generated_date":     now.Format("2006-01-02"),
		"version":            c.opts.Version,
		"source_layers":      strings.Join(entity.layerNames(), ", "),
		"output_path":        outPath,
		"name":               name,
		"content_type":       ct,
	}
	return &pipeline{
		entity:  ct + "/" + entity.name,
		resolve: c.resolveInclude,
		lookup:  c.conf.Get,
		env: &exprEnv{
			truthy: c.conf.Truthy,
			configVal: func(path string) (string, bool) {
				v, ok := c.conf.Get(path)
				if !ok {
					return "", false
				}
				return scalarString(v), true
			},
			hasPack:    func(name string) bool { return c.packs[name] },
			environ:    c.opts.Environ,
			projectDir: c.conf.ProjectRoot(),
		},
		vars: vars,
		fns:  c.fns,
	}
}

// resolveInclude finds an include target, searching project first, then
// packs in reverse activation order, then bundled.
func (c *Composer) resolveInclude(p string) (string, bool) {
	p = path.Clean(strings.TrimPrefix(p, "/"))
	for i := len(c.layers) - 1; i >= 0; i-- {
		data, err := fs.ReadFile(c.layers[i].FS, p)
		if err == nil {
			return string(data), true
		}
	}
	return "", false
}
