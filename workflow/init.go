package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edisonhq/edison/config"
	"github.com/edisonhq/edison/fsio"
	"github.com/edisonhq/edison/store"
)

// InitOptions adjust project scaffolding.
type InitOptions struct {
	// ProjectName seeds project.name in the starter config. Empty uses
	// the root directory's base name.
	ProjectName string
	// ProjectDir overrides the project management directory name.
	ProjectDir string
}

// InitResult reports what Init created. Paths are relative to the root.
type InitResult struct {
	Root    string   `json:"root"`
	Created []string `json:"created,omitempty"`
}

// Init scaffolds the configuration and project management skeleton under
// root. Existing files and directories are left alone, so running it in
// an initialized project is a no-op.
func Init(root string, opts InitOptions) (*InitResult, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	res := &InitResult{Root: abs}

	edisonDir := filepath.Join(abs, config.DefaultEdisonDirName)
	for _, name := range []string{
		config.ConfigDirName,
		config.LocalConfigDirName,
		config.PacksDirName,
		config.GeneratedDirName,
		"agents",
		"validators",
		"guidelines",
		"constitutions",
		lifecycleDirName,
	} {
		dir := filepath.Join(edisonDir, name)
		if fsio.DirExists(dir) {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		res.Created = append(res.Created, rel(abs, dir))
	}

	cfgPath := filepath.Join(edisonDir, config.ConfigDirName, "project.yaml")
	if !fsio.FileExists(cfgPath) {
		name := opts.ProjectName
		if name == "" {
			name = filepath.Base(abs)
		}
		starter := fmt.Sprintf("project:\n  name: %s\n", name)
		if err := fsio.WriteFileAtomic(cfgPath, []byte(starter), 0o644); err != nil {
			return nil, err
		}
		res.Created = append(res.Created, rel(abs, cfgPath))
	}

	pmName := opts.ProjectDir
	if pmName == "" {
		pmName = config.DefaultProjectDirName
	}
	pmDir := pmName
	if !filepath.IsAbs(pmDir) {
		pmDir = filepath.Join(abs, pmName)
	}
	existed := fsio.DirExists(pmDir)
	st := store.New(pmDir, store.Options{})
	if err := st.EnsureLayout(); err != nil {
		return nil, err
	}
	if !existed {
		res.Created = append(res.Created, rel(abs, pmDir))
	}

	logsDir := filepath.Dir(eventsStreamPath(pmDir))
	if !fsio.DirExists(logsDir) {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", logsDir, err)
		}
		res.Created = append(res.Created, rel(abs, logsDir))
	}

	sort.Strings(res.Created)
	return res, nil
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil {
		return r
	}
	return path
}
