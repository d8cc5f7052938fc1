package memory

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edisonhq/edison/fsio"
)

// indexFile is the file provider's rebuilt lookup file.
const indexFile = "index.json"

// excerptRunes caps the excerpt taken from a matching line.
const excerptRunes = 200

// FileProvider stores memory records as files under one directory, one
// subdirectory per record kind. It supports structured saves and index
// rebuilds, so the default pipeline works end to end without an external
// store.
type FileProvider struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// FileOptions adjusts a FileProvider.
type FileOptions struct {
	// Now supplies timestamps. Defaults to fsio.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// NewFileProvider creates a provider rooted at dir. The directory is
// created lazily on first save.
func NewFileProvider(dir string, opts FileOptions) *FileProvider {
	f := &FileProvider{dir: dir, logger: opts.Logger, now: opts.Now}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = fsio.Now
	}
	return f
}

// Dir returns the provider's storage directory.
func (f *FileProvider) Dir() string { return f.dir }

// Save writes one record under <dir>/<kind>/. File names carry a
// nanosecond timestamp; fsio.Now is strictly increasing within a process,
// so names never collide.
func (f *FileProvider) Save(ctx context.Context, kind, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := f.now().UTC().Format("20060102T150405.000000000") + ".md"
	path := filepath.Join(f.dir, safeSegment(kind), name)
	return fsio.WriteFileAtomic(path, []byte(content), 0o644)
}

// SaveStructured writes the record as JSON at <dir>/<kind>/<id>.json.
// Saving the same record again replaces the earlier file, so finalizing a
// session twice does not duplicate its insights.
func (f *FileProvider) SaveStructured(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := safeSegment(rec.RecordID())
	path := filepath.Join(f.dir, safeSegment(rec.RecordKind()), id+".json")
	return fsio.WriteJSON(path, rec)
}

// Search scans stored records for a case-insensitive substring match and
// returns one excerpt per matching file, lexically ordered, at most limit
// entries. An empty query matches every record.
func (f *FileProvider) Search(ctx context.Context, query string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	needle := strings.ToLower(query)
	var blocks []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if len(blocks) >= limit {
			return fs.SkipAll
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || d.Name() == indexFile {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		line, ok := matchLine(string(data), needle)
		if !ok {
			return nil
		}
		rel, rerr := filepath.Rel(f.dir, path)
		if rerr != nil {
			rel = path
		}
		blocks = append(blocks, filepath.ToSlash(rel)+":\n  "+line)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.Join(blocks, "\n\n"), nil
}

// Index rebuilds <dir>/index.json: every stored record with its kind,
// size, and save time, sorted by path.
func (f *FileProvider) Index(ctx context.Context) error {
	type indexEntry struct {
		Path    string    `json:"path"`
		Kind    string    `json:"kind"`
		Bytes   int64     `json:"bytes"`
		SavedAt time.Time `json:"savedAt"`
	}
	var entries []indexEntry
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || d.Name() == indexFile {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		rel, rerr := filepath.Rel(f.dir, path)
		if rerr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		kind := rel
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			kind = rel[:i]
		}
		entries = append(entries, indexEntry{
			Path:    rel,
			Kind:    kind,
			Bytes:   info.Size(),
			SavedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		entries = nil
	} else if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	index := struct {
		GeneratedAt time.Time    `json:"generatedAt"`
		Entries     []indexEntry `json:"entries"`
	}{GeneratedAt: f.now().UTC(), Entries: entries}
	return fsio.WriteJSON(filepath.Join(f.dir, indexFile), index)
}

// matchLine returns the first line containing needle, trimmed and capped.
// An empty needle matches the first non-blank line.
func matchLine(content, needle string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(trimmed), needle) {
			continue
		}
		if runes := []rune(trimmed); len(runes) > excerptRunes {
			trimmed = string(runes[:excerptRunes])
		}
		return trimmed, true
	}
	return "", false
}

// safeSegment maps a record kind or ID to a safe path segment.
func safeSegment(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, name)
	mapped = strings.Trim(mapped, "-.")
	if mapped == "" {
		return "note"
	}
	return mapped
}
