// Package gitstate reads repository state for evidence freshness checks.
// A Fingerprint captures HEAD plus a hash of the uncommitted diff, which is
// enough to decide whether captured evidence still describes the working
// tree. All reads shell out to the git binary in the repository root.
package gitstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ErrNotRepository indicates the configured root is not inside a git
// work tree.
var ErrNotRepository = errors.New("not a git repository")

// Fingerprint identifies the exact content state of a repository. Two
// fingerprints are equal only when both HEAD and the uncommitted changes
// match, so evidence captured at one fingerprint is stale at any other.
type Fingerprint struct {
	// Head is the full commit hash of HEAD.
	Head string `json:"head"`
	// DiffHash is the sha256 of the canonical uncommitted diff against
	// HEAD, empty when the tree is clean.
	DiffHash string `json:"diffHash,omitempty"`
	// Dirty reports whether the working tree has any uncommitted or
	// untracked changes.
	Dirty bool `json:"dirty"`
}

// Equal reports whether two fingerprints describe the same content state.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Head == other.Head && f.DiffHash == other.DiffHash && f.Dirty == other.Dirty
}

// String renders a short human-readable form for logs.
func (f Fingerprint) String() string {
	head := f.Head
	if len(head) > 12 {
		head = head[:12]
	}
	if !f.Dirty {
		return head
	}
	diff := f.DiffHash
	if len(diff) > 12 {
		diff = diff[:12]
	}
	return head + "+" + diff
}

// Repo reads state from a git repository rooted at a fixed directory.
type Repo struct {
	root string
}

// New returns a Repo reading from root. The directory is not validated
// until the first operation.
func New(root string) *Repo {
	return &Repo{root: root}
}

// Root returns the configured repository root.
func (r *Repo) Root() string { return r.root }

// IsRepo reports whether the root is inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = r.root
	return cmd.Run() == nil
}

// Head returns the full commit hash of HEAD. A repository with no commits
// yields an error.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Branch returns the current branch name, or the literal "HEAD" when
// detached.
func (r *Repo) Branch(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Fingerprint captures the current content state. The diff hash covers a
// canonical `git diff HEAD` so the same edits always produce the same
// fingerprint regardless of environment diff settings.
func (r *Repo) Fingerprint(ctx context.Context) (Fingerprint, error) {
	if !r.IsRepo(ctx) {
		return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotRepository, r.root)
	}

	head, err := r.Head(ctx)
	if err != nil {
		return Fingerprint{}, err
	}

	status, err := r.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read status: %w", err)
	}
	fp := Fingerprint{Head: head, Dirty: strings.TrimSpace(status) != ""}
	if !fp.Dirty {
		return fp, nil
	}

	diff, err := r.runGit(ctx, "diff", "HEAD", "--no-color", "--src-prefix=a/", "--dst-prefix=b/")
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read diff: %w", err)
	}
	// Untracked files never appear in the diff, so fold their paths into
	// the hash to keep added-but-unstaged files from going unnoticed.
	untracked, err := r.untrackedFiles(ctx)
	if err != nil {
		return Fingerprint{}, err
	}
	h := sha256.New()
	h.Write([]byte(diff))
	for _, path := range untracked {
		h.Write([]byte("untracked:" + path + "\n"))
	}
	fp.DiffHash = hex.EncodeToString(h.Sum(nil))
	return fp, nil
}

// ChangedFiles returns repository-relative paths changed since base,
// including untracked files. An empty base defaults to HEAD. The result is
// sorted and de-duplicated.
func (r *Repo) ChangedFiles(ctx context.Context, base string) ([]string, error) {
	if base == "" {
		base = "HEAD"
	}
	out, err := r.runGit(ctx, "diff", "--name-only", base)
	if err != nil {
		return nil, fmt.Errorf("diff against %s: %w", base, err)
	}
	untracked, err := r.untrackedFiles(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	for _, line := range untracked {
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Repo) untrackedFiles(ctx context.Context) ([]string, error) {
	out, err := r.runGit(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

// AddWorktree creates a worktree at path on a new branch. An existing
// branch of the same name is reused.
func (r *Repo) AddWorktree(ctx context.Context, path, branch string) error {
	args := []string{"worktree", "add"}
	if branch != "" {
		if r.branchExists(ctx, branch) {
			args = append(args, path, branch)
		} else {
			args = append(args, "-b", branch, path)
		}
	} else {
		args = append(args, path)
	}
	if _, err := r.runGit(ctx, args...); err != nil {
		return fmt.Errorf("add worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree removes a worktree. Force discards uncommitted changes in
// the worktree.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := r.runGit(ctx, args...); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

func (r *Repo) branchExists(ctx context.Context, name string) bool {
	_, err := r.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// runGit executes a git command in the repository root.
func (r *Repo) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}
