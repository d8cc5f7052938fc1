package entity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Identifier errors.
var (
	ErrInvalidID   = errors.New("invalid identifier")
	ErrInvalidSlug = errors.New("invalid slug")
)

// idPattern accepts generated IDs (P1-add-login, P2.1-fix-timeout) and
// caller-supplied IDs (T-001). Identifiers become file names, so the
// character set is restricted and path traversal is impossible by
// construction.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// slugPattern matches lowercase alphanumeric slugs with single hyphens,
// between 1 and 50 characters.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,48}[a-z0-9])?$`)

// ValidateID checks that id is safe to use as a file name component.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidID, id)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateSlug checks slug format: lowercase alphanumerics and single
// hyphens, no leading or trailing hyphen.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSlug)
	}
	if strings.Contains(slug, "..") || strings.ContainsAny(slug, "/\\") {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidSlug, slug)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q (use lowercase letters, digits, and hyphens)", ErrInvalidSlug, slug)
	}
	return nil
}

// Slugify converts text to a slug suitable for identifiers: lowercase,
// alphanumerics kept, runs of anything else collapsed to single hyphens.
func Slugify(text string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > 50 {
		slug = strings.TrimRight(slug[:50], "-")
	}
	return slug
}

// NewTaskID generates a task identifier from a priority slot, an optional
// wave, and a title: P<slot>-<slug> or P<slot>.<wave>-<slug>.
func NewTaskID(priority, wave int, title string) (string, error) {
	if priority < 1 {
		return "", fmt.Errorf("%w: priority slot must be >= 1", ErrInvalidID)
	}
	slug := Slugify(title)
	if err := ValidateSlug(slug); err != nil {
		return "", fmt.Errorf("derive slug from title %q: %w", title, err)
	}
	if wave > 0 {
		return fmt.Sprintf("P%d.%d-%s", priority, wave, slug), nil
	}
	return fmt.Sprintf("P%d-%s", priority, slug), nil
}

// NewSessionID generates a session identifier: S- plus the first eight hex
// characters of a random UUID.
func NewSessionID() string {
	return "S-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewProcessID generates a tracking identifier for validator processes and
// event records.
func NewProcessID() string {
	return uuid.NewString()
}
