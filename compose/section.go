package compose

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edisonhq/edison/errdefs"
)

// Section and extension markers are HTML comments so source files stay
// renderable markdown.
var (
	sectionOpenRe  = regexp.MustCompile(`^<!--\s*SECTION:\s*([A-Za-z0-9_.-]+)\s*-->\s*$`)
	sectionCloseRe = regexp.MustCompile(`^<!--\s*/SECTION:\s*([A-Za-z0-9_.-]+)\s*-->\s*$`)
	extendOpenRe   = regexp.MustCompile(`^<!--\s*EXTEND:\s*([A-Za-z0-9_.-]+)\s*-->\s*$`)
	extendCloseRe  = regexp.MustCompile(`^<!--\s*/EXTEND\s*-->\s*$`)
)

// segment is one piece of a parsed document: loose text between markers or
// a named section with its body.
type segment struct {
	name  string // empty for loose text
	lines []string
}

// document is an ordered segment list preserving the source layout.
type document struct {
	segments []segment
}

// overlay is the merge-relevant content of a higher-precedence file:
// whole-section replacements and extensions, in source order.
type overlay struct {
	sections   []segment
	extensions []segment
}

// parseDocument splits content into loose text and named sections. Nesting
// and mismatched close markers are malformed.
func parseDocument(source, content string) (*document, error) {
	doc := &document{}
	var loose []string
	var current *segment

	flushLoose := func() {
		if len(loose) > 0 {
			doc.segments = append(doc.segments, segment{lines: loose})
			loose = nil
		}
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case sectionOpenRe.MatchString(line):
			if current != nil {
				return nil, malformed(source, "nested SECTION marker inside %q", current.name)
			}
			flushLoose()
			name := sectionOpenRe.FindStringSubmatch(line)[1]
			current = &segment{name: name}
		case sectionCloseRe.MatchString(line):
			name := sectionCloseRe.FindStringSubmatch(line)[1]
			if current == nil {
				return nil, malformed(source, "close marker for %q without an open section", name)
			}
			if current.name != name {
				return nil, malformed(source, "section %q closed as %q", current.name, name)
			}
			doc.segments = append(doc.segments, *current)
			current = nil
		case current != nil:
			current.lines = append(current.lines, line)
		default:
			loose = append(loose, line)
		}
	}
	if current != nil {
		return nil, malformed(source, "section %q is never closed", current.name)
	}
	flushLoose()
	return doc, nil
}

// parseOverlay extracts SECTION and EXTEND blocks from an overlay file.
// Loose text outside any block carries no merge semantics and is dropped
// with a warning by the caller.
func parseOverlay(source, content string) (*overlay, bool, error) {
	ov := &overlay{}
	var current *segment
	var inExtend bool
	var loose bool

	for _, line := range strings.Split(content, "\n") {
		switch {
		case sectionOpenRe.MatchString(line):
			if current != nil {
				return nil, false, malformed(source, "nested block markers")
			}
			current = &segment{name: sectionOpenRe.FindStringSubmatch(line)[1]}
			inExtend = false
		case extendOpenRe.MatchString(line):
			if current != nil {
				return nil, false, malformed(source, "nested block markers")
			}
			current = &segment{name: extendOpenRe.FindStringSubmatch(line)[1]}
			inExtend = true
		case sectionCloseRe.MatchString(line):
			if current == nil || inExtend {
				return nil, false, malformed(source, "unmatched section close marker")
			}
			if name := sectionCloseRe.FindStringSubmatch(line)[1]; name != current.name {
				return nil, false, malformed(source, "section %q closed as %q", current.name, name)
			}
			ov.sections = append(ov.sections, *current)
			current = nil
		case extendCloseRe.MatchString(line):
			if current == nil || !inExtend {
				return nil, false, malformed(source, "unmatched extend close marker")
			}
			ov.extensions = append(ov.extensions, *current)
			current = nil
		case current != nil:
			current.lines = append(current.lines, line)
		default:
			if strings.TrimSpace(line) != "" {
				loose = true
			}
		}
	}
	if current != nil {
		return nil, false, malformed(source, "block %q is never closed", current.name)
	}
	return ov, loose, nil
}

// apply folds an overlay into the document: same-named sections are
// replaced wholesale, unknown sections are appended, extensions append to
// the named section's body. Extending a section the document does not have
// is a configuration error, not a silent append.
func (d *document) apply(source string, ov *overlay) error {
	for _, sec := range ov.sections {
		if existing := d.find(sec.name); existing != nil {
			existing.lines = sec.lines
			continue
		}
		d.segments = append(d.segments, sec)
	}
	for _, ext := range ov.extensions {
		existing := d.find(ext.name)
		if existing == nil {
			return &errdefs.ConfigError{
				Source: source,
				Detail: fmt.Sprintf("EXTEND targets unknown section %q", ext.name),
			}
		}
		existing.lines = append(trimTrailingBlank(existing.lines), ext.lines...)
	}
	return nil
}

func (d *document) find(name string) *segment {
	for i := range d.segments {
		if d.segments[i].name == name {
			return &d.segments[i]
		}
	}
	return nil
}

// section returns the body of a named section for include-section lookups.
func (d *document) section(name string) (string, bool) {
	seg := d.find(name)
	if seg == nil {
		return "", false
	}
	return strings.Join(seg.lines, "\n"), true
}

// render reassembles the document with its markers intact; the pipeline's
// validation stage strips them from the final output.
func (d *document) render() string {
	var b strings.Builder
	for i, seg := range d.segments {
		if i > 0 {
			b.WriteString("\n")
		}
		if seg.name == "" {
			b.WriteString(strings.Join(seg.lines, "\n"))
			continue
		}
		b.WriteString("<!-- SECTION: " + seg.name + " -->\n")
		b.WriteString(strings.Join(seg.lines, "\n"))
		b.WriteString("\n<!-- /SECTION: " + seg.name + " -->")
	}
	return b.String()
}

// stripMarkers removes section and extend marker lines, keeping bodies.
func stripMarkers(content string) string {
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if sectionOpenRe.MatchString(line) || sectionCloseRe.MatchString(line) ||
			extendOpenRe.MatchString(line) || extendCloseRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func malformed(source, format string, args ...any) error {
	return &errdefs.ConfigError{Source: source, Detail: fmt.Sprintf(format, args...)}
}
