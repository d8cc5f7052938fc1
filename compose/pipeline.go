package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/edisonhq/edison/errdefs"
)

// maxIncludeDepth bounds include nesting; crossing it means a cycle.
const maxIncludeDepth = 16

var (
	includeRe        = regexp.MustCompile(`\{\{include:([^}]+)\}\}`)
	includeSectionRe = regexp.MustCompile(`\{\{include-section:([^#}]+)#([^}]+)\}\}`)
	includeIfRe      = regexp.MustCompile(`\{\{include-if:([^}]+)\}\}`)
	fnRe             = regexp.MustCompile(`\{\{fn:([A-Za-z0-9_-]+)((?:\s+[^}]*)?)\}\}`)
	varRe            = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_.]*)\}\}`)
	thisFieldRe      = regexp.MustCompile(`\{\{this\.([A-Za-z0-9_.]+)\}\}`)
	referenceRe      = regexp.MustCompile(`\{\{reference-section:([^#}]+)#([^|}]+)(?:\|([^}]*))?\}\}`)
	residualRe       = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// Func is a built-in template function: raw string arguments in, rendered
// text out.
type Func func(args []string) (string, error)

// pipeline runs stages two through eight of the template transformation on
// one merged document.
type pipeline struct {
	entity  string
	resolve func(path string) (string, bool)
	lookup  func(path string) (any, bool)
	env     *exprEnv
	vars    map[string]string
	fns     map[string]Func
}

func (p *pipeline) run(content string) (string, error) {
	out, err := p.expandIncludes(content, nil)
	if err != nil {
		return "", err
	}
	if out, err = p.applyConditionals(out); err != nil {
		return "", err
	}
	if out, err = p.expandLoops(out); err != nil {
		return "", err
	}
	if out, err = p.applyFunctions(out); err != nil {
		return "", err
	}
	if out, err = p.substituteVars(out); err != nil {
		return "", err
	}
	out = resolveReferences(out)
	return p.validate(out)
}

// expandIncludes inlines {{include:path}} and {{include-section:path#name}}
// markers, recursively, with the include stack guarding against cycles.
func (p *pipeline) expandIncludes(content string, stack []string) (string, error) {
	if len(stack) > maxIncludeDepth {
		return "", p.fatal("include depth exceeded: %s", strings.Join(stack, " -> "))
	}

	var firstErr error
	out := includeSectionRe.ReplaceAllStringFunc(content, func(marker string) string {
		if firstErr != nil {
			return marker
		}
		m := includeSectionRe.FindStringSubmatch(marker)
		path, name := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		body, err := p.includeSection(path, name, stack)
		if err != nil {
			firstErr = err
			return marker
		}
		return body
	})
	if firstErr != nil {
		return "", firstErr
	}

	out = includeRe.ReplaceAllStringFunc(out, func(marker string) string {
		if firstErr != nil {
			return marker
		}
		path := strings.TrimSpace(includeRe.FindStringSubmatch(marker)[1])
		body, err := p.include(path, stack)
		if err != nil {
			firstErr = err
			return marker
		}
		return body
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (p *pipeline) include(path string, stack []string) (string, error) {
	for _, seen := range stack {
		if seen == path {
			return "", p.fatal("include cycle: %s -> %s", strings.Join(stack, " -> "), path)
		}
	}
	content, ok := p.resolve(path)
	if !ok {
		return "", p.fatal("include target not found in any layer: %s", path)
	}
	return p.expandIncludes(content, append(stack, path))
}

func (p *pipeline) includeSection(path, name string, stack []string) (string, error) {
	content, err := p.include(path, stack)
	if err != nil {
		return "", err
	}
	doc, err := parseDocument(path, content)
	if err != nil {
		return "", err
	}
	body, ok := doc.section(name)
	if !ok {
		return "", p.fatal("include-section: %s has no section %q", path, name)
	}
	return body, nil
}

// applyConditionals resolves {{if:expr}}...{{else}}...{{/if}} blocks and
// {{include-if:expr:path}} markers, repeating until the document settles
// because conditionally included content may itself carry conditionals.
func (p *pipeline) applyConditionals(content string) (string, error) {
	for pass := 0; pass <= maxIncludeDepth; pass++ {
		expanded, err := p.expandIfs(content)
		if err != nil {
			return "", err
		}
		expanded, err = p.expandIncludeIfs(expanded)
		if err != nil {
			return "", err
		}
		if expanded == content {
			return content, nil
		}
		content = expanded
	}
	return "", p.fatal("conditional expansion did not settle")
}

func (p *pipeline) expandIfs(content string) (string, error) {
	const (
		openPrefix = "{{if:"
		elseToken  = "{{else}}"
		closeToken = "{{/if}}"
	)
	for {
		open := strings.Index(content, openPrefix)
		if open < 0 {
			return content, nil
		}
		tagEnd := strings.Index(content[open:], "}}")
		if tagEnd < 0 {
			return "", p.fatal("unterminated {{if:}} tag")
		}
		expr := content[open+len(openPrefix) : open+tagEnd]
		bodyStart := open + tagEnd + 2

		depth := 1
		elseAt := -1
		pos := bodyStart
		bodyEnd := -1
		for bodyEnd < 0 {
			nextOpen := strings.Index(content[pos:], openPrefix)
			nextElse := strings.Index(content[pos:], elseToken)
			nextClose := strings.Index(content[pos:], closeToken)
			if nextClose < 0 {
				return "", p.fatal("missing {{/if}} for condition %q", expr)
			}
			switch {
			case nextOpen >= 0 && nextOpen < nextClose && (nextElse < 0 || nextOpen < nextElse):
				depth++
				pos += nextOpen + len(openPrefix)
			case nextElse >= 0 && nextElse < nextClose:
				if depth == 1 && elseAt < 0 {
					elseAt = pos + nextElse
				}
				pos += nextElse + len(elseToken)
			default:
				depth--
				if depth == 0 {
					bodyEnd = pos + nextClose
				} else {
					pos += nextClose + len(closeToken)
				}
			}
		}

		cond, err := evalExpr(expr, p.env)
		if err != nil {
			return "", p.fatal("%v", err)
		}
		var chosen string
		if elseAt >= 0 {
			if cond {
				chosen = content[bodyStart:elseAt]
			} else {
				chosen = content[elseAt+len(elseToken) : bodyEnd]
			}
		} else if cond {
			chosen = content[bodyStart:bodyEnd]
		}
		content = content[:open] + chosen + content[bodyEnd+len(closeToken):]
	}
}

func (p *pipeline) expandIncludeIfs(content string) (string, error) {
	var firstErr error
	out := includeIfRe.ReplaceAllStringFunc(content, func(marker string) string {
		if firstErr != nil {
			return marker
		}
		inner := includeIfRe.FindStringSubmatch(marker)[1]
		cut := strings.LastIndex(inner, ":")
		if cut < 0 {
			firstErr = p.fatal("malformed include-if marker: %s", marker)
			return marker
		}
		expr, path := inner[:cut], strings.TrimSpace(inner[cut+1:])
		cond, err := evalExpr(expr, p.env)
		if err != nil {
			firstErr = p.fatal("%v", err)
			return marker
		}
		if !cond {
			return ""
		}
		body, err := p.include(path, nil)
		if err != nil {
			firstErr = err
			return marker
		}
		return body
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// expandLoops renders {{#each key}}...{{/each}} blocks over list values
// from the configuration tree. Inner loops render before the outer loop
// substitutes its item, so a nested loop's this shadows the outer one.
func (p *pipeline) expandLoops(content string) (string, error) {
	const (
		openPrefix = "{{#each "
		closeToken = "{{/each}}"
	)
	for {
		open := strings.Index(content, openPrefix)
		if open < 0 {
			return content, nil
		}
		tagEnd := strings.Index(content[open:], "}}")
		if tagEnd < 0 {
			return "", p.fatal("unterminated {{#each}} tag")
		}
		key := strings.TrimSpace(content[open+len(openPrefix) : open+tagEnd])
		bodyStart := open + tagEnd + 2

		depth := 1
		pos := bodyStart
		bodyEnd := -1
		for bodyEnd < 0 {
			nextOpen := strings.Index(content[pos:], openPrefix)
			nextClose := strings.Index(content[pos:], closeToken)
			if nextClose < 0 {
				return "", p.fatal("missing {{/each}} for %q", key)
			}
			if nextOpen >= 0 && nextOpen < nextClose {
				depth++
				pos += nextOpen + len(openPrefix)
				continue
			}
			depth--
			if depth == 0 {
				bodyEnd = pos + nextClose
			} else {
				pos += nextClose + len(closeToken)
			}
		}
		body := content[bodyStart:bodyEnd]

		raw, ok := p.lookup(key)
		if !ok {
			return "", p.fatal("each target %q is not configured", key)
		}
		items, ok := raw.([]any)
		if !ok {
			return "", p.fatal("each target %q is not a list", key)
		}

		var rendered strings.Builder
		for i, item := range items {
			iter, err := p.expandLoops(body)
			if err != nil {
				return "", err
			}
			iter = substituteItem(iter, item, i, i == len(items)-1)
			rendered.WriteString(iter)
		}
		content = content[:open] + rendered.String() + content[bodyEnd+len(closeToken):]
	}
}

// substituteItem replaces the loop placeholders for one iteration.
func substituteItem(body string, item any, index int, last bool) string {
	body = thisFieldRe.ReplaceAllStringFunc(body, func(marker string) string {
		path := thisFieldRe.FindStringSubmatch(marker)[1]
		val, ok := lookupIn(item, path)
		if !ok {
			return ""
		}
		return scalarString(val)
	})
	body = strings.ReplaceAll(body, "{{this}}", scalarString(item))
	body = strings.ReplaceAll(body, "{{@index}}", strconv.Itoa(index))
	body = strings.ReplaceAll(body, "{{@last}}", strconv.FormatBool(last))
	return body
}

func lookupIn(item any, path string) (any, bool) {
	node := item
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// applyFunctions evaluates {{fn:name args...}} markers against the closed
// built-in set plus any compiled-in extensions.
func (p *pipeline) applyFunctions(content string) (string, error) {
	var firstErr error
	out := fnRe.ReplaceAllStringFunc(content, func(marker string) string {
		if firstErr != nil {
			return marker
		}
		m := fnRe.FindStringSubmatch(marker)
		name := m[1]
		args := strings.Fields(m[2])
		fn, ok := p.fns[name]
		if !ok {
			firstErr = p.fatal("unknown template function %q", name)
			return marker
		}
		result, err := fn(args)
		if err != nil {
			firstErr = p.fatal("template function %q: %v", name, err)
			return marker
		}
		return result
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// substituteVars resolves built-in variables, project.name, and config.*
// paths. Unknown markers are left in place for the validation stage to
// reject, so typos surface with the exact marker text.
func (p *pipeline) substituteVars(content string) (string, error) {
	var firstErr error
	out := varRe.ReplaceAllStringFunc(content, func(marker string) string {
		if firstErr != nil {
			return marker
		}
		name := varRe.FindStringSubmatch(marker)[1]
		if val, ok := p.vars[name]; ok {
			return val
		}
		if strings.HasPrefix(name, "config.") {
			raw, ok := p.lookup(strings.TrimPrefix(name, "config."))
			if !ok {
				return marker
			}
			switch raw.(type) {
			case map[string]any, []any:
				firstErr = p.fatal("variable %s is not a scalar", name)
				return marker
			}
			return scalarString(raw)
		}
		return marker
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveReferences turns reference-section markers into on-demand
// pointers without embedding the target content.
func resolveReferences(content string) string {
	return referenceRe.ReplaceAllStringFunc(content, func(marker string) string {
		m := referenceRe.FindStringSubmatch(marker)
		path, name, purpose := strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
		ref := "See `" + path + "#" + name + "`"
		if purpose != "" {
			ref += " for " + purpose
		}
		return ref + "."
	})
}

// validate strips surviving section markers and rejects any remaining
// template marker.
func (p *pipeline) validate(content string) (string, error) {
	content = stripMarkers(content)
	if residual := residualRe.FindString(content); residual != "" {
		return "", p.fatal("unresolved template marker %s", residual)
	}
	return content, nil
}

func (p *pipeline) fatal(format string, args ...any) error {
	return &errdefs.ConfigError{
		Source: p.entity,
		Detail: fmt.Sprintf(format, args...),
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// builtinFuncs is the curated template function set. Functions receive raw
// whitespace-split arguments and operate on their joined text.
func builtinFuncs() map[string]Func {
	join := func(args []string) string { return strings.Join(args, " ") }
	return map[string]Func{
		"upper": func(args []string) (string, error) { return strings.ToUpper(join(args)), nil },
		"lower": func(args []string) (string, error) { return strings.ToLower(join(args)), nil },
		"trim":  func(args []string) (string, error) { return strings.TrimSpace(join(args)), nil },
		"title": func(args []string) (string, error) {
			words := strings.Fields(strings.ToLower(join(args)))
			for i, w := range words {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
			return strings.Join(words, " "), nil
		},
		"kebab": func(args []string) (string, error) {
			return strings.ToLower(strings.Join(args, "-")), nil
		},
		"snake": func(args []string) (string, error) {
			return strings.ToLower(strings.Join(args, "_")), nil
		},
	}
}
