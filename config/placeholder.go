package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edisonhq/edison/errdefs"
)

// Built-in placeholder names resolvable in configuration string values.
const (
	PlaceholderProjectRoot      = "PROJECT_ROOT"
	PlaceholderProjectName      = "PROJECT_NAME"
	PlaceholderProjectConfigDir = "PROJECT_CONFIG_DIR"
	PlaceholderEdisonDir        = "PROJECT_EDISON_DIR"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Z][A-Z0-9_]*)\}`)

// resolvePlaceholders expands {NAME} markers in s from vars. Resolution is
// single-pass per placeholder; a placeholder whose expansion leads back to
// itself is a configuration error. Unknown names are left untouched so
// template syntax can flow through config values.
func resolvePlaceholders(s string, vars map[string]string) (string, error) {
	return resolveWithStack(s, vars, nil)
}

func resolveWithStack(s string, vars map[string]string, stack []string) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		name := s[m[2]:m[3]]

		value, known := vars[name]
		if !known {
			continue
		}

		for _, active := range stack {
			if active == name {
				return "", &errdefs.ConfigError{
					Detail: fmt.Sprintf("placeholder cycle: %s -> %s", strings.Join(stack, " -> "), name),
				}
			}
		}

		expanded, err := resolveWithStack(value, vars, append(stack, name))
		if err != nil {
			return "", err
		}

		b.WriteString(s[last:start])
		b.WriteString(expanded)
		last = end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveTree walks a configuration subtree and expands placeholders in
// every string value, returning a new tree.
func resolveTree(v any, vars map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return resolvePlaceholders(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveTree(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case map[any]any:
		m, _ := asStringMap(val)
		return resolveTree(m, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveTree(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
