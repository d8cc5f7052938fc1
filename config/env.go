package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/edisonhq/edison/errdefs"
)

// EnvPrefix marks environment variables that override configuration.
const EnvPrefix = "EDISON_"

// envPathSeparator separates path segments in override names:
// EDISON_session__recovery__timeoutHours -> session.recovery.timeoutHours.
const envPathSeparator = "__"

// appendSegment is the trailing segment that appends to a sequence.
const appendSegment = "APPEND"

// reservedEnv are EDISON_ variables carrying workflow context, not
// configuration.
var reservedEnv = map[string]bool{
	"EDISON_SESSION_ID": true,
}

// applyEnvOverrides merges EDISON_* variables over tree. Overrides apply
// in sorted-name order so index and append operations on the same path are
// deterministic.
func applyEnvOverrides(tree map[string]any, environ []string) (map[string]any, error) {
	out, _ := asStringMap(cloneValue(tree))

	names := make([]string, 0, len(environ))
	values := make(map[string]string, len(environ))
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(name, EnvPrefix) || reservedEnv[name] {
			continue
		}
		names = append(names, name)
		values[name] = value
	}
	sort.Strings(names)

	for _, name := range names {
		if err := applyOneOverride(out, name, values[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOneOverride(tree map[string]any, name, raw string) error {
	pathSpec := strings.TrimPrefix(name, EnvPrefix)
	segments := strings.Split(pathSpec, envPathSeparator)
	if len(segments) == 0 || segments[0] == "" {
		return &errdefs.ConfigError{Source: name, Detail: "empty override path"}
	}

	value := parseEnvValue(raw)

	last := segments[len(segments)-1]
	switch {
	case last == appendSegment:
		if len(segments) < 2 {
			return &errdefs.ConfigError{Source: name, Detail: "__APPEND requires a path"}
		}
		return applyAppend(tree, segments[:len(segments)-1], value, name)
	case isIndexSegment(last):
		if len(segments) < 2 {
			return &errdefs.ConfigError{Source: name, Detail: "index override requires a path"}
		}
		idx, _ := strconv.Atoi(last)
		return applyIndex(tree, segments[:len(segments)-1], idx, value, name)
	default:
		return applySet(tree, segments, value)
	}
}

// applySet walks the path, creating mappings as needed, and sets the leaf.
func applySet(tree map[string]any, path []string, value any) error {
	node := tree
	for _, seg := range path[:len(path)-1] {
		child, ok := asStringMap(node[seg])
		if !ok {
			child = make(map[string]any)
		}
		node[seg] = child
		node = child
	}
	node[path[len(path)-1]] = value
	return nil
}

// applyAppend appends to a sequence-valued path. A missing path becomes a
// new sequence; a mapping at the path is a fatal configuration error.
func applyAppend(tree map[string]any, path []string, value any, source string) error {
	parent, key, err := walkToParent(tree, path)
	if err != nil {
		return &errdefs.ConfigError{Source: source, Detail: err.Error()}
	}

	current, exists := parent[key]
	if exists {
		if _, isMap := asStringMap(current); isMap {
			return &errdefs.ConfigError{
				Source: source,
				Detail: fmt.Sprintf("__APPEND on mapping-valued path %q", strings.Join(path, ".")),
			}
		}
	}

	list, _ := current.([]any)
	if items, ok := value.([]any); ok {
		list = append(list, items...)
	} else {
		list = append(list, value)
	}
	parent[key] = list
	return nil
}

// applyIndex replaces one element of a sequence-valued path.
func applyIndex(tree map[string]any, path []string, idx int, value any, source string) error {
	parent, key, err := walkToParent(tree, path)
	if err != nil {
		return &errdefs.ConfigError{Source: source, Detail: err.Error()}
	}

	list, ok := parent[key].([]any)
	if !ok {
		return &errdefs.ConfigError{
			Source: source,
			Detail: fmt.Sprintf("index override on non-sequence path %q", strings.Join(path, ".")),
		}
	}
	if idx < 0 || idx >= len(list) {
		return &errdefs.ConfigError{
			Source: source,
			Detail: fmt.Sprintf("index %d out of range for %q (len %d)", idx, strings.Join(path, "."), len(list)),
		}
	}
	list[idx] = value
	return nil
}

func walkToParent(tree map[string]any, path []string) (map[string]any, string, error) {
	node := tree
	for _, seg := range path[:len(path)-1] {
		child, ok := asStringMap(node[seg])
		if !ok {
			if _, exists := node[seg]; exists {
				return nil, "", fmt.Errorf("path segment %q is not a mapping", seg)
			}
			child = make(map[string]any)
		}
		node[seg] = child
		node = child
	}
	return node, path[len(path)-1], nil
}

func isIndexSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseEnvValue interprets an override value: JSON first, then bare
// booleans and numbers, else the raw string.
func parseEnvValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return normalizeJSON(parsed)
	}

	switch strings.ToLower(trimmed) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.Atoi(trimmed); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return raw
}

// normalizeJSON converts json.Unmarshal output to the tree's conventions:
// whole-valued float64 becomes int.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return int(val)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeJSON(item)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeJSON(item)
		}
		return val
	default:
		return v
	}
}
