package config

// Merge semantics for layered configuration trees. Mappings deep-merge with
// the higher layer winning on scalars. Sequences replace by default; two
// in-file operators switch a sequence to merge mode:
//
//   - a leading "+" sentinel appends the remaining entries to the lower
//     layer's sequence
//   - an entry {path: <p>, enabled: false} removes the lower-layer entry
//     matching <p> instead of replacing the whole sequence

// mergeTrees merges src over dst and returns the result. Neither input is
// mutated; shared subtrees are copied before modification.
func mergeTrees(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		existing, ok := out[k]
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		out[k] = mergeValues(existing, v)
	}
	return out
}

func mergeValues(dst, src any) any {
	dstMap, dstIsMap := asStringMap(dst)
	srcMap, srcIsMap := asStringMap(src)
	if dstIsMap && srcIsMap {
		return mergeTrees(dstMap, srcMap)
	}

	srcList, srcIsList := src.([]any)
	if srcIsList {
		dstList, _ := dst.([]any)
		return mergeSequences(dstList, srcList)
	}

	return cloneValue(src)
}

// mergeSequences applies the sequence operators. Without an operator the
// incoming sequence replaces the existing one.
func mergeSequences(dst, src []any) []any {
	appendMode := false
	items := src
	if len(src) > 0 {
		if s, ok := src[0].(string); ok && s == "+" {
			appendMode = true
			items = src[1:]
		}
	}

	var disables []string
	var additions []any
	for _, item := range items {
		if path, ok := disableEntry(item); ok {
			disables = append(disables, path)
			continue
		}
		additions = append(additions, item)
	}

	mergeMode := appendMode || len(disables) > 0
	if !mergeMode {
		return cloneSlice(src)
	}

	var out []any
	for _, existing := range dst {
		if matchesAny(existing, disables) {
			continue
		}
		out = append(out, cloneValue(existing))
	}
	for _, add := range additions {
		if containsEntry(out, add) {
			continue
		}
		out = append(out, cloneValue(add))
	}
	return out
}

// disableEntry recognizes {path: <p>, enabled: false}.
func disableEntry(item any) (string, bool) {
	m, ok := asStringMap(item)
	if !ok {
		return "", false
	}
	enabled, has := m["enabled"]
	if !has {
		return "", false
	}
	if b, ok := enabled.(bool); !ok || b {
		return "", false
	}
	path, _ := m["path"].(string)
	if path == "" {
		return "", false
	}
	return path, true
}

// matchesAny reports whether the entry is named by one of the disable
// paths: a string entry matches by equality, a map entry by its "path" key.
func matchesAny(entry any, paths []string) bool {
	var entryPath string
	switch v := entry.(type) {
	case string:
		entryPath = v
	default:
		if m, ok := asStringMap(entry); ok {
			entryPath, _ = m["path"].(string)
		}
	}
	if entryPath == "" {
		return false
	}
	for _, p := range paths {
		if p == entryPath {
			return true
		}
	}
	return false
}

func containsEntry(list []any, item any) bool {
	itemStr, isStr := item.(string)
	if !isStr {
		return false
	}
	for _, existing := range list {
		if s, ok := existing.(string); ok && s == itemStr {
			return true
		}
	}
	return false
}

// asStringMap normalizes the two map shapes yaml.v3 produces.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case map[any]any:
		m, _ := asStringMap(val)
		return cloneValue(m)
	case []any:
		return cloneSlice(val)
	default:
		return v
	}
}

func cloneSlice(list []any) []any {
	out := make([]any, len(list))
	for i, item := range list {
		out[i] = cloneValue(item)
	}
	return out
}
