package compose

// mergeJSON deep-merges overlay into base. Objects merge key-wise with
// overlay winning on conflicts. Arrays of objects merge element-wise by an
// identifier key (id, then name) when every element on both sides carries
// one; any other array is replaced by the overlay. Scalars take the
// overlay value.
func mergeJSON(base, overlay any) any {
	switch b := base.(type) {
	case map[string]any:
		o, ok := overlay.(map[string]any)
		if !ok {
			return overlay
		}
		merged := make(map[string]any, len(b)+len(o))
		for k, v := range b {
			merged[k] = v
		}
		for k, v := range o {
			if existing, ok := merged[k]; ok {
				merged[k] = mergeJSON(existing, v)
			} else {
				merged[k] = v
			}
		}
		return merged
	case []any:
		o, ok := overlay.([]any)
		if !ok {
			return overlay
		}
		key := arrayIdentifier(b, o)
		if key == "" {
			return o
		}
		return mergeByIdentifier(b, o, key)
	default:
		return overlay
	}
}

// arrayIdentifier picks the merge key shared by every element of both
// arrays, preferring id over name. Empty means replace.
func arrayIdentifier(base, overlay []any) string {
	for _, key := range []string{"id", "name"} {
		if allHaveKey(base, key) && allHaveKey(overlay, key) {
			return key
		}
	}
	return ""
}

func allHaveKey(items []any, key string) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m[key]; !ok {
			return false
		}
	}
	return true
}

// mergeByIdentifier keeps base order, deep-merging matching overlay
// elements and appending new ones in overlay order.
func mergeByIdentifier(base, overlay []any, key string) []any {
	overlayByID := make(map[any]map[string]any, len(overlay))
	for _, item := range overlay {
		m := item.(map[string]any)
		overlayByID[m[key]] = m
	}

	merged := make([]any, 0, len(base)+len(overlay))
	seen := make(map[any]bool, len(base))
	for _, item := range base {
		m := item.(map[string]any)
		id := m[key]
		seen[id] = true
		if ov, ok := overlayByID[id]; ok {
			merged = append(merged, mergeJSON(m, ov))
		} else {
			merged = append(merged, m)
		}
	}
	for _, item := range overlay {
		m := item.(map[string]any)
		if !seen[m[key]] {
			merged = append(merged, m)
		}
	}
	return merged
}
