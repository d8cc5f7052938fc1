package compose

import (
	"reflect"
	"testing"
)

func TestMergeJSON(t *testing.T) {
	tests := []struct {
		name    string
		base    any
		overlay any
		want    any
	}{
		{
			name:    "scalar overlay wins",
			base:    "a",
			overlay: "b",
			want:    "b",
		},
		{
			name:    "objects merge keywise",
			base:    map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0}},
			overlay: map[string]any{"b": map[string]any{"y": 2.0}, "c": 3.0},
			want:    map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0, "y": 2.0}, "c": 3.0},
		},
		{
			name:    "arrays of scalars replace",
			base:    []any{"a", "b"},
			overlay: []any{"c"},
			want:    []any{"c"},
		},
		{
			name: "arrays merge by id",
			base: []any{
				map[string]any{"id": "one", "v": 1.0},
				map[string]any{"id": "two", "v": 2.0},
			},
			overlay: []any{
				map[string]any{"id": "two", "v": 20.0},
				map[string]any{"id": "three", "v": 3.0},
			},
			want: []any{
				map[string]any{"id": "one", "v": 1.0},
				map[string]any{"id": "two", "v": 20.0},
				map[string]any{"id": "three", "v": 3.0},
			},
		},
		{
			name: "arrays merge by name when id absent",
			base: []any{
				map[string]any{"name": "alpha", "v": 1.0},
			},
			overlay: []any{
				map[string]any{"name": "alpha", "v": 2.0},
			},
			want: []any{
				map[string]any{"name": "alpha", "v": 2.0},
			},
		},
		{
			name: "mixed arrays replace",
			base: []any{
				map[string]any{"id": "one"},
				"scalar",
			},
			overlay: []any{map[string]any{"id": "two"}},
			want:    []any{map[string]any{"id": "two"}},
		},
		{
			name:    "type mismatch takes overlay",
			base:    map[string]any{"a": 1.0},
			overlay: []any{"x"},
			want:    []any{"x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeJSON(tt.base, tt.overlay)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeJSON = %#v, want %#v", got, tt.want)
			}
		})
	}
}
