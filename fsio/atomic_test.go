package fsio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")

	if err := WriteFileAtomic(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want %q", data, "hello")
	}

	// Overwrite must replace content and leave no temp files behind.
	if err := WriteFileAtomic(path, []byte("world"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "world" {
		t.Errorf("content after overwrite = %q, want %q", data, "world")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	in := record{Name: "alpha", Count: 3}
	if err := WriteJSON(path, in); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var out record
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("JSON file missing trailing newline")
	}
}

func TestWriteReadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.yaml")

	in := map[string]any{"task": map[string]any{"defaultType": "feature"}}
	if err := WriteYAML(path, in); err != nil {
		t.Fatalf("WriteYAML() error = %v", err)
	}

	var out map[string]any
	if err := ReadYAML(path, &out); err != nil {
		t.Fatalf("ReadYAML() error = %v", err)
	}
	task, ok := out["task"].(map[string]any)
	if !ok || task["defaultType"] != "feature" {
		t.Errorf("round trip = %#v", out)
	}
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.txt")
	empty := filepath.Join(dir, "empty.txt")

	if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"FileExists full", FileExists(full), true},
		{"FileExists missing", FileExists(filepath.Join(dir, "nope")), false},
		{"FileExists dir", FileExists(dir), false},
		{"DirExists", DirExists(dir), true},
		{"FileNonEmpty full", FileNonEmpty(full), true},
		{"FileNonEmpty empty", FileNonEmpty(empty), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}
