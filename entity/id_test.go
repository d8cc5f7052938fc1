package entity

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"generated", "P1-add-login", false},
		{"generated with wave", "P2.1-fix-timeout", false},
		{"caller supplied", "T-001", false},
		{"single letter", "T-A", false},
		{"empty", "", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"leading dot", ".hidden", true},
		{"spaces", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidID) {
				t.Errorf("ValidateID(%q) error = %v, want ErrInvalidID", tt.id, err)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Add Login Endpoint", "add-login-endpoint"},
		{"  spaces  everywhere  ", "spaces-everywhere"},
		{"CamelCase123", "camelcase123"},
		{"symbols!@#here", "symbols-here"},
		{"-leading-and-trailing-", "leading-and-trailing"},
		{strings.Repeat("long ", 30), "long-long-long-long-long-long-long-long-long-long"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewTaskID(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		wave     int
		title    string
		want     string
		wantErr  bool
	}{
		{"basic", 1, 0, "Add login", "P1-add-login", false},
		{"with wave", 2, 1, "Fix timeout", "P2.1-fix-timeout", false},
		{"zero priority", 0, 0, "x", "", true},
		{"untitled", 1, 0, "!!!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTaskID(tt.priority, tt.wave, tt.title)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTaskID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NewTaskID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewSessionID()
		if !strings.HasPrefix(id, "S-") || len(id) != 10 {
			t.Fatalf("NewSessionID() = %q, want S- plus 8 hex chars", id)
		}
		if err := ValidateID(id); err != nil {
			t.Fatalf("generated session id invalid: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}
