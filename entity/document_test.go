package entity

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTaskDocumentRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	task := &Task{
		ID:        "P1-add-login",
		Title:     "Add login endpoint",
		Type:      TaskTypeFeature,
		State:     TaskWIP,
		Priority:  1,
		Tags:      []string{"auth"},
		DependsOn: []string{"P1-schema"},
		Parent:    "P1-auth-epic",
		Metadata: Metadata{
			CreatedAt: created,
			UpdatedAt: created.Add(time.Hour),
			Owner:     "dev-1",
			SessionID: "S-deadbeef",
		},
		History: []HistoryEntry{
			{To: "todo", At: created},
			{From: "todo", To: "wip", At: created.Add(time.Hour)},
		},
		Body: "## Brief\n\nImplement the login endpoint.\n",
	}

	data, err := MarshalTask(task)
	if err != nil {
		t.Fatalf("MarshalTask() error = %v", err)
	}

	got, err := UnmarshalTask(data)
	if err != nil {
		t.Fatalf("UnmarshalTask() error = %v", err)
	}

	if got.ID != task.ID || got.Title != task.Title || got.Type != task.Type {
		t.Errorf("identity fields round trip: got %+v", got)
	}
	if got.State != TaskWIP {
		t.Errorf("State = %q, want wip", got.State)
	}
	if got.SessionID != "S-deadbeef" {
		t.Errorf("SessionID = %q", got.SessionID)
	}
	if len(got.History) != 2 || got.History[1].From != "todo" || got.History[1].To != "wip" {
		t.Errorf("History = %+v", got.History)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.Body != task.Body {
		t.Errorf("Body = %q, want %q", got.Body, task.Body)
	}
}

func TestUnknownFrontmatterKeysPreserved(t *testing.T) {
	doc := strings.Join([]string{
		"---",
		"id: T-001",
		"title: Example",
		"type: feature",
		"state: todo",
		"created_at: 2026-03-10T12:00:00Z",
		"updated_at: 2026-03-10T12:00:00Z",
		"custom_field: kept",
		"team_metadata:",
		"  squad: delta",
		"---",
		"",
		"Body text.",
		"",
	}, "\n")

	task, err := UnmarshalTask([]byte(doc))
	if err != nil {
		t.Fatalf("UnmarshalTask() error = %v", err)
	}
	if task.Extra["custom_field"] != "kept" {
		t.Errorf("Extra = %#v, want custom_field preserved", task.Extra)
	}

	out, err := MarshalTask(task)
	if err != nil {
		t.Fatalf("MarshalTask() error = %v", err)
	}
	if !strings.Contains(string(out), "custom_field: kept") {
		t.Errorf("re-marshaled document dropped unknown key:\n%s", out)
	}
	if !strings.Contains(string(out), "squad: delta") {
		t.Errorf("re-marshaled document dropped nested unknown key:\n%s", out)
	}
}

func TestUnmarshalDocumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"no frontmatter", "just text\n", ErrNoFrontmatter},
		{"unclosed header", "---\nid: x\n", ErrUnclosedFrontmatter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fields map[string]any
			_, err := UnmarshalDocument([]byte(tt.input), &fields)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UnmarshalDocument() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnmarshalDocumentCRLF(t *testing.T) {
	doc := "---\r\nid: T-002\r\ntitle: CRLF\r\ntype: chore\r\nstate: todo\r\ncreated_at: 2026-03-10T12:00:00Z\r\nupdated_at: 2026-03-10T12:00:00Z\r\n---\r\n\r\nbody\r\n"
	task, err := UnmarshalTask([]byte(doc))
	if err != nil {
		t.Fatalf("UnmarshalTask() error = %v", err)
	}
	if task.ID != "T-002" {
		t.Errorf("ID = %q", task.ID)
	}
	if task.Body != "body\n" {
		t.Errorf("Body = %q", task.Body)
	}
}

func TestValidateTask(t *testing.T) {
	now := time.Now().UTC()
	valid := func() *Task {
		return &Task{
			ID: "T-001", Title: "ok", Type: TaskTypeFeature, State: TaskTodo,
			Metadata: Metadata{CreatedAt: now, UpdatedAt: now},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{"valid", func(*Task) {}, false},
		{"missing id", func(t *Task) { t.ID = "" }, true},
		{"traversal id", func(t *Task) { t.ID = "../escape" }, true},
		{"missing title", func(t *Task) { t.Title = "" }, true},
		{"bad type", func(t *Task) { t.Type = "epic" }, true},
		{"bad state", func(t *Task) { t.State = "paused" }, true},
		{"self dependency", func(t *Task) { t.DependsOn = []string{"T-001"} }, true},
		{"self bundle root", func(t *Task) { t.BundleRoot = "T-001" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid()
			tt.mutate(task)
			err := ValidateTask(task)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTask() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateQA(t *testing.T) {
	tests := []struct {
		name    string
		qa      *QA
		wantErr bool
	}{
		{"valid", &QA{ID: "T-001-qa", TaskID: "T-001", State: QAWaiting, Round: 1}, false},
		{"id mismatch", &QA{ID: "T-002-qa", TaskID: "T-001", State: QAWaiting, Round: 1}, true},
		{"zero round", &QA{ID: "T-001-qa", TaskID: "T-001", State: QAWaiting, Round: 0}, true},
		{"bad state", &QA{ID: "T-001-qa", TaskID: "T-001", State: "paused", Round: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQA(tt.qa)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateQA() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
