package entity

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document framing errors.
var (
	ErrNoFrontmatter       = errors.New("document has no frontmatter header")
	ErrUnclosedFrontmatter = errors.New("frontmatter header not closed")
)

const frontmatterDelim = "---"

// MarshalDocument encodes frontmatter fields followed by a markdown body:
//
//	---
//	<yaml fields>
//	---
//
//	<body>
//
// The encoding is UTF-8 with LF line endings.
func MarshalDocument(fields any, body string) ([]byte, error) {
	fm, err := yaml.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')
	buf.Write(fm)
	buf.WriteString(frontmatterDelim)
	buf.WriteByte('\n')

	body = strings.TrimLeft(body, "\n")
	if body != "" {
		buf.WriteByte('\n')
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalDocument splits a frontmatter document and decodes the header
// into fields. The body is returned without the leading blank separator.
func UnmarshalDocument(data []byte, fields any) (body string, err error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	if len(lines) == 0 || strings.TrimRight(lines[0], " \t") != frontmatterDelim {
		return "", ErrNoFrontmatter
	}

	closeAt := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") == frontmatterDelim {
			closeAt = i
			break
		}
	}
	if closeAt < 0 {
		return "", ErrUnclosedFrontmatter
	}

	header := strings.Join(lines[1:closeAt], "\n")
	bodyLines := lines[closeAt+1:]
	for len(bodyLines) > 0 && bodyLines[0] == "" {
		bodyLines = bodyLines[1:]
	}

	if err := yaml.Unmarshal([]byte(header), fields); err != nil {
		return "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return strings.Join(bodyLines, "\n"), nil
}

// MarshalTask encodes a task document.
func MarshalTask(t *Task) ([]byte, error) {
	return MarshalDocument(t, t.Body)
}

// UnmarshalTask decodes a task document. The advisory state field is left
// exactly as stored; the repository overwrites it from the directory name.
func UnmarshalTask(data []byte) (*Task, error) {
	var t Task
	body, err := UnmarshalDocument(data, &t)
	if err != nil {
		return nil, err
	}
	t.Body = body
	return &t, nil
}

// MarshalQA encodes a QA document.
func MarshalQA(q *QA) ([]byte, error) {
	return MarshalDocument(q, q.Body)
}

// UnmarshalQA decodes a QA document.
func UnmarshalQA(data []byte) (*QA, error) {
	var q QA
	body, err := UnmarshalDocument(data, &q)
	if err != nil {
		return nil, err
	}
	q.Body = body
	return &q, nil
}

// ValidateTask checks the structural schema before a save: required keys
// present and enumerated fields within range.
func ValidateTask(t *Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	if t.Title == "" {
		return errors.New("task title is required")
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("invalid task type %q", t.Type)
	}
	if !t.State.IsValid() {
		return fmt.Errorf("invalid task state %q", t.State)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s cannot depend on itself", t.ID)
		}
	}
	if t.BundleRoot == t.ID && t.BundleRoot != "" {
		return fmt.Errorf("task %s cannot be its own bundle root", t.ID)
	}
	return nil
}

// ValidateQA checks the structural schema before a save.
func ValidateQA(q *QA) error {
	if q.ID == "" {
		return errors.New("qa id is required")
	}
	if q.TaskID == "" {
		return errors.New("qa task_id is required")
	}
	if q.ID != QAIDFor(q.TaskID) {
		return fmt.Errorf("qa id %q does not match task %q", q.ID, q.TaskID)
	}
	if !q.State.IsValid() {
		return fmt.Errorf("invalid qa state %q", q.State)
	}
	if q.Round < 1 {
		return fmt.Errorf("qa round must be >= 1, got %d", q.Round)
	}
	return nil
}

// ValidateSession checks the structural schema before a save.
func ValidateSession(s *Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if !s.State.IsValid() {
		return fmt.Errorf("invalid session state %q", s.State)
	}
	return nil
}
