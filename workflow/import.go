package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/errdefs"
	"github.com/edisonhq/edison/store"
)

// PlanItem is one checkbox line from a markdown plan. Priority is the
// ordinal of the ## section the item sits under, Wave the item's ordinal
// within that section.
type PlanItem struct {
	Section  string `json:"section"`
	Priority int    `json:"priority"`
	Wave     int    `json:"wave"`
	Title    string `json:"title"`
	Done     bool   `json:"done"`
}

// planItemPattern matches markdown checkbox items: - [ ] or * [x].
var planItemPattern = regexp.MustCompile(`^[-*]\s*\[([ xX])\]\s*(.+)$`)

// planSectionPattern matches second-level headers: ## Section Name.
var planSectionPattern = regexp.MustCompile(`^##\s+(.+)$`)

// ParsePlan extracts checkbox items from a markdown plan. Items before
// the first section header land in an implicit first section.
func ParsePlan(content string) []PlanItem {
	var items []PlanItem
	section := ""
	sectionNum := 0
	itemNum := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := planSectionPattern.FindStringSubmatch(trimmed); m != nil {
			section = strings.TrimSpace(m[1])
			sectionNum++
			itemNum = 0
			continue
		}
		m := planItemPattern.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		if section == "" {
			section = "Tasks"
			sectionNum = 1
		}
		itemNum++
		items = append(items, PlanItem{
			Section:  section,
			Priority: sectionNum,
			Wave:     itemNum,
			Title:    strings.TrimSpace(m[2]),
			Done:     m[1] == "x" || m[1] == "X",
		})
	}
	return items
}

// ImportOptions adjust how a parsed plan becomes tasks.
type ImportOptions struct {
	// Type overrides the configured default task type.
	Type string
	// Tags are attached to every imported task.
	Tags []string
	// Parent links every imported task under an existing task.
	Parent string
	// IncludeDone imports checked items too instead of skipping them.
	IncludeDone bool
}

// ImportResult reports what a plan import did, by derived task ID.
type ImportResult struct {
	Source   string   `json:"source"`
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
	Done     []string `json:"done"`
}

// ImportPlan turns a markdown plan of checkbox items into tasks, one per
// unchecked item, with the paired QA dossiers task.create provides.
// Section order becomes the priority slot and item order the wave, so a
// re-import of the same plan derives the same IDs and skips tasks that
// already exist.
func (s *Service) ImportPlan(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	items := ParsePlan(string(content))
	if len(items) == 0 {
		return nil, &errdefs.InvariantViolation{Kind: "plan", ID: filepath.Base(path), Detail: "no checkbox items found"}
	}

	res := &ImportResult{Source: path}
	for _, item := range items {
		id, err := entity.NewTaskID(item.Priority, item.Wave, item.Title)
		if err != nil {
			return nil, fmt.Errorf("plan item %q: %w", item.Title, err)
		}
		if item.Done && !opts.IncludeDone {
			res.Done = append(res.Done, id)
			continue
		}
		if _, err := s.st.GetTask(id); err == nil {
			res.Existing = append(res.Existing, id)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if _, err := s.CreateTask(ctx, TaskSpec{
			ID:       id,
			Title:    item.Title,
			Type:     opts.Type,
			Priority: item.Priority,
			Wave:     item.Wave,
			Tags:     opts.Tags,
			Parent:   opts.Parent,
		}); err != nil {
			return nil, fmt.Errorf("import %s: %w", id, err)
		}
		res.Created = append(res.Created, id)
	}

	s.logger.Info("plan imported", "source", path,
		"created", len(res.Created), "existing", len(res.Existing), "done", len(res.Done))
	return res, nil
}
