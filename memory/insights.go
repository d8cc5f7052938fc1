package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edisonhq/edison/entity"
	"github.com/edisonhq/edison/store"
)

// InsightsVersion tags the insights record shape.
const InsightsVersion = "session-insights-v1"

// activityTail caps the activity lines carried into an insights record.
const activityTail = 20

// Insights is the structured session summary: the tasks the session
// touched, how their validation went, and the closing slice of the
// activity log.
type Insights struct {
	Version   string        `json:"version"`
	SessionID string        `json:"sessionId"`
	Owner     string        `json:"owner,omitempty"`
	Branch    string        `json:"branch,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	ClosedAt  time.Time     `json:"closedAt"`
	Tasks     []TaskInsight `json:"tasks,omitempty"`
	Validated int           `json:"validated"`
	Activity  []string      `json:"activity,omitempty"`
}

// TaskInsight is one claimed task's outcome within an insights record.
type TaskInsight struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	Type    string   `json:"type,omitempty"`
	State   string   `json:"state"`
	Rounds  int      `json:"rounds,omitempty"`
	Verdict string   `json:"verdict,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// RecordKind implements Record.
func (in *Insights) RecordKind() string { return "session-insight" }

// RecordID implements Record.
func (in *Insights) RecordID() string { return in.SessionID }

// RenderText renders the insights as markdown for providers without
// structured save support.
func (in *Insights) RenderText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", in.SessionID)
	if in.Owner != "" {
		fmt.Fprintf(&b, "Owner: %s\n", in.Owner)
	}
	if in.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", in.Branch)
	}
	fmt.Fprintf(&b, "Started: %s\n", in.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Closed: %s\n", in.ClosedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Validated: %d of %d tasks\n", in.Validated, len(in.Tasks))
	if len(in.Tasks) > 0 {
		b.WriteString("\n## Tasks\n\n")
		for _, t := range in.Tasks {
			fmt.Fprintf(&b, "- %s", t.ID)
			if t.Title != "" {
				fmt.Fprintf(&b, " %s", t.Title)
			}
			fmt.Fprintf(&b, " (%s", t.State)
			if t.Rounds > 0 {
				fmt.Fprintf(&b, ", round %d", t.Rounds)
			}
			if t.Verdict != "" {
				fmt.Fprintf(&b, ", %s", t.Verdict)
			}
			b.WriteString(")\n")
		}
	}
	if len(in.Activity) > 0 {
		b.WriteString("\n## Activity\n\n")
		for _, line := range in.Activity {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

// SessionInsights extracts the structured session summary and stores it
// in the scope under Var.
type SessionInsights struct {
	// Var names the scope variable receiving the *Insights record.
	Var string
}

// Name implements Step.
func (s SessionInsights) Name() string { return InsightsVersion }

// Run implements Step. Tasks that can no longer be loaded are skipped so
// that a deleted task does not block the rest of the summary.
func (s SessionInsights) Run(ctx context.Context, sc *Scope) error {
	if sc.Session == nil {
		return errors.New("no session in scope")
	}
	in := collectInsights(sc.pipeline, sc.Session)
	sc.Vars[s.Var] = in
	return nil
}

func collectInsights(p *Pipeline, sess *entity.Session) *Insights {
	in := &Insights{
		Version:   InsightsVersion,
		SessionID: sess.ID,
		Owner:     sess.Owner,
		Branch:    sess.Branch,
		StartedAt: sess.CreatedAt,
		ClosedAt:  p.now().UTC(),
	}
	for _, id := range sess.ClaimedTasks {
		t, err := p.store.GetTask(id)
		if err != nil {
			p.logger.Warn("insights: task unavailable", "session", sess.ID, "task", id, "error", err)
			continue
		}
		ti := TaskInsight{
			ID:    t.ID,
			Title: t.Title,
			Type:  string(t.Type),
			State: string(t.State),
			Tags:  t.Tags,
		}
		if qa, err := p.store.GetQAForTask(id); err == nil {
			ti.Rounds = qa.Round
			if n := len(qa.Rounds); n > 0 {
				ti.Verdict = qa.Rounds[n-1].Verdict
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("insights: qa unavailable", "session", sess.ID, "task", id, "error", err)
		}
		if t.State == entity.TaskValidated {
			in.Validated++
		}
		in.Tasks = append(in.Tasks, ti)
	}
	acts := sess.Activity
	if len(acts) > activityTail {
		acts = acts[len(acts)-activityTail:]
	}
	for _, a := range acts {
		line := fmt.Sprintf("%s %s", a.At.Format(time.RFC3339), a.Action)
		if a.Detail != "" {
			line += " " + a.Detail
		}
		in.Activity = append(in.Activity, line)
	}
	return in
}
