package validator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edisonhq/edison/evidence"
	"github.com/edisonhq/edison/fsio"
)

// severityOrder fixes the findings section ordering; unknown severities
// sort after these.
var severityOrder = []string{"critical", "high", "medium", "low", "info"}

// writeSummary rewrites the round's validation-summary.md from the
// collected reports. The summary is derived data and the one round file
// that is regenerated rather than appended.
func (s *Scheduler) writeSummary(roundDir, taskID string, round int, res *Result) (string, error) {
	reports, err := ReadRoundReports(roundDir)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Validation Summary: %s (round %d)\n\n", taskID, round)
	fmt.Fprintf(&b, "Generated: %s\n\n", fsio.Timestamp(fsio.Now()))

	if len(res.Members) > 1 {
		fmt.Fprintf(&b, "Scope: %s (%s)\n\n", res.Scope, strings.Join(res.Members, ", "))
	}

	b.WriteString("## Waves\n\n")
	b.WriteString("| Wave | Verdict | Validator | Blocking | Status |\n")
	b.WriteString("|------|---------|-----------|----------|--------|\n")
	for _, wave := range res.Waves {
		for i, vr := range wave.Validators {
			name, verdict := "", ""
			if i == 0 {
				name, verdict = wave.Name, wave.Verdict
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", name, verdict, vr.ID, yesNo(vr.Blocking), vr.Status)
		}
		if len(wave.Validators) == 0 {
			fmt.Fprintf(&b, "| %s | %s | | | |\n", wave.Name, wave.Verdict)
		}
	}
	b.WriteString("\n")

	switch {
	case res.MarkerPath != "" && res.Approved:
		b.WriteString("**Bundle approved.**\n")
	case res.MarkerPath != "":
		b.WriteString("**Bundle not approved.** Rejection opens the next round.\n")
	case len(res.AwaitingReports) > 0:
		fmt.Fprintf(&b, "**Verdict pending.** Awaiting reports from: %s.\n", strings.Join(res.AwaitingReports, ", "))
	default:
		b.WriteString("**No approval marker written.**\n")
	}

	if findings := collectFindings(reports); len(findings) > 0 {
		b.WriteString("\n## Findings\n")
		for _, severity := range severityRank(findings) {
			fmt.Fprintf(&b, "\n### %s (%d)\n\n", severity, len(findings[severity]))
			for _, f := range findings[severity] {
				b.WriteString(f)
				b.WriteString("\n")
			}
		}
	}

	path := filepath.Join(roundDir, evidence.ValidationSummaryFile)
	if err := fsio.WriteFileAtomic(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// collectFindings groups issue lines by severity. Lines carry the
// reporting validator, the location, and the recommendation when set.
func collectFindings(reports []*Report) map[string][]string {
	findings := map[string][]string{}
	for _, report := range reports {
		for _, issue := range report.Issues {
			severity := issue.Severity
			if severity == "" {
				severity = "info"
			}
			var line strings.Builder
			fmt.Fprintf(&line, "- [%s]", report.Validator)
			if issue.Location != "" {
				fmt.Fprintf(&line, " `%s`", issue.Location)
			}
			fmt.Fprintf(&line, " %s", issue.Message)
			if issue.Recommendation != "" {
				fmt.Fprintf(&line, " (fix: %s)", issue.Recommendation)
			}
			findings[severity] = append(findings[severity], line.String())
		}
	}
	return findings
}

// severityRank orders present severities critical-first, then unknowns
// alphabetically.
func severityRank(findings map[string][]string) []string {
	var ordered []string
	seen := map[string]bool{}
	for _, severity := range severityOrder {
		if _, ok := findings[severity]; ok {
			ordered = append(ordered, severity)
			seen[severity] = true
		}
	}
	var extra []string
	for severity := range findings {
		if !seen[severity] {
			extra = append(extra, severity)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		ordered = append(ordered, extra...)
	}
	return ordered
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
