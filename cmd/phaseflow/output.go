package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phaseflow/internal/monitor"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRun writes a human readable summary of a run.
func printRun(w io.Writer, run runs.Run, order []string) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Run "+run.ID), mutedStyle.Render("("+run.Pipeline+")"))
	fmt.Fprintf(w, "  status:   %s\n", monitor.StatusBadge(string(run.Status)))
	if !run.SubmittedAt.IsZero() {
		fmt.Fprintf(w, "  submitted: %s\n", run.SubmittedAt.Format("2006-01-02 15:04:05"))
	}
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(w, "  elapsed:  %s\n", monitor.FormatElapsed(run.CompletedAt.Sub(run.SubmittedAt)))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", failStyle.Render(run.Error))
	}
	if run.Result != nil && run.Result.Failure != nil {
		fmt.Fprintf(w, "  failed in phase %s\n", failStyle.Render(run.Result.Failure.Phase))
	}

	for _, p := range monitor.PhaseViews(run, order) {
		fmt.Fprintf(w, "  %s %s\n", monitor.StatusBadge(p.Status), p.Name)
		for _, t := range p.Tasks {
			line := fmt.Sprintf("      %s %s", monitor.StatusBadge(t.Status), t.ID)
			if t.Attempt > 1 {
				line += mutedStyle.Render(fmt.Sprintf(" (attempt %d)", t.Attempt))
			}
			fmt.Fprintln(w, line)
		}
	}
	if run.Result != nil && run.Result.Final != nil {
		fmt.Fprintf(w, "  final artifact: %s %s\n", okStyle.Render(run.Result.Final.ID), mutedStyle.Render(run.Result.Final.Digest))
	}
	if run.Result != nil && len(run.Result.Issues) > 0 {
		fmt.Fprintf(w, "  issues:   %d recorded\n", len(run.Result.Issues))
		for _, is := range run.Result.Issues {
			fmt.Fprintf(w, "      %s %s\n", mutedStyle.Render(string(is.Kind)), describeIssue(is))
		}
	}
}

func describeIssue(is orchestrator.Issue) string {
	if is.Kind == orchestrator.IssueGap {
		return fmt.Sprintf("%s/%s: %s", is.Phase, is.Slot, is.Reason)
	}
	return fmt.Sprintf("%s: %s vs %s on %s", is.Phase, is.SlotA, is.SlotB, is.Key)
}
