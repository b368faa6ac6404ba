package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentEvents    = 6
)

// Model is the bubbletea model of the run watcher.
type Model struct {
	client     *Client
	runID      string
	interval   time.Duration
	exitOnDone bool

	lastUpdate  time.Time
	run         runs.Run
	order       []string
	err         error
	quitting    bool
	lastEventAt time.Time

	// Event counts per refresh.
	activity []float64

	phaseProgress progress.Model
}

// Palette. Status colors follow the run states: green for succeeded, red
// for failed or timed out, yellow while a fix is pending.
const (
	colorAccent  = lipgloss.Color("51")
	colorLabel   = lipgloss.Color("45")
	colorText    = lipgloss.Color("231")
	colorMuted   = lipgloss.Color("245")
	colorBorder  = lipgloss.Color("238")
	colorOK      = lipgloss.Color("46")
	colorWarn    = lipgloss.Color("226")
	colorFailure = lipgloss.Color("196")
)

func bold(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

var (
	headerStyle  = bold(lipgloss.Color("0")).Background(colorAccent).Padding(0, 1)
	sectionStyle = bold(colorAccent).MarginTop(1)
	labelStyle   = lipgloss.NewStyle().Foreground(colorLabel)
	valueStyle   = bold(colorText)
	dimStyle     = lipgloss.NewStyle().Foreground(colorMuted)

	healthyStyle = bold(colorOK)
	warningStyle = bold(colorWarn)
	errorStyle   = bold(colorFailure)
	activeStyle  = bold(colorLabel)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(1, 2)
	footerStyle    = lipgloss.NewStyle().Foreground(colorMuted).MarginTop(1)
	footerKeyStyle = bold(colorAccent)
	sparklineStyle = lipgloss.NewStyle().Foreground(colorAccent)
)

// NewModel creates a watcher for runID. With exitOnDone the program quits
// once the run reaches a terminal status.
func NewModel(client *Client, runID string, interval time.Duration, exitOnDone bool) Model {
	return Model{
		client:     client,
		runID:      runID,
		interval:   interval,
		exitOnDone: exitOnDone,
		activity:   make([]float64, 0, historySize),
		phaseProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Run returns the last fetched snapshot.
func (m Model) Run() runs.Run {
	return m.run
}

// Terminal reports whether the run has finished.
func Terminal(s runs.Status) bool {
	switch s {
	case runs.StatusSucceeded, runs.StatusFailed, runs.StatusCanceled:
		return true
	}
	return false
}

// StatusBadge renders a run, phase or task status with a symbol.
func StatusBadge(status string) string {
	switch status {
	case "succeeded":
		return healthyStyle.Render("✓ " + status)
	case "failed", "timed_out", "canceled":
		return errorStyle.Render("✗ " + status)
	case "unresolved", "blocked", "remediating":
		return warningStyle.Render("⚠ " + status)
	case "running":
		return activeStyle.Render("● " + status)
	}
	return dimStyle.Render("· " + status)
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time

type snapshotMsg struct {
	run   runs.Run
	order []string
}

type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchRun(m.client, m.runID, m.order),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchRun loads the run snapshot. The pipeline's phase order is looked up
// once so phases that have not started yet can be listed.
func fetchRun(client *Client, runID string, order []string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		run, err := client.Run(ctx, runID)
		if err != nil {
			return errMsg(err)
		}

		if len(order) == 0 {
			// Best effort; the view falls back to the phases seen so far.
			if summaries, err := client.Pipelines(ctx); err == nil {
				for _, s := range summaries {
					if s.Name == run.Pipeline {
						order = s.Phases
						break
					}
				}
			}
		}
		return snapshotMsg{run: run, order: order}
	}
}

// Update polls until the run is terminal. Each snapshot adds the number
// of events that arrived since the previous one to the activity history.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchRun(m.client, m.runID, m.order)
		}

	case tickMsg:
		if Terminal(m.run.Status) {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchRun(m.client, m.runID, m.order),
		)

	case snapshotMsg:
		fresh := 0
		for _, ev := range msg.run.Events {
			if ev.Time.After(m.lastEventAt) {
				fresh++
			}
		}
		if n := len(msg.run.Events); n > 0 {
			m.lastEventAt = msg.run.Events[n-1].Time
		}
		m.activity = appendToHistory(m.activity, float64(fresh))
		m.run = msg.run
		if len(msg.order) > 0 {
			m.order = msg.order
		}
		m.lastUpdate = time.Now()
		m.err = nil

		if m.exitOnDone && Terminal(m.run.Status) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the error screen or the run dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" phaseflow watch ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot load run "+m.runID) + "\n\n")
	fmt.Fprintf(&b, "%s%s\n", dimStyle.Render("Server: "), valueStyle.Render(m.client.BaseURL()))
	fmt.Fprintf(&b, "%s%s\n", dimStyle.Render("Error: "), errorStyle.Render(m.err.Error()))
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	status := string(m.run.Status)
	if status == "" {
		status = "loading"
	}

	b.WriteString(headerStyle.Render(" phaseflow watch ") + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s %s   %s\n",
		StatusBadge(status),
		dimStyle.Render("Run:"), valueStyle.Render(m.runID),
		dimStyle.Render("Pipeline:"), valueStyle.Render(m.run.Pipeline),
		dimStyle.Render(lastUpdateStr))
	b.WriteString(labelStyle.Render("  Elapsed: ") +
		valueStyle.Render(FormatSpan(m.run.SubmittedAt, m.run.CompletedAt, time.Now())) + "\n")
	if m.run.Error != "" {
		b.WriteString(labelStyle.Render("  Error: ") + errorStyle.Render(m.run.Error) + "\n")
	}

	phases := PhaseViews(m.run, m.order)
	done := 0
	for _, p := range phases {
		if p.Done() {
			done++
		}
	}
	ratio := 0.0
	if len(phases) > 0 {
		ratio = float64(done) / float64(len(phases))
	}
	b.WriteString("\n" + sectionStyle.Render("┃ Phases") + "\n")
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.phaseProgress.ViewAs(ratio) + " " +
		dimStyle.Render(fmt.Sprintf("%d/%d %s", done, len(phases), FormatPercentage(ratio))) + "\n")
	for _, p := range phases {
		b.WriteString("  " + StatusBadge(p.Status) + " " + valueStyle.Render(p.Name) + "\n")
		for _, t := range p.Tasks {
			line := "      " + StatusBadge(t.Status) + " " + labelStyle.Render(t.ID)
			if t.Attempt > 1 {
				line += dimStyle.Render(fmt.Sprintf(" (attempt %d)", t.Attempt))
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Activity") + "\n")
	b.WriteString(labelStyle.Render("  Events: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(m.run.Events))) +
		"   " + createSparkline(m.activity) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Recent Events") + "\n")
	events := m.run.Events
	if len(events) > recentEvents {
		events = events[len(events)-recentEvents:]
	}
	if len(events) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for _, ev := range events {
		b.WriteString("  " + dimStyle.Render(ev.Time.Format("15:04:05")) + " " + formatEvent(ev) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func formatEvent(ev orchestrator.Event) string {
	s := valueStyle.Render(string(ev.Type))
	scope := ev.Phase
	if ev.TaskID != "" {
		scope += "/" + ev.TaskID
	}
	if scope != "" {
		s += " " + labelStyle.Render(scope)
	}
	if ev.Attempt > 0 {
		s += dimStyle.Render(fmt.Sprintf(" #%d", ev.Attempt))
	}
	if ev.Message != "" {
		s += " " + dimStyle.Render(ev.Message)
	}
	return s
}
