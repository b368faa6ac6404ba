package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskAttemptsTotal counts task executions.
	// Labels: mode (parallel, sequential_remediated), status (succeeded, failed, timed_out)
	TaskAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "task_attempts_total",
			Help:      "Total number of task attempts by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	// TaskAttemptDuration tracks how long single task attempts take.
	TaskAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "task_attempt_duration_seconds",
			Help:      "Duration of task attempts in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"mode"},
	)

	// RemediationRequestsTotal counts fix requests.
	// Labels: outcome (acknowledged, timeout, error)
	RemediationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "remediation_requests_total",
			Help:      "Total number of remediation requests by outcome",
		},
		[]string{"outcome"},
	)

	// PhasesTotal counts completed phases.
	PhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "phases_total",
			Help:      "Total number of phases by mode and final status",
		},
		[]string{"mode", "status"},
	)

	// RunsTotal counts finished runs.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"},
	)

	// ActiveRuns is the number of runs in progress.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "active_runs",
			Help:      "Number of pipeline runs currently executing",
		},
	)

	// SynthesisIssuesTotal counts gaps and conflicts recorded on artifacts.
	SynthesisIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phaseflow",
			Subsystem: "engine",
			Name:      "synthesis_issues_total",
			Help:      "Total number of synthesis issues by kind",
		},
		[]string{"kind"},
	)
)

func recordIssues(issues []Issue) {
	for _, issue := range issues {
		SynthesisIssuesTotal.WithLabelValues(string(issue.Kind)).Inc()
	}
}
