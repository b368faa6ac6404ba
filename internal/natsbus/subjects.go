package natsbus

import (
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// Subjects builds subject names under a common prefix.
type Subjects struct {
	Prefix string
}

// Task is the request subject for tasks of kind.
func (s Subjects) Task(kind string) string {
	return s.Prefix + ".tasks." + kind
}

// Remediation is the request subject for fix requests of tasks of kind.
func (s Subjects) Remediation(kind string) string {
	return s.Prefix + ".remediation." + kind
}

// Event is the subject an event of type t is published on.
func (s Subjects) Event(runID string, t orchestrator.EventType) string {
	return s.Prefix + ".events." + runID + "." + string(t)
}

// Events matches every event of a run. An empty runID matches all runs.
func (s Subjects) Events(runID string) string {
	if runID == "" {
		return s.Prefix + ".events.>"
	}
	return s.Prefix + ".events." + runID + ".>"
}

// headerCarrier lets OTEL propagators read and write NATS headers.
func headerCarrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(http.Header(msg.Header))
}
