package orchestrator

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunSucceeded EventType = "run.succeeded"
	EventRunFailed    EventType = "run.failed"

	EventPhaseStarted   EventType = "phase.started"
	EventPhaseSucceeded EventType = "phase.succeeded"
	EventPhaseFailed    EventType = "phase.failed"
	EventPhaseBlocked   EventType = "phase.blocked"
	EventPhaseSkipped   EventType = "phase.skipped"

	EventTaskStarted    EventType = "task.started"
	EventTaskSucceeded  EventType = "task.succeeded"
	EventTaskFailed     EventType = "task.failed"
	EventTaskTimedOut   EventType = "task.timed_out"
	EventTaskUnresolved EventType = "task.unresolved"
	EventTaskSkipped    EventType = "task.skipped"

	EventRemediationRequested    EventType = "remediation.requested"
	EventRemediationAcknowledged EventType = "remediation.acknowledged"
)

// Event reports progress of a run.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id"`
	Phase   string    `json:"phase,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives lifecycle events. Emit is called synchronously from
// the run, including from concurrent task goroutines, so implementations
// must be safe for concurrent use and should not block.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Emit forwards the event to every sink.
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

func taskEventType(s TaskStatus) EventType {
	switch s {
	case TaskSucceeded:
		return EventTaskSucceeded
	case TaskTimedOut:
		return EventTaskTimedOut
	case TaskUnresolved:
		return EventTaskUnresolved
	case TaskSkipped:
		return EventTaskSkipped
	}
	return EventTaskFailed
}
