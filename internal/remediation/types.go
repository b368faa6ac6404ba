package remediation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/phaseflow/internal/remediation"

var (
	// ErrNoPendingRequest is returned when acknowledging a task that has no
	// open fix request.
	ErrNoPendingRequest = errors.New("no pending fix request")

	// ErrDuplicateRequest is returned when a task already has an open request.
	ErrDuplicateRequest = errors.New("fix request already pending")

	// ErrClosed is returned once the desk has been closed.
	ErrClosed = errors.New("remediation desk is closed")
)

// Pending is an open fix request waiting for acknowledgment.
type Pending struct {
	ID         string                  `json:"id"`
	Request    orchestrator.FixRequest `json:"request"`
	ReceivedAt time.Time               `json:"received_at"`
}

// FixReply is the body a fixer answers a NATS fix request with.
type FixReply struct {
	Ack   orchestrator.Ack `json:"ack"`
	Error string           `json:"error,omitempty"`
}

// Key identifies the fix request of one task within a run.
func Key(runID, phase, taskID string) string {
	return runID + "/" + phase + "/" + taskID
}

// instruments holds the tracer and counters shared by both channels.
type instruments struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	acks     metric.Int64Counter
}

func newInstruments(logger *logging.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	in := instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	in.requests, err = meter.Int64Counter(
		"phaseflow.remediation.requests_total",
		metric.WithDescription("Total number of fix requests received"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create request counter", zap.Error(err))
	}

	in.acks, err = meter.Int64Counter(
		"phaseflow.remediation.acks_total",
		metric.WithDescription("Total number of fix requests acknowledged"),
		metric.WithUnit("{ack}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create ack counter", zap.Error(err))
	}
	return in
}
