package remediation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

type ticket struct {
	Pending
	ack chan orchestrator.Ack
}

// Desk is a manual remediator. RequestFix parks each request until
// Acknowledge is called for the same task or the request context ends.
type Desk struct {
	logger *logging.Logger
	now    func() time.Time
	instruments

	mu      sync.Mutex
	pending map[string]*ticket
	closed  bool
	done    chan struct{}
}

// NewDesk creates an empty desk.
func NewDesk(logger *logging.Logger) *Desk {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Desk{
		logger:      logger,
		now:         time.Now,
		instruments: newInstruments(logger),
		pending:     make(map[string]*ticket),
		done:        make(chan struct{}),
	}
}

// RequestFix records the request and blocks until it is acknowledged.
func (d *Desk) RequestFix(ctx context.Context, req orchestrator.FixRequest) (orchestrator.Ack, error) {
	ctx, span := d.tracer.Start(ctx, "remediation.desk.wait", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("phase.name", req.Phase),
		attribute.String("task.id", req.TaskID),
		attribute.Int("task.attempt", req.Attempt),
	))
	defer span.End()

	key := Key(req.RunID, req.Phase, req.TaskID)
	t := &ticket{
		Pending: Pending{ID: uuid.New().String(), Request: req, ReceivedAt: d.now()},
		ack:     make(chan orchestrator.Ack, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return orchestrator.Ack{}, ErrClosed
	}
	if _, dup := d.pending[key]; dup {
		d.mu.Unlock()
		return orchestrator.Ack{}, fmt.Errorf("%s: %w", key, ErrDuplicateRequest)
	}
	d.pending[key] = t
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[key] == t {
			delete(d.pending, key)
		}
		d.mu.Unlock()
	}()

	if d.requests != nil {
		d.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "desk")))
	}
	d.logger.Info(ctx, "fix request waiting for acknowledgment",
		zap.String("key", key),
		zap.Int("attempt", req.Attempt),
		zap.String("failure", req.Failure.Message),
	)

	select {
	case ack := <-t.ack:
		if d.acks != nil {
			d.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "desk")))
		}
		return ack, nil
	case <-d.done:
		span.SetStatus(codes.Error, ErrClosed.Error())
		return orchestrator.Ack{}, ErrClosed
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return orchestrator.Ack{}, ctx.Err()
	}
}

// Acknowledge releases the open request of a task.
func (d *Desk) Acknowledge(ctx context.Context, runID, phase, taskID, note string) error {
	key := Key(runID, phase, taskID)

	d.mu.Lock()
	t, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNoPendingRequest)
	}
	t.ack <- orchestrator.Ack{At: d.now(), Note: note}
	d.logger.Info(ctx, "fix request acknowledged", zap.String("key", key), zap.String("note", note))
	return nil
}

// Pending lists open requests, oldest first.
func (d *Desk) Pending() []Pending {
	d.mu.Lock()
	out := make([]Pending, 0, len(d.pending))
	for _, t := range d.pending {
		out = append(out, t.Pending)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close rejects new requests and releases every waiting one with ErrClosed.
func (d *Desk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	return nil
}
