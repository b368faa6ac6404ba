package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/natsbus"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

const fixerQueue = "phaseflow-fixers"

// NATSRemediator sends fix requests to fixers on
// <prefix>.remediation.<kind>. The fixer's reply is the acknowledgment.
type NATSRemediator struct {
	nc       *nats.Conn
	subjects natsbus.Subjects
	logger   *logging.Logger
	instruments
}

// NewNATSRemediator creates a remediator on nc.
func NewNATSRemediator(nc *nats.Conn, subjects natsbus.Subjects, logger *logging.Logger) *NATSRemediator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSRemediator{
		nc:          nc,
		subjects:    subjects,
		logger:      logger,
		instruments: newInstruments(logger),
	}
}

// RequestFix sends the request and waits for the fixer's reply until ctx
// ends. Context errors are returned unwrapped so callers can tell a timeout.
func (r *NATSRemediator) RequestFix(ctx context.Context, req orchestrator.FixRequest) (orchestrator.Ack, error) {
	subject := r.subjects.Remediation(req.Kind)
	ctx, span := r.tracer.Start(ctx, "remediation.nats.request", trace.WithAttributes(
		attribute.String("messaging.destination", subject),
		attribute.String("task.id", req.TaskID),
		attribute.Int("task.attempt", req.Attempt),
	))
	defer span.End()

	data, err := json.Marshal(req)
	if err != nil {
		return orchestrator.Ack{}, fmt.Errorf("marshal fix request: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header = nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if r.requests != nil {
		r.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "nats")))
	}

	resp, err := r.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return orchestrator.Ack{}, ctxErr
		}
		if errors.Is(err, nats.ErrNoResponders) {
			return orchestrator.Ack{}, fmt.Errorf("no fixer listening on %s: %w", subject, err)
		}
		return orchestrator.Ack{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply FixReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return orchestrator.Ack{}, fmt.Errorf("decoding fix reply: %w", err)
	}
	if reply.Error != "" {
		span.SetStatus(codes.Error, reply.Error)
		return orchestrator.Ack{}, fmt.Errorf("fixer declined: %s", reply.Error)
	}

	if r.acks != nil {
		r.acks.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", "nats")))
	}
	r.logger.Debug(ctx, "fix acknowledged", zap.String("task", req.TaskID), zap.String("note", reply.Ack.Note))
	return reply.Ack, nil
}

// ServeFixes answers fix requests for tasks of kind with fixer. The fixer
// runs under the deadline carried in the request.
func ServeFixes(nc *nats.Conn, subjects natsbus.Subjects, kind string, fixer orchestrator.Remediator, logger *logging.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	subject := subjects.Remediation(kind)

	sub, err := nc.QueueSubscribe(subject, fixerQueue, func(msg *nats.Msg) {
		go func() {
			ctx := context.Background()
			if msg.Header != nil {
				ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
			}

			var reply FixReply
			var req orchestrator.FixRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				reply.Error = fmt.Sprintf("decoding fix request: %v", err)
			} else {
				if !req.Deadline.IsZero() {
					var cancel context.CancelFunc
					ctx, cancel = context.WithDeadline(ctx, req.Deadline)
					defer cancel()
				}
				ack, err := fixer.RequestFix(ctx, req)
				if err != nil {
					reply.Error = err.Error()
				}
				reply.Ack = ack
			}

			data, err := json.Marshal(reply)
			if err != nil {
				logger.Warn(ctx, "fix reply encoding failed", zap.Error(err))
				return
			}
			if err := msg.Respond(data); err != nil {
				logger.Warn(ctx, "fix reply failed", zap.String("subject", subject), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
