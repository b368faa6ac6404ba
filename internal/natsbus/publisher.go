package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// Publisher publishes lifecycle events to NATS. It implements
// orchestrator.EventSink.
type Publisher struct {
	nc       *nats.Conn
	subjects Subjects
	logger   *logging.Logger
}

// NewPublisher creates a publisher on nc.
func NewPublisher(nc *nats.Conn, subjects Subjects, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, subjects: subjects, logger: logger}
}

// Emit publishes the event. Publishing is fire-and-forget; failures are
// logged and never reach the run.
func (p *Publisher) Emit(ctx context.Context, ev orchestrator.Event) {
	if err := p.publish(ctx, ev); err != nil {
		p.logger.Warn(ctx, "event publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (p *Publisher) publish(ctx context.Context, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.subjects.Event(ev.RunID, ev.Type))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe delivers the events of runID to handler until the subscription
// is drained. An empty runID subscribes to every run.
func Subscribe(nc *nats.Conn, subjects Subjects, runID string, handler func(orchestrator.Event)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subjects.Events(runID), func(msg *nats.Msg) {
		var ev orchestrator.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subjects.Events(runID), err)
	}
	return sub, nil
}
