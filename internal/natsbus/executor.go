package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// workerQueue is the queue group shared by task workers.
const workerQueue = "phaseflow-workers"

// TaskReply is the body a worker answers a task request with.
type TaskReply struct {
	Output  orchestrator.Payload  `json:"output,omitempty"`
	Failure *orchestrator.Failure `json:"failure,omitempty"`
}

// Executor sends tasks to remote workers over NATS request/reply. It
// implements orchestrator.TaskExecutor for any kind.
type Executor struct {
	nc       *nats.Conn
	subjects Subjects
}

// NewExecutor creates an executor on nc.
func NewExecutor(nc *nats.Conn, subjects Subjects) *Executor {
	return &Executor{nc: nc, subjects: subjects}
}

// Execute publishes the task request and waits for the worker's reply until
// ctx ends.
func (e *Executor) Execute(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.Payload, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal task request: %w", err)
	}

	msg := nats.NewMsg(e.subjects.Task(req.Kind))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg))

	resp, err := e.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, &orchestrator.Failure{
				Kind:    orchestrator.FailureExecutor,
				Message: fmt.Sprintf("no worker listening on %s", msg.Subject),
			}
		}
		return nil, fmt.Errorf("request %s: %w", msg.Subject, err)
	}

	var reply TaskReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, &orchestrator.Failure{
			Kind:    orchestrator.FailureOutput,
			Message: fmt.Sprintf("decoding reply from %s: %v", msg.Subject, err),
		}
	}
	if reply.Failure != nil {
		return nil, reply.Failure
	}
	return reply.Output, nil
}

// Serve answers task requests of kind with exec. Workers share the load
// through a queue group. The request deadline is applied to the context
// exec runs under.
func Serve(nc *nats.Conn, subjects Subjects, kind string, exec orchestrator.TaskExecutor, logger *logging.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	subject := subjects.Task(kind)

	sub, err := nc.QueueSubscribe(subject, workerQueue, func(msg *nats.Msg) {
		// Tasks of one kind run concurrently.
		go func() {
			ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(msg))
			reply := handleTask(ctx, msg.Data, exec)

			data, err := json.Marshal(reply)
			if err != nil {
				data, _ = json.Marshal(TaskReply{Failure: &orchestrator.Failure{
					Kind:    orchestrator.FailureOutput,
					Message: err.Error(),
				}})
			}
			if err := msg.Respond(data); err != nil {
				logger.Warn(ctx, "task reply failed", zap.String("subject", subject), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func handleTask(ctx context.Context, data []byte, exec orchestrator.TaskExecutor) TaskReply {
	var req orchestrator.TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return TaskReply{Failure: &orchestrator.Failure{
			Kind:    orchestrator.FailureExecutor,
			Message: fmt.Sprintf("decoding task request: %v", err),
		}}
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	ctx = logging.WithRunID(ctx, req.RunID)
	ctx = logging.WithPhase(ctx, req.Phase)
	ctx = logging.WithTaskID(ctx, req.TaskID)

	out, err := exec.Execute(ctx, req)
	if err != nil {
		return TaskReply{Failure: orchestrator.AsFailure(err)}
	}
	return TaskReply{Output: out}
}
