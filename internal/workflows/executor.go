package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/config"
	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// cancelTimeout bounds the best-effort cancellation of an abandoned workflow.
const cancelTimeout = 5 * time.Second

// Dial connects to Temporal, retrying with exponential backoff up to
// cfg.DialRetries times.
func Dial(ctx context.Context, cfg config.TemporalConfig, logger *logging.Logger) (client.Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	}

	var c client.Client
	attempt := 0
	op := func() error {
		attempt++
		var err error
		c, err = client.DialContext(ctx, opts)
		if err != nil {
			logger.Warn(ctx, "temporal dial failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(cfg.DialRetries-1, 0))),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}

	logger.Info(ctx, "temporal client connected",
		zap.String("host", cfg.HostPort),
		zap.String("namespace", cfg.Namespace),
	)
	return c, nil
}

// Executor runs task attempts as TaskWorkflow executions.
type Executor struct {
	client    client.Client
	taskQueue string
}

// NewExecutor creates an executor that starts workflows on taskQueue.
func NewExecutor(c client.Client, taskQueue string) *Executor {
	return &Executor{client: c, taskQueue: taskQueue}
}

// WorkflowID is the workflow id of one task attempt. Parts are joined with
// "/", which identifiers cannot contain.
func WorkflowID(req orchestrator.TaskRequest) string {
	return fmt.Sprintf("phaseflow/%s/%s/%s/%d", req.RunID, req.Phase, req.TaskID, req.Attempt)
}

// Execute starts the task workflow and waits for its outcome. When ctx ends
// first the workflow is canceled and ctx's error returned.
func (e *Executor) Execute(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.Payload, error) {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(req),
		TaskQueue: e.taskQueue,
	}
	if !req.Deadline.IsZero() {
		opts.WorkflowExecutionTimeout = time.Until(req.Deadline)
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, TaskWorkflowName, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &orchestrator.Failure{
			Kind:    orchestrator.FailureExecutor,
			Message: fmt.Sprintf("start workflow %s: %v", opts.ID, err),
		}
	}
	meters().started.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", req.Kind)))

	var outcome TaskOutcome
	if err := run.Get(ctx, &outcome); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
			defer cancel()
			_ = e.client.CancelWorkflow(cancelCtx, opts.ID, run.GetRunID())
			return nil, ctxErr
		}
		return nil, &orchestrator.Failure{
			Kind:    orchestrator.FailureExecutor,
			Message: fmt.Sprintf("workflow %s: %v", opts.ID, err),
		}
	}
	if outcome.Failure != nil {
		return nil, outcome.Failure
	}
	return outcome.Output, nil
}
