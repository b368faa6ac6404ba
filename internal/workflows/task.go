package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// TaskWorkflowName is the registered name of TaskWorkflow.
const TaskWorkflowName = "phaseflow.TaskWorkflow"

// minActivityTimeout bounds the activity when the request deadline has
// already passed or was never set.
const minActivityTimeout = time.Second

// TaskOutcome is the result of one task workflow. Exactly one of Output and
// Failure is set.
type TaskOutcome struct {
	Output  orchestrator.Payload  `json:"output,omitempty"`
	Failure *orchestrator.Failure `json:"failure,omitempty"`
}

// ActivityName is the activity that executes tasks of kind.
func ActivityName(kind string) string {
	return "phaseflow.task." + kind
}

// TaskWorkflow executes one task attempt as a single activity. Failures are
// returned in the outcome rather than as a workflow error.
func TaskWorkflow(ctx workflow.Context, req orchestrator.TaskRequest) (*TaskOutcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting task",
		"run", req.RunID,
		"phase", req.Phase,
		"task", req.TaskID,
		"attempt", req.Attempt)

	timeout := minActivityTimeout
	if !req.Deadline.IsZero() {
		if remaining := req.Deadline.Sub(workflow.Now(ctx)); remaining > timeout {
			timeout = remaining
		}
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var output orchestrator.Payload
	err := workflow.ExecuteActivity(ctx, ActivityName(req.Kind), req).Get(ctx, &output)
	if err != nil {
		failure := failureFromError(err)
		logger.Warn("Task failed", "task", req.TaskID, "kind", failure.Kind, "message", failure.Message)
		return &TaskOutcome{Failure: failure}, nil
	}

	logger.Info("Task complete", "task", req.TaskID)
	return &TaskOutcome{Output: output}, nil
}

// TaskActivity adapts an executor to a Temporal activity.
func TaskActivity(exec orchestrator.TaskExecutor) func(context.Context, orchestrator.TaskRequest) (orchestrator.Payload, error) {
	return func(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.Payload, error) {
		start := time.Now()
		attrs := metric.WithAttributes(attribute.String("kind", req.Kind))
		defer func() {
			meters().activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}()

		out, err := exec.Execute(ctx, req)
		if err != nil {
			meters().activityFailures.Add(ctx, 1, attrs)
			activity.GetLogger(ctx).Warn("Task executor failed", "task", req.TaskID, "error", err)
			return nil, toApplicationError(err)
		}
		return out, nil
	}
}

// Registry is the part of a Temporal worker used to register tasks.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register registers TaskWorkflow and one activity per task kind.
func Register(r Registry, executors map[string]orchestrator.TaskExecutor) {
	r.RegisterWorkflowWithOptions(TaskWorkflow, workflow.RegisterOptions{Name: TaskWorkflowName})
	for kind, exec := range executors {
		r.RegisterActivityWithOptions(TaskActivity(exec), activity.RegisterOptions{Name: ActivityName(kind)})
	}
}
