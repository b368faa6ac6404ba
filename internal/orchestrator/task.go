package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

type execOutcome struct {
	out Payload
	err error
}

// attempt runs one execution of task idx in plan. The engine stops waiting
// when the task timeout or ctx ends; an executor that ignores cancellation
// keeps running in its goroutine and its late result is dropped.
func (p *Pipeline) attempt(ctx context.Context, plan *phasePlan, idx int, req TaskRequest) (TaskAttempt, Payload) {
	task := plan.spec.Tasks[idx]
	ctx = logging.WithTaskID(ctx, task.ID)
	ctx, span := p.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("phase.name", plan.spec.Name),
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", task.Kind),
		attribute.Int("task.attempt", req.Attempt),
	))
	defer span.End()

	att := TaskAttempt{Number: req.Attempt, Status: TaskRunning, StartedAt: p.now()}
	p.emit(ctx, Event{Type: EventTaskStarted, RunID: req.RunID, Phase: plan.spec.Name, TaskID: task.ID, Attempt: req.Attempt})
	p.logger.Debug(ctx, "task attempt started", zap.Int("attempt", req.Attempt), zap.String("kind", task.Kind))

	taskCtx, cancel := context.WithTimeout(ctx, plan.taskTimeout(idx))
	defer cancel()
	req.Deadline, _ = taskCtx.Deadline()

	done := make(chan execOutcome, 1)
	exec := plan.executors[idx]
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: &Failure{Kind: FailureExecutor, Message: fmt.Sprintf("executor panicked: %v", r)}}
			}
		}()
		out, err := exec.Execute(taskCtx, req)
		done <- execOutcome{out: out, err: err}
	}()

	var res execOutcome
	select {
	case res = <-done:
	case <-taskCtx.Done():
		res.err = taskCtx.Err()
	}

	var output Payload
	switch {
	case res.err == nil:
		normalized, err := NormalizePayload(res.out)
		if err != nil {
			att.Status = TaskFailed
			att.Failure = &Failure{Kind: FailureOutput, Message: err.Error()}
			break
		}
		att.Status = TaskSucceeded
		output = normalized
	case errors.Is(context.Cause(ctx), errTaskDeadline):
		att.Status = TaskTimedOut
		att.Failure = &Failure{
			Kind:    FailureTimeout,
			Message: fmt.Sprintf("task deadline of %s exceeded", plan.taskDeadline),
		}
	case ctx.Err() != nil:
		att.Status = TaskFailed
		att.Failure = &Failure{Kind: FailureCanceled, Message: ctx.Err().Error()}
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		att.Status = TaskTimedOut
		att.Failure = &Failure{
			Kind:    FailureTimeout,
			Message: fmt.Sprintf("no result within %s", plan.taskTimeout(idx)),
		}
	default:
		att.Status = TaskFailed
		att.Failure = AsFailure(res.err)
	}
	att.FinishedAt = p.now()

	TaskAttemptsTotal.WithLabelValues(string(plan.spec.Mode), string(att.Status)).Inc()
	TaskAttemptDuration.WithLabelValues(string(plan.spec.Mode)).Observe(att.FinishedAt.Sub(att.StartedAt).Seconds())

	ev := Event{Type: taskEventType(att.Status), RunID: req.RunID, Phase: plan.spec.Name, TaskID: task.ID, Attempt: req.Attempt}
	if att.Failure != nil {
		span.SetStatus(codes.Error, att.Failure.Message)
		span.SetAttributes(attribute.String("task.failure_kind", string(att.Failure.Kind)))
		ev.Message = att.Failure.Message
		p.logger.Warn(ctx, "task attempt did not succeed",
			zap.Int("attempt", req.Attempt),
			zap.String("status", string(att.Status)),
			zap.String("failure", att.Failure.Message),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		p.logger.Debug(ctx, "task attempt succeeded", zap.Int("attempt", req.Attempt))
		p.logger.Trace(ctx, "task output", zap.Any("output", output))
	}
	p.emit(ctx, ev)

	return att, output
}

// newTaskResult returns the pending result skeleton for a task.
func newTaskResult(t TaskSpec) TaskResult {
	slot := t.Slot
	if slot == "" {
		slot = t.ID
	}
	return TaskResult{ID: t.ID, Kind: t.Kind, Slot: slot, Status: TaskPending}
}

// applyAttempt folds one attempt into the task result.
func (r *TaskResult) applyAttempt(att TaskAttempt, output Payload) {
	r.Attempts = append(r.Attempts, att)
	r.Attempt = att.Number
	r.Status = att.Status
	r.Failure = att.Failure
	r.Output = output
}

func canceledFailure(ctx context.Context) *Failure {
	msg := "run canceled"
	if err := ctx.Err(); err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: FailureCanceled, Message: msg}
}
