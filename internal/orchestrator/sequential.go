package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

// Unresolved reasons.
const (
	UnresolvedLimitReached  = "remediation limit reached"
	UnresolvedDeadline      = "task deadline exceeded"
	UnresolvedAckTimeout    = "remediation acknowledgment timed out"
	UnresolvedRequestFailed = "remediation request failed"
)

// errTaskDeadline is the cancellation cause of the remediation loop context.
var errTaskDeadline = errors.New(UnresolvedDeadline)

// runSequential runs tasks one at a time in declared order. A failed task is
// sent for remediation and re-run against the same input until it succeeds
// or its budget is spent, then the next task starts.
func (p *Pipeline) runSequential(ctx context.Context, plan *phasePlan, base TaskRequest) []TaskResult {
	tasks := plan.spec.Tasks
	results := make([]TaskResult, len(tasks))
	prior := make(map[string]Payload)
	aborted := ""

	for i, t := range tasks {
		results[i] = newTaskResult(t)

		switch {
		case ctx.Err() != nil:
			results[i].Status = TaskSkipped
			results[i].Failure = canceledFailure(ctx)
		case aborted != "":
			results[i].Status = TaskSkipped
			results[i].UnresolvedReason = fmt.Sprintf("skipped after %s became unresolved", aborted)
		}
		if results[i].Status == TaskSkipped {
			p.emit(ctx, Event{Type: EventTaskSkipped, RunID: base.RunID, Phase: plan.spec.Name, TaskID: t.ID})
			continue
		}

		p.runRemediated(ctx, plan, i, base, prior, &results[i])

		switch results[i].Status {
		case TaskSucceeded:
			prior[results[i].Slot] = results[i].Output
		case TaskUnresolved:
			if plan.spec.AbortOnUnresolved {
				aborted = t.ID
			}
		}
	}
	return results
}

// runRemediated drives one task through the remediation loop:
// attempt, request a fix on failure, wait for the acknowledgment, re-run.
// The loop ends Unresolved when maxIterations fix requests have been made,
// the task deadline passes, or an acknowledgment does not arrive in time.
func (p *Pipeline) runRemediated(ctx context.Context, plan *phasePlan, idx int, base TaskRequest, prior map[string]Payload, res *TaskResult) {
	task := plan.spec.Tasks[idx]
	loopCtx, cancel := context.WithTimeoutCause(ctx, plan.taskDeadline, errTaskDeadline)
	defer cancel()

	var lastFailure *Failure
	for attemptNo := 1; ; attemptNo++ {
		req := base
		req.TaskID = task.ID
		req.Kind = task.Kind
		req.Attempt = attemptNo
		req.EffortLevel = task.EffortLevel
		req.Params = task.Params
		req.Prior = clonePrior(prior)
		req.LastFailure = lastFailure

		att, out := p.attempt(loopCtx, plan, idx, req)
		res.applyAttempt(att, out)
		if att.Status == TaskSucceeded {
			return
		}
		if ctx.Err() != nil {
			// Run canceled: keep the failed attempt, no remediation.
			return
		}

		switch {
		case len(res.Remediations) >= plan.maxIterations:
			p.markUnresolved(ctx, plan, res, UnresolvedLimitReached)
			return
		case loopCtx.Err() != nil:
			p.markUnresolved(ctx, plan, res, UnresolvedDeadline)
			return
		}

		rem := p.requestFix(loopCtx, plan, req, *att.Failure)
		res.Remediations = append(res.Remediations, rem.RemediationAttempt)
		if rem.Error != "" {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(loopCtx.Err(), context.DeadlineExceeded):
				p.markUnresolved(ctx, plan, res, UnresolvedDeadline)
			case errors.Is(rem.err, ErrRemediationTimeout):
				p.markUnresolved(ctx, plan, res, UnresolvedAckTimeout)
			default:
				p.markUnresolved(ctx, plan, res, UnresolvedRequestFailed)
			}
			return
		}
		lastFailure = att.Failure
	}
}

// requestFix sends one fix request and waits for the acknowledgment, bounded
// by the remediation timeout.
func (p *Pipeline) requestFix(ctx context.Context, plan *phasePlan, req TaskRequest, failure Failure) remediationOutcome {
	ackCtx, cancel := context.WithTimeout(ctx, plan.remediationTimeout)
	defer cancel()
	deadline, _ := ackCtx.Deadline()

	ctx = logging.WithTaskID(ctx, req.TaskID)
	rem := RemediationAttempt{
		TaskID:        req.TaskID,
		AttemptNumber: req.Attempt,
		Failure:       failure,
		RequestSentAt: p.now(),
	}
	p.emit(ctx, Event{
		Type:    EventRemediationRequested,
		RunID:   req.RunID,
		Phase:   plan.spec.Name,
		TaskID:  req.TaskID,
		Attempt: req.Attempt,
		Message: failure.Message,
	})
	p.logger.Info(ctx, "remediation requested", zap.Int("attempt", req.Attempt), zap.String("failure", failure.Message))

	type ackResult struct {
		ack Ack
		err error
	}
	done := make(chan ackResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ackResult{err: fmt.Errorf("remediator panicked: %v", r)}
			}
		}()
		ack, err := p.remediator.RequestFix(ackCtx, FixRequest{
			RunID:    req.RunID,
			Phase:    plan.spec.Name,
			TaskID:   req.TaskID,
			Kind:     req.Kind,
			Attempt:  req.Attempt,
			Failure:  failure,
			Deadline: deadline,
		})
		done <- ackResult{ack: ack, err: err}
	}()

	var got ackResult
	select {
	case got = <-done:
	case <-ackCtx.Done():
		got.err = ackCtx.Err()
	}

	if got.err == nil {
		rem.AckAt = got.ack.At
		if rem.AckAt.IsZero() {
			rem.AckAt = p.now()
		}
		rem.Note = got.ack.Note
		RemediationRequestsTotal.WithLabelValues("acknowledged").Inc()
		p.emit(ctx, Event{
			Type:    EventRemediationAcknowledged,
			RunID:   req.RunID,
			Phase:   plan.spec.Name,
			TaskID:  req.TaskID,
			Attempt: req.Attempt,
			Message: got.ack.Note,
		})
		return remediationOutcome{RemediationAttempt: rem}
	}

	err := got.err
	outcome := "error"
	if errors.Is(err, context.DeadlineExceeded) && ackCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrRemediationTimeout, plan.remediationTimeout)
		outcome = "timeout"
	}
	RemediationRequestsTotal.WithLabelValues(outcome).Inc()
	rem.Error = err.Error()
	p.logger.Warn(ctx, "remediation not acknowledged", zap.Int("attempt", req.Attempt), zap.Error(err))
	return remediationOutcome{RemediationAttempt: rem, err: err}
}

// remediationOutcome carries the recorded attempt plus the typed error.
type remediationOutcome struct {
	RemediationAttempt
	err error
}

func (p *Pipeline) markUnresolved(ctx context.Context, plan *phasePlan, res *TaskResult, reason string) {
	res.Status = TaskUnresolved
	res.UnresolvedReason = reason
	p.emit(ctx, Event{
		Type:    EventTaskUnresolved,
		RunID:   logging.RunIDFromContext(ctx),
		Phase:   plan.spec.Name,
		TaskID:  res.ID,
		Attempt: res.Attempt,
		Message: reason,
	})
	p.logger.Warn(logging.WithTaskID(ctx, res.ID), "task unresolved",
		zap.String("reason", reason),
		zap.Int("attempts", len(res.Attempts)),
		zap.Int("remediations", len(res.Remediations)),
	)
}

func clonePrior(prior map[string]Payload) map[string]Payload {
	if len(prior) == 0 {
		return nil
	}
	out := make(map[string]Payload, len(prior))
	for k, v := range prior {
		out[k] = v
	}
	return out
}
