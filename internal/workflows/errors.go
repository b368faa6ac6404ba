package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// failureErrorType tags application errors that carry an orchestrator.Failure
// as their details.
const failureErrorType = "phaseflow.Failure"

// toApplicationError converts an executor error into a non-retryable
// application error so the failure kind and hints survive the round trip.
func toApplicationError(err error) error {
	f := orchestrator.AsFailure(err)
	return temporal.NewNonRetryableApplicationError(f.Message, failureErrorType, nil, *f)
}

// failureFromError classifies the error of a task activity.
func failureFromError(err error) *orchestrator.Failure {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() == failureErrorType {
		var f orchestrator.Failure
		if appErr.HasDetails() && appErr.Details(&f) == nil {
			return &f
		}
		return orchestrator.Fail(appErr.Message())
	}

	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &orchestrator.Failure{
			Kind:    orchestrator.FailureTimeout,
			Message: fmt.Sprintf("activity timed out: %s", timeoutErr.TimeoutType()),
		}
	}

	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return &orchestrator.Failure{Kind: orchestrator.FailureCanceled, Message: "activity canceled"}
	}

	return &orchestrator.Failure{Kind: orchestrator.FailureExecutor, Message: err.Error()}
}
