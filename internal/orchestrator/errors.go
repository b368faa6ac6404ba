package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPipelineConfiguration matches every *ConfigError.
var ErrPipelineConfiguration = errors.New("pipeline configuration error")

// Configuration error kinds, retrievable with errors.Is.
var (
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateName     = errors.New("duplicate name")
	ErrUnknownKind       = errors.New("no executor for task kind")
	ErrInvalidPhase      = errors.New("invalid phase")
	ErrMissingRemediator = errors.New("sequential phase requires a remediator")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Run-time errors.
var (
	ErrTaskFailed         = errors.New("task failed")
	ErrTaskTimeout        = errors.New("task timed out")
	ErrRunFailed          = errors.New("run failed")
	ErrArtifactExists     = errors.New("artifact already exists")
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrRemediationTimeout = errors.New("remediation acknowledgment timed out")
)

// ConfigError reports a pipeline that cannot be built. It is returned by
// NewPipeline before any task executes.
type ConfigError struct {
	Kind error
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ErrPipelineConfiguration, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", ErrPipelineConfiguration, e.Kind, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Kind }

// Is matches ErrPipelineConfiguration in addition to the wrapped kind.
func (e *ConfigError) Is(target error) bool {
	return target == ErrPipelineConfiguration
}

func configErrorf(kind error, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// FailureKind classifies a task failure.
type FailureKind string

const (
	FailureTask     FailureKind = "task"
	FailureTimeout  FailureKind = "timeout"
	FailureCanceled FailureKind = "canceled"
	FailureOutput   FailureKind = "invalid_output"
	FailureExecutor FailureKind = "executor"
)

// Failure describes why a task attempt did not succeed. Executors return a
// *Failure to pass remediation hints; any other error is wrapped as FailureTask.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Hints   []string    `json:"hints,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is maps failure kinds onto ErrTaskFailed and ErrTaskTimeout.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTaskTimeout:
		return f.Kind == FailureTimeout
	case ErrTaskFailed:
		return f.Kind != FailureTimeout
	}
	return false
}

// Fail builds a task failure with optional remediation hints.
func Fail(message string, hints ...string) *Failure {
	return &Failure{Kind: FailureTask, Message: message, Hints: hints}
}

// AsFailure converts an executor error into a Failure.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		cp := *f
		if cp.Kind == "" {
			cp.Kind = FailureTask
		}
		return &cp
	}
	return &Failure{Kind: FailureTask, Message: err.Error()}
}

// TaskDiagnosis summarises a task that kept a phase from succeeding.
type TaskDiagnosis struct {
	TaskID           string               `json:"task_id"`
	Status           TaskStatus           `json:"status"`
	Attempts         int                  `json:"attempts"`
	LastFailure      *Failure             `json:"last_failure,omitempty"`
	UnresolvedReason string               `json:"unresolved_reason,omitempty"`
	Remediations     []RemediationAttempt `json:"remediations,omitempty"`
}

// RunFailure is the structured report of a run that halted. It names the
// first blocking phase and the tasks that caused it.
type RunFailure struct {
	RunID      string          `json:"run_id"`
	Phase      string          `json:"phase"`
	Status     PhaseStatus     `json:"status"`
	Reason     string          `json:"reason"`
	Tasks      []TaskDiagnosis `json:"tasks,omitempty"`
	Violations []Violation     `json:"violations,omitempty"`
}

func (f *RunFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s halted at phase %s (%s): %s", f.RunID, f.Phase, f.Status, f.Reason)
	for _, t := range f.Tasks {
		fmt.Fprintf(&b, "; %s %s after %d attempt(s)", t.TaskID, t.Status, t.Attempts)
	}
	return b.String()
}

// Is matches ErrRunFailed.
func (f *RunFailure) Is(target error) bool {
	return target == ErrRunFailed
}
