package orchestrator

import (
	"context"
	"time"
)

// TaskRequest is everything an executor receives for one task attempt.
// Payloads and artifacts are shared with other tasks and must be treated as
// read-only.
type TaskRequest struct {
	RunID       string            `json:"run_id"`
	Phase       string            `json:"phase"`
	TaskID      string            `json:"task_id"`
	Kind        string            `json:"kind"`
	Attempt     int               `json:"attempt"`
	EffortLevel string            `json:"effort_level,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Deadline    time.Time         `json:"deadline"`

	// Seed is the run input.
	Seed Payload `json:"seed,omitempty"`

	// Inputs are the artifacts of the phases this phase depends on.
	Inputs map[string]*Artifact `json:"inputs,omitempty"`

	// Prior holds outputs of earlier succeeded tasks in a sequential phase.
	Prior map[string]Payload `json:"prior,omitempty"`

	// LastFailure is the failure of the previous attempt, after remediation.
	LastFailure *Failure `json:"last_failure,omitempty"`
}

// TaskExecutor runs tasks of some kind. Implementations must be safe for
// concurrent use and should honour ctx cancellation, although the engine
// stops waiting at the deadline regardless.
type TaskExecutor interface {
	Execute(ctx context.Context, req TaskRequest) (Payload, error)
}

// ExecutorFunc adapts a function to TaskExecutor.
type ExecutorFunc func(ctx context.Context, req TaskRequest) (Payload, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req TaskRequest) (Payload, error) {
	return f(ctx, req)
}

// ExecutorTable maps task kinds to executors. Pipelines resolve every task
// against the table once, at construction; later changes to the table do not
// affect pipelines already built.
type ExecutorTable struct {
	byKind   map[string]TaskExecutor
	fallback TaskExecutor
}

// NewExecutorTable creates an empty table.
func NewExecutorTable() *ExecutorTable {
	return &ExecutorTable{byKind: make(map[string]TaskExecutor)}
}

// Register binds kind to exec.
func (t *ExecutorTable) Register(kind string, exec TaskExecutor) *ExecutorTable {
	t.byKind[kind] = exec
	return t
}

// SetFallback sets the executor used for kinds with no explicit binding.
func (t *ExecutorTable) SetFallback(exec TaskExecutor) *ExecutorTable {
	t.fallback = exec
	return t
}

// Resolve returns the executor for kind.
func (t *ExecutorTable) Resolve(kind string) (TaskExecutor, bool) {
	if t == nil {
		return nil, false
	}
	if exec, ok := t.byKind[kind]; ok && exec != nil {
		return exec, true
	}
	if t.fallback != nil {
		return t.fallback, true
	}
	return nil, false
}

// FixRequest asks an external party to fix a failed task.
type FixRequest struct {
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase"`
	TaskID   string    `json:"task_id"`
	Kind     string    `json:"kind"`
	Attempt  int       `json:"attempt"`
	Failure  Failure   `json:"failure"`
	Deadline time.Time `json:"deadline"`
}

// Ack confirms a fix attempt was made. It does not claim the fix worked.
type Ack struct {
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Remediator requests fixes. RequestFix blocks until the fix attempt is
// acknowledged or ctx ends.
type Remediator interface {
	RequestFix(ctx context.Context, req FixRequest) (Ack, error)
}

// RemediatorFunc adapts a function to Remediator.
type RemediatorFunc func(ctx context.Context, req FixRequest) (Ack, error)

// RequestFix calls f.
func (f RemediatorFunc) RequestFix(ctx context.Context, req FixRequest) (Ack, error) {
	return f(ctx, req)
}
