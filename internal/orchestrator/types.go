package orchestrator

import (
	"time"
)

// Mode selects how a phase runs its tasks.
type Mode string

const (
	// ModeParallel launches every task at once and synthesizes the outputs.
	ModeParallel Mode = "parallel"

	// ModeSequential runs tasks in declared order, remediating failures.
	ModeSequential Mode = "sequential_remediated"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeParallel || m == ModeSequential
}

// RequirePolicy decides which task outcomes fail a phase.
type RequirePolicy string

const (
	// RequireAny fails the phase only when no task succeeded.
	RequireAny RequirePolicy = "any"

	// RequireAll fails the phase when any task did not succeed.
	RequireAll RequirePolicy = "all"

	// RequireListed fails the phase when a task marked Required did not succeed.
	RequireListed RequirePolicy = "listed"
)

// Valid reports whether p is a known policy.
func (p RequirePolicy) Valid() bool {
	return p == RequireAny || p == RequireAll || p == RequireListed
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskTimedOut   TaskStatus = "timed_out"
	TaskUnresolved TaskStatus = "unresolved"
	TaskSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the status is final for an attempt.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskTimedOut, TaskUnresolved, TaskSkipped:
		return true
	}
	return false
}

// PhaseStatus is the outcome of a phase within one run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseBlocked   PhaseStatus = "blocked"
	PhaseSkipped   PhaseStatus = "skipped"
)

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// TaskSpec declares one task of a phase.
type TaskSpec struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	// Slot is the synthesis key for the task output. Defaults to ID.
	Slot string `json:"slot,omitempty"`

	// Required marks the task for the RequireListed policy.
	Required bool `json:"required,omitempty"`

	// EffortLevel is passed through to the executor uninterpreted.
	EffortLevel string `json:"effort_level,omitempty"`

	// Timeout overrides the phase task timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	Params map[string]string `json:"params,omitempty"`
}

// PhaseSpec declares a phase. Zero durations and counts inherit Limits.
type PhaseSpec struct {
	Name      string     `json:"name"`
	Mode      Mode       `json:"mode"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Tasks     []TaskSpec `json:"tasks"`

	// Require defaults to RequireAny for parallel and RequireAll for
	// sequential phases.
	Require RequirePolicy `json:"require,omitempty"`

	TaskTimeout        time.Duration `json:"task_timeout,omitempty"`
	MaxIterations      int           `json:"max_iterations,omitempty"`
	RemediationTimeout time.Duration `json:"remediation_timeout,omitempty"`
	TaskDeadline       time.Duration `json:"task_deadline,omitempty"`
	MaxConcurrency     int           `json:"max_concurrency,omitempty"`

	// AbortOnUnresolved skips the remaining tasks once one is Unresolved.
	AbortOnUnresolved bool `json:"abort_on_unresolved,omitempty"`

	// BlockingIssues lists upstream issue kinds that stop this phase from starting.
	BlockingIssues []IssueKind `json:"blocking_issues,omitempty"`
}

// Limits are the engine-wide defaults for phases that leave values unset.
type Limits struct {
	TaskTimeout        time.Duration
	MaxIterations      int
	RemediationTimeout time.Duration
	TaskDeadline       time.Duration
	MaxConcurrency     int

	// DispatchRate caps parallel task launches per second. Zero disables it.
	DispatchRate float64
}

// DefaultLimits returns the engine defaults.
func DefaultLimits() Limits {
	return Limits{
		TaskTimeout:        10 * time.Minute,
		MaxIterations:      5,
		RemediationTimeout: 15 * time.Minute,
		TaskDeadline:       time.Hour,
	}
}

// TaskAttempt records one execution of a task.
type TaskAttempt struct {
	Number     int        `json:"number"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Failure    *Failure   `json:"failure,omitempty"`
}

// RemediationAttempt records one fix request for a failed attempt.
type RemediationAttempt struct {
	TaskID        string    `json:"task_id"`
	AttemptNumber int       `json:"attempt_number"`
	Failure       Failure   `json:"failure"`
	RequestSentAt time.Time `json:"remediation_request_sent_at"`
	AckAt         time.Time `json:"remediation_ack_at"`
	Note          string    `json:"note,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Acknowledged reports whether the remediator answered the request.
func (r RemediationAttempt) Acknowledged() bool {
	return !r.AckAt.IsZero() && r.Error == ""
}

// TaskResult is the terminal state of a task within a phase run.
type TaskResult struct {
	ID     string     `json:"id"`
	Kind   string     `json:"kind"`
	Slot   string     `json:"slot"`
	Status TaskStatus `json:"status"`

	// Attempt is the number of the last execution, 0 when never started.
	Attempt int `json:"attempt"`

	Output           Payload              `json:"output,omitempty"`
	Failure          *Failure             `json:"failure,omitempty"`
	UnresolvedReason string               `json:"unresolved_reason,omitempty"`
	Attempts         []TaskAttempt        `json:"attempts,omitempty"`
	Remediations     []RemediationAttempt `json:"remediations,omitempty"`
}

// PhaseResult is the outcome of one phase within a run.
type PhaseResult struct {
	Name        string       `json:"name"`
	Mode        Mode         `json:"mode"`
	Status      PhaseStatus  `json:"status"`
	Tasks       []TaskResult `json:"tasks,omitempty"`
	Artifact    *Artifact    `json:"artifact,omitempty"`
	Violations  []Violation  `json:"violations,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Task returns the result for the given task id, or nil.
func (p *PhaseResult) Task(id string) *TaskResult {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// RunResult is everything a run produced. Issues gathers the issues of every
// stored phase artifact in run order, so a gap recorded upstream of a
// pass-through phase still shows at run level.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Pipeline    string        `json:"pipeline"`
	Status      RunStatus     `json:"status"`
	Phases      []PhaseResult `json:"phases"`
	Final       *Artifact     `json:"final,omitempty"`
	Issues      []Issue       `json:"issues,omitempty"`
	Failure     *RunFailure   `json:"failure,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (r *RunResult) collectIssues() {
	r.Issues = nil
	for _, pr := range r.Phases {
		if pr.Artifact == nil {
			continue
		}
		for _, is := range pr.Artifact.Issues {
			is.Phase = pr.Name
			r.Issues = append(r.Issues, is)
		}
	}
}

// Phase returns the result for the named phase, or nil.
func (r *RunResult) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}
