package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

const tracerName = "github.com/fyrsmithlabs/phaseflow/internal/orchestrator"

// maxIdentifierLen bounds pipeline, phase, task and run identifiers.
const maxIdentifierLen = 128

// identifierPattern keeps identifiers safe for NATS subjects and KV keys.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidIdentifier reports whether s can be used as a pipeline, phase, task,
// task kind or run identifier.
func ValidIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= maxIdentifierLen && identifierPattern.MatchString(s)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore sets the artifact store. Defaults to a new MemoryStore.
func WithStore(store ArtifactStore) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithRemediator sets the fixer used by sequential phases.
func WithRemediator(r Remediator) Option {
	return func(p *Pipeline) { p.remediator = r }
}

// WithEventSink sets the receiver of lifecycle events.
func WithEventSink(sink EventSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithGate adds a gate checked before the named phase starts.
func WithGate(phase string, gate Gate) Option {
	return func(p *Pipeline) { p.gates[phase] = append(p.gates[phase], gate) }
}

// WithLimits sets engine defaults. Zero fields keep DefaultLimits values.
func WithLimits(limits Limits) Option {
	return func(p *Pipeline) { p.limits = limits }
}

// WithClock overrides the time source for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// phasePlan is a validated phase with executors bound and limits resolved.
type phasePlan struct {
	spec               PhaseSpec
	executors          []TaskExecutor
	require            RequirePolicy
	taskTimeoutDefault time.Duration
	maxIterations      int
	remediationTimeout time.Duration
	taskDeadline       time.Duration
	maxConcurrency     int
}

func (pl *phasePlan) taskTimeout(idx int) time.Duration {
	if t := pl.spec.Tasks[idx].Timeout; t > 0 {
		return t
	}
	return pl.taskTimeoutDefault
}

// Pipeline is an immutable, validated phase graph. Run may be called
// concurrently with distinct run ids.
type Pipeline struct {
	name       string
	phases     map[string]*phasePlan
	order      []string
	store      ArtifactStore
	remediator Remediator
	sink       EventSink
	logger     *logging.Logger
	tracer     trace.Tracer
	gates      map[string][]Gate
	limits     Limits
	now        func() time.Time
}

// NewPipeline validates the phase graph and binds every task kind to an
// executor. Any problem is reported as a *ConfigError before a task runs.
func NewPipeline(name string, phases []PhaseSpec, executors *ExecutorTable, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		name:   name,
		phases: make(map[string]*phasePlan, len(phases)),
		gates:  make(map[string][]Gate),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.sink == nil {
		p.sink = MultiSink{}
	}
	if err := mergo.Merge(&p.limits, DefaultLimits()); err != nil {
		return nil, fmt.Errorf("resolving limits: %w", err)
	}
	if p.limits.MaxIterations < 1 {
		return nil, configErrorf(ErrInvalidPhase, "max iterations must be at least 1")
	}

	if !ValidIdentifier(name) {
		return nil, configErrorf(ErrInvalidIdentifier, "pipeline name %q", name)
	}
	if len(phases) == 0 {
		return nil, configErrorf(ErrInvalidPhase, "pipeline %s has no phases", name)
	}

	deps := make(map[string][]string, len(phases))
	for _, spec := range phases {
		if !ValidIdentifier(spec.Name) {
			return nil, configErrorf(ErrInvalidIdentifier, "phase name %q", spec.Name)
		}
		if _, dup := p.phases[spec.Name]; dup {
			return nil, configErrorf(ErrDuplicateName, "phase %s declared twice", spec.Name)
		}
		plan, err := p.planPhase(spec, executors)
		if err != nil {
			return nil, err
		}
		p.phases[spec.Name] = plan
		deps[spec.Name] = spec.DependsOn
	}

	order, err := topoOrder(deps)
	if err != nil {
		return nil, err
	}
	p.order = order

	for phase := range p.gates {
		if _, ok := p.phases[phase]; !ok {
			return nil, configErrorf(ErrInvalidPhase, "gate registered for unknown phase %s", phase)
		}
	}
	for _, name := range order {
		if kinds := p.phases[name].spec.BlockingIssues; len(kinds) > 0 {
			p.gates[name] = append([]Gate{NewIssueGate(kinds...)}, p.gates[name]...)
		}
	}
	return p, nil
}

func (p *Pipeline) planPhase(spec PhaseSpec, executors *ExecutorTable) (*phasePlan, error) {
	if !spec.Mode.Valid() {
		return nil, configErrorf(ErrInvalidPhase, "phase %s: unknown mode %q", spec.Name, spec.Mode)
	}
	if len(spec.Tasks) == 0 {
		return nil, configErrorf(ErrInvalidPhase, "phase %s has no tasks", spec.Name)
	}
	if spec.Mode == ModeSequential && p.remediator == nil {
		return nil, configErrorf(ErrMissingRemediator, "phase %s", spec.Name)
	}
	if spec.TaskTimeout < 0 || spec.RemediationTimeout < 0 || spec.TaskDeadline < 0 ||
		spec.MaxIterations < 0 || spec.MaxConcurrency < 0 {
		return nil, configErrorf(ErrInvalidPhase, "phase %s: limits must not be negative", spec.Name)
	}
	for _, kind := range spec.BlockingIssues {
		if kind != IssueGap && kind != IssueConflict {
			return nil, configErrorf(ErrInvalidPhase, "phase %s: unknown blocking issue kind %q", spec.Name, kind)
		}
	}

	plan := &phasePlan{
		spec:               spec,
		executors:          make([]TaskExecutor, len(spec.Tasks)),
		require:            spec.Require,
		taskTimeoutDefault: orDuration(spec.TaskTimeout, p.limits.TaskTimeout),
		maxIterations:      orInt(spec.MaxIterations, p.limits.MaxIterations),
		remediationTimeout: orDuration(spec.RemediationTimeout, p.limits.RemediationTimeout),
		taskDeadline:       orDuration(spec.TaskDeadline, p.limits.TaskDeadline),
		maxConcurrency:     orInt(spec.MaxConcurrency, p.limits.MaxConcurrency),
	}
	if plan.require == "" {
		plan.require = RequireAny
		if spec.Mode == ModeSequential {
			plan.require = RequireAll
		}
	}
	if !plan.require.Valid() {
		return nil, configErrorf(ErrInvalidPhase, "phase %s: unknown require policy %q", spec.Name, spec.Require)
	}

	ids := make(map[string]bool, len(spec.Tasks))
	slots := make(map[string]bool, len(spec.Tasks))
	listed := 0
	for i, t := range spec.Tasks {
		if !ValidIdentifier(t.ID) {
			return nil, configErrorf(ErrInvalidIdentifier, "phase %s: task id %q", spec.Name, t.ID)
		}
		if ids[t.ID] {
			return nil, configErrorf(ErrDuplicateName, "phase %s: task %s declared twice", spec.Name, t.ID)
		}
		ids[t.ID] = true

		slot := t.Slot
		if slot == "" {
			slot = t.ID
		}
		if slots[slot] {
			return nil, configErrorf(ErrDuplicateName, "phase %s: slot %s used twice", spec.Name, slot)
		}
		slots[slot] = true

		if t.Timeout < 0 {
			return nil, configErrorf(ErrInvalidPhase, "phase %s: task %s has a negative timeout", spec.Name, t.ID)
		}
		if t.Required {
			listed++
		}
		if t.Kind != "" && !ValidIdentifier(t.Kind) {
			return nil, configErrorf(ErrInvalidIdentifier, "phase %s: task %s kind %q", spec.Name, t.ID, t.Kind)
		}
		exec, ok := executors.Resolve(t.Kind)
		if t.Kind == "" || !ok {
			return nil, configErrorf(ErrUnknownKind, "phase %s: task %s kind %q", spec.Name, t.ID, t.Kind)
		}
		plan.executors[i] = exec
	}
	if plan.require == RequireListed && listed == 0 {
		return nil, configErrorf(ErrInvalidPhase, "phase %s: require policy listed but no task is required", spec.Name)
	}
	return plan, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Order returns the phase names in execution order.
func (p *Pipeline) Order() []string {
	return append([]string(nil), p.order...)
}

// Phases returns the phase specifications in execution order.
func (p *Pipeline) Phases() []PhaseSpec {
	out := make([]PhaseSpec, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.phases[name].spec)
	}
	return out
}

// Run executes every phase in order against seed. On success the result
// carries the final artifact and the error is nil. When a phase fails or is
// blocked, later phases are skipped and the error is the *RunFailure also
// stored on the result. Cancelling ctx stops the run with RunCanceled.
func (p *Pipeline) Run(ctx context.Context, runID string, seed Payload) (*RunResult, error) {
	if !ValidIdentifier(runID) {
		return nil, configErrorf(ErrInvalidIdentifier, "run id %q", runID)
	}
	seed, err := NormalizePayload(seed)
	if err != nil {
		return nil, fmt.Errorf("seed for run %s: %w", runID, err)
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("pipeline.name", p.name),
		attribute.Int("pipeline.phases", len(p.order)),
	))
	defer span.End()

	ActiveRuns.Inc()
	defer ActiveRuns.Dec()

	result := &RunResult{RunID: runID, Pipeline: p.name, StartedAt: p.now()}
	p.emit(ctx, Event{Type: EventRunStarted, RunID: runID})
	p.logger.Info(ctx, "run started", zap.String("pipeline", p.name), zap.Strings("order", p.order))

	for _, name := range p.order {
		plan := p.phases[name]
		if result.Failure != nil {
			result.Phases = append(result.Phases, PhaseResult{Name: name, Mode: plan.spec.Mode, Status: PhaseSkipped})
			p.emit(ctx, Event{Type: EventPhaseSkipped, RunID: runID, Phase: name})
			continue
		}

		pr, reason := p.runPhase(ctx, plan, runID, seed)
		result.Phases = append(result.Phases, pr)
		if pr.Status != PhaseSucceeded {
			result.Failure = newRunFailure(runID, &pr, reason)
		}
	}
	result.CompletedAt = p.now()
	result.collectIssues()

	switch {
	case result.Failure == nil:
		result.Status = RunSucceeded
		result.Final = result.Phases[len(result.Phases)-1].Artifact
	case ctx.Err() != nil:
		result.Status = RunCanceled
	default:
		result.Status = RunFailed
	}
	RunsTotal.WithLabelValues(string(result.Status)).Inc()

	if result.Failure == nil {
		span.SetStatus(codes.Ok, "")
		p.emit(ctx, Event{Type: EventRunSucceeded, RunID: runID})
		p.logger.Info(ctx, "run succeeded", zap.Int("issues", len(result.Issues)))
		return result, nil
	}

	span.SetStatus(codes.Error, result.Failure.Reason)
	p.emit(ctx, Event{Type: EventRunFailed, RunID: runID, Phase: result.Failure.Phase, Message: result.Failure.Reason})
	p.logger.Warn(ctx, "run halted",
		zap.String("status", string(result.Status)),
		zap.String("phase", result.Failure.Phase),
		zap.String("reason", result.Failure.Reason),
	)
	if result.Status == RunCanceled {
		return result, fmt.Errorf("run %s canceled: %w", runID, ctx.Err())
	}
	return result, result.Failure
}

// runPhase loads upstream artifacts, checks gates, runs the tasks, applies
// the require policy and stores the phase artifact. The returned reason
// explains a status other than succeeded.
func (p *Pipeline) runPhase(ctx context.Context, plan *phasePlan, runID string, seed Payload) (PhaseResult, string) {
	name := plan.spec.Name
	ctx = logging.WithPhase(ctx, name)
	ctx, span := p.tracer.Start(ctx, "phase.run", trace.WithAttributes(
		attribute.String("phase.name", name),
		attribute.String("phase.mode", string(plan.spec.Mode)),
		attribute.Int("phase.tasks", len(plan.spec.Tasks)),
	))
	defer span.End()

	pr := PhaseResult{Name: name, Mode: plan.spec.Mode, Status: PhaseRunning, StartedAt: p.now()}
	p.emit(ctx, Event{Type: EventPhaseStarted, RunID: runID, Phase: name})

	finish := func(status PhaseStatus, reason string) (PhaseResult, string) {
		pr.Status = status
		pr.CompletedAt = p.now()
		PhasesTotal.WithLabelValues(string(plan.spec.Mode), string(status)).Inc()

		ev := Event{Type: EventPhaseSucceeded, RunID: runID, Phase: name, Message: reason}
		switch status {
		case PhaseSucceeded:
			span.SetStatus(codes.Ok, "")
			p.logger.Info(ctx, "phase succeeded", zap.Int("issues", len(pr.Artifact.Issues)))
		case PhaseBlocked:
			ev.Type = EventPhaseBlocked
			span.SetStatus(codes.Error, reason)
			p.logger.Warn(ctx, "phase blocked", zap.String("reason", reason))
		default:
			ev.Type = EventPhaseFailed
			span.SetStatus(codes.Error, reason)
			p.logger.Warn(ctx, "phase failed", zap.String("reason", reason))
		}
		p.emit(ctx, ev)
		return pr, reason
	}

	inputs := make(map[string]*Artifact, len(plan.spec.DependsOn))
	for _, dep := range plan.spec.DependsOn {
		a, err := p.store.Get(ctx, runID, dep)
		if err != nil {
			return finish(PhaseFailed, fmt.Sprintf("loading artifact of %s: %v", dep, err))
		}
		inputs[dep] = a
	}

	for _, gate := range p.gates[name] {
		violations, err := gate.Check(ctx, name, inputs)
		if err != nil {
			return finish(PhaseFailed, fmt.Sprintf("gate %s: %v", gate.Name(), err))
		}
		for _, v := range violations {
			if v.Severity == SeverityWarning {
				p.logger.Warn(ctx, "gate warning", zap.String("gate", v.Gate), zap.String("description", v.Description))
			}
		}
		pr.Violations = append(pr.Violations, violations...)
	}
	if hasBlockingViolation(pr.Violations) {
		return finish(PhaseBlocked, describeViolations(pr.Violations))
	}

	base := TaskRequest{RunID: runID, Phase: name, Seed: seed, Inputs: inputs}
	if plan.spec.Mode == ModeParallel {
		pr.Tasks = p.runParallel(ctx, plan, base)
	} else {
		pr.Tasks = p.runSequential(ctx, plan, base)
	}

	if err := ctx.Err(); err != nil {
		return finish(PhaseFailed, fmt.Sprintf("run canceled: %v", err))
	}
	if ok, reason := plan.satisfied(pr.Tasks); !ok {
		return finish(PhaseFailed, reason)
	}

	var payload Payload
	var issues []Issue
	if plan.spec.Mode == ModeParallel {
		payload, issues = Synthesize(pr.Tasks)
	} else {
		payload = PassThrough(pr.Tasks)
	}
	artifact, err := NewArtifact(runID, name, payload, issues, p.now())
	if err != nil {
		return finish(PhaseFailed, err.Error())
	}

	stored, err := p.putArtifact(ctx, runID, name, artifact)
	if err != nil {
		return finish(PhaseFailed, err.Error())
	}
	recordIssues(stored.Issues)
	pr.Artifact = stored
	return finish(PhaseSucceeded, "")
}

// putArtifact stores a new artifact. When one already exists for the key,
// an identical digest counts as a replay of the same phase and the stored
// artifact is returned.
func (p *Pipeline) putArtifact(ctx context.Context, runID, phase string, artifact *Artifact) (*Artifact, error) {
	err := p.store.Put(ctx, runID, phase, artifact)
	if err == nil {
		return artifact, nil
	}
	if !errors.Is(err, ErrArtifactExists) {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}
	existing, gerr := p.store.Get(ctx, runID, phase)
	if gerr != nil {
		return nil, fmt.Errorf("reading existing artifact: %w", gerr)
	}
	if existing.Digest != artifact.Digest {
		return nil, fmt.Errorf("phase %s already recorded different output for run %s: %w", phase, runID, ErrArtifactExists)
	}
	p.logger.Debug(ctx, "artifact replayed", zap.String("artifact.id", existing.ID))
	return existing, nil
}

// satisfied applies the require policy to the task results.
func (pl *phasePlan) satisfied(results []TaskResult) (bool, string) {
	var missing []string
	succeeded := 0
	for i, r := range results {
		if r.Status == TaskSucceeded {
			succeeded++
			continue
		}
		if pl.require == RequireAll || (pl.require == RequireListed && pl.spec.Tasks[i].Required) {
			missing = append(missing, fmt.Sprintf("%s (%s)", r.ID, r.Status))
		}
	}

	if pl.require == RequireAny {
		if succeeded == 0 {
			return false, "no task succeeded"
		}
		return true, ""
	}
	if len(missing) > 0 {
		return false, "required tasks did not succeed: " + strings.Join(missing, ", ")
	}
	return true, ""
}

func newRunFailure(runID string, pr *PhaseResult, reason string) *RunFailure {
	f := &RunFailure{
		RunID:      runID,
		Phase:      pr.Name,
		Status:     pr.Status,
		Reason:     reason,
		Violations: pr.Violations,
	}
	for _, t := range pr.Tasks {
		if t.Status == TaskSucceeded {
			continue
		}
		f.Tasks = append(f.Tasks, TaskDiagnosis{
			TaskID:           t.ID,
			Status:           t.Status,
			Attempts:         len(t.Attempts),
			LastFailure:      t.Failure,
			UnresolvedReason: t.UnresolvedReason,
			Remediations:     t.Remediations,
		})
	}
	sort.SliceStable(f.Tasks, func(i, j int) bool { return f.Tasks[i].TaskID < f.Tasks[j].TaskID })
	return f
}

func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = p.now()
	}
	p.sink.Emit(ctx, ev)
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
