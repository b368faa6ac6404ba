package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/telemetry"
)

// MockRemediator is a mock implementation of Remediator
type MockRemediator struct {
	mock.Mock
}

func (m *MockRemediator) RequestFix(ctx context.Context, req FixRequest) (Ack, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Ack), args.Error(1)
}

// MockGate is a mock implementation of Gate
type MockGate struct {
	mock.Mock
	name string
}

func (m *MockGate) Name() string { return m.name }

func (m *MockGate) Check(ctx context.Context, phase string, inputs map[string]*Artifact) ([]Violation, error) {
	args := m.Called(ctx, phase, inputs)
	return args.Get(0).([]Violation), args.Error(1)
}

func returns(out Payload) ExecutorFunc {
	return func(context.Context, TaskRequest) (Payload, error) { return out, nil }
}

func fails(msg string) ExecutorFunc {
	return func(context.Context, TaskRequest) (Payload, error) { return nil, Fail(msg) }
}

// ackAll acknowledges every fix request immediately and counts them.
func ackAll(count *atomic.Int32) RemediatorFunc {
	return func(_ context.Context, req FixRequest) (Ack, error) {
		count.Add(1)
		return Ack{Note: "fixed " + req.TaskID}, nil
	}
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == typ {
			n++
		}
	}
	return n
}

func parallelPhase(name string, ids ...string) PhaseSpec {
	spec := PhaseSpec{Name: name, Mode: ModeParallel}
	for _, id := range ids {
		spec.Tasks = append(spec.Tasks, TaskSpec{ID: id, Kind: id})
	}
	return spec
}

func sequentialPhase(name string, ids ...string) PhaseSpec {
	spec := parallelPhase(name, ids...)
	spec.Mode = ModeSequential
	return spec
}

func TestPipeline_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var testsRequests []TaskRequest
	var lintRequest TaskRequest
	var testsCalls atomic.Int32

	table := NewExecutorTable().
		Register("arch", returns(Payload{"layers": 3})).
		Register("deps", fails("resolver crashed")).
		Register("docs", returns(Payload{"pages": 12})).
		Register("tests", ExecutorFunc(func(_ context.Context, req TaskRequest) (Payload, error) {
			mu.Lock()
			testsRequests = append(testsRequests, req)
			mu.Unlock()
			if testsCalls.Add(1) == 1 {
				return nil, Fail("2 tests failing", "fix TestParse")
			}
			return Payload{"passed": 42}, nil
		})).
		Register("lint", ExecutorFunc(func(_ context.Context, req TaskRequest) (Payload, error) {
			mu.Lock()
			lintRequest = req
			mu.Unlock()
			return Payload{"warnings": 0}, nil
		}))

	remediator := &MockRemediator{}
	remediator.On("RequestFix", mock.Anything, mock.MatchedBy(func(req FixRequest) bool {
		return req.TaskID == "tests" && req.Attempt == 1 && req.Phase == "verify"
	})).Return(Ack{Note: "patched parser"}, nil).Once()

	verify := sequentialPhase("verify", "tests", "lint")
	verify.DependsOn = []string{"analysis"}
	verify.MaxIterations = 2

	events := &recorder{}
	tel := telemetry.NewTestTelemetry()
	logger := logging.NewTestLogger()

	p, err := NewPipeline("review", []PhaseSpec{
		verify,
		parallelPhase("analysis", "arch", "deps", "docs"),
	}, table,
		WithRemediator(remediator),
		WithEventSink(events),
		WithLogger(logger.Logger),
		WithTracer(tel.Tracer("test")),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis", "verify"}, p.Order())

	result, err := p.Run(context.Background(), "run-1", Payload{"repo": "example"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, RunSucceeded, result.Status)
	assert.Nil(t, result.Failure)

	analysis := result.Phase("analysis")
	require.NotNil(t, analysis)
	assert.Equal(t, PhaseSucceeded, analysis.Status)
	require.NotNil(t, analysis.Artifact)
	assert.Equal(t, []Issue{{Kind: IssueGap, Slot: "deps", Reason: ReasonTaskFailed}}, analysis.Artifact.Issues)
	assert.Contains(t, analysis.Artifact.Payload, "arch")
	assert.Contains(t, analysis.Artifact.Payload, "docs")
	assert.NotContains(t, analysis.Artifact.Payload, "deps")
	assert.Equal(t, TaskFailed, analysis.Task("deps").Status)
	assert.Equal(t, "resolver crashed", analysis.Task("deps").Failure.Message)

	verifyResult := result.Phase("verify")
	require.NotNil(t, verifyResult)
	assert.Equal(t, PhaseSucceeded, verifyResult.Status)

	tests := verifyResult.Task("tests")
	assert.Equal(t, TaskSucceeded, tests.Status)
	assert.Equal(t, 2, tests.Attempt)
	require.Len(t, tests.Attempts, 2)
	assert.Equal(t, TaskFailed, tests.Attempts[0].Status)
	require.Len(t, tests.Remediations, 1)
	assert.Equal(t, 1, tests.Remediations[0].AttemptNumber)
	assert.Equal(t, "patched parser", tests.Remediations[0].Note)
	assert.True(t, tests.Remediations[0].Acknowledged())
	assert.Equal(t, []string{"fix TestParse"}, tests.Remediations[0].Failure.Hints)

	lint := verifyResult.Task("lint")
	assert.Equal(t, TaskSucceeded, lint.Status)
	assert.Equal(t, 1, lint.Attempt)

	require.NotNil(t, result.Final)
	assert.Equal(t, verifyResult.Artifact, result.Final)
	assert.Empty(t, result.Final.Issues)
	assert.Equal(t, []Issue{{Kind: IssueGap, Phase: "analysis", Slot: "deps", Reason: ReasonTaskFailed}}, result.Issues)
	assert.Equal(t, map[string]any{"passed": 42.0}, result.Final.Payload["tests"])

	mu.Lock()
	require.Len(t, testsRequests, 2)
	assert.Nil(t, testsRequests[0].LastFailure)
	require.NotNil(t, testsRequests[1].LastFailure)
	assert.Equal(t, "2 tests failing", testsRequests[1].LastFailure.Message)
	assert.Equal(t, testsRequests[0].Inputs["analysis"].Digest, testsRequests[1].Inputs["analysis"].Digest)
	assert.Equal(t, Payload{"repo": "example"}, testsRequests[1].Seed)
	assert.Contains(t, lintRequest.Prior, "tests")
	mu.Unlock()

	remediator.AssertExpectations(t)

	types := events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventRunStarted, types[0])
	assert.Equal(t, EventRunSucceeded, types[len(types)-1])
	assert.Equal(t, 1, events.count(EventRemediationRequested))
	assert.Equal(t, 1, events.count(EventRemediationAcknowledged))
	assert.Equal(t, 2, events.count(EventPhaseSucceeded))

	tel.AssertSpanExists(t, "pipeline.run")
	assert.Equal(t, 2, tel.SpanCount("phase.run"))
	assert.Equal(t, 6, tel.SpanCount("task.execute"))
	logger.AssertLogged(t, zapcore.InfoLevel, "remediation requested")
	logger.AssertField(t, "task attempt did not succeed", "status", "failed")
}

func TestPipeline_RemediationCap(t *testing.T) {
	var fixes atomic.Int32
	var executions atomic.Int32

	table := NewExecutorTable().Register("flaky", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
		executions.Add(1)
		return nil, Fail("still broken")
	}))

	spec := sequentialPhase("verify", "flaky")
	spec.MaxIterations = 3

	before := testutil.ToFloat64(RemediationRequestsTotal.WithLabelValues("acknowledged"))

	p, err := NewPipeline("cap", []PhaseSpec{spec}, table, WithRemediator(ackAll(&fixes)))
	require.NoError(t, err)

	result, err := p.Run(context.Background(), "run-cap", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunFailed))

	task := result.Phase("verify").Task("flaky")
	assert.Equal(t, TaskUnresolved, task.Status)
	assert.Equal(t, UnresolvedLimitReached, task.UnresolvedReason)
	assert.Equal(t, int32(3), fixes.Load())
	assert.Equal(t, int32(4), executions.Load())
	assert.Len(t, task.Remediations, 3)
	assert.Len(t, task.Attempts, 4)
	for i, rem := range task.Remediations {
		assert.Equal(t, i+1, rem.AttemptNumber)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(RemediationRequestsTotal.WithLabelValues("acknowledged"))-before)

	var failure *RunFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "verify", failure.Phase)
	assert.Equal(t, PhaseFailed, failure.Status)
	require.Len(t, failure.Tasks, 1)
	assert.Equal(t, "flaky", failure.Tasks[0].TaskID)
	assert.Equal(t, 4, failure.Tasks[0].Attempts)
	assert.Equal(t, "still broken", failure.Tasks[0].LastFailure.Message)
	assert.Equal(t, failure, result.Failure)
	assert.Equal(t, RunFailed, result.Status)
	assert.Nil(t, result.Final)
}

func TestPipeline_Timeouts(t *testing.T) {
	t.Run("task that never answers times out", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		table := NewExecutorTable().
			Register("slow", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
				<-release
				return Payload{}, nil
			})).
			Register("fast", returns(Payload{"ok": true}))

		spec := parallelPhase("analysis", "slow", "fast")
		spec.TaskTimeout = 20 * time.Millisecond

		p, err := NewPipeline("timeouts", []PhaseSpec{spec}, table)
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-t", nil)
		require.NoError(t, err)

		slow := result.Phase("analysis").Task("slow")
		assert.Equal(t, TaskTimedOut, slow.Status)
		require.NotNil(t, slow.Failure)
		assert.True(t, errors.Is(slow.Failure, ErrTaskTimeout))
		assert.Equal(t, FailureTimeout, slow.Failure.Kind)
		assert.Equal(t, []Issue{{Kind: IssueGap, Slot: "slow", Reason: ReasonTaskTimedOut}}, result.Final.Issues)
	})

	t.Run("per task timeout overrides the phase", func(t *testing.T) {
		table := NewExecutorTable().SetFallback(ExecutorFunc(func(ctx context.Context, _ TaskRequest) (Payload, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
				return Payload{"done": true}, nil
			}
		}))

		spec := parallelPhase("analysis", "patient", "hasty")
		spec.TaskTimeout = 5 * time.Second
		spec.Tasks[1].Timeout = 10 * time.Millisecond

		p, err := NewPipeline("override", []PhaseSpec{spec}, table)
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-o", nil)
		require.NoError(t, err)
		assert.Equal(t, TaskSucceeded, result.Phase("analysis").Task("patient").Status)
		assert.Equal(t, TaskTimedOut, result.Phase("analysis").Task("hasty").Status)
	})

	t.Run("acknowledgment that never arrives", func(t *testing.T) {
		table := NewExecutorTable().Register("tests", fails("red"))
		remediator := RemediatorFunc(func(ctx context.Context, _ FixRequest) (Ack, error) {
			<-ctx.Done()
			return Ack{}, ctx.Err()
		})

		spec := sequentialPhase("verify", "tests")
		spec.RemediationTimeout = 20 * time.Millisecond

		p, err := NewPipeline("ack", []PhaseSpec{spec}, table, WithRemediator(remediator))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-a", nil)
		require.Error(t, err)

		task := result.Phase("verify").Task("tests")
		assert.Equal(t, TaskUnresolved, task.Status)
		assert.Equal(t, UnresolvedAckTimeout, task.UnresolvedReason)
		require.Len(t, task.Remediations, 1)
		assert.False(t, task.Remediations[0].Acknowledged())
		assert.Contains(t, task.Remediations[0].Error, ErrRemediationTimeout.Error())
	})

	t.Run("task deadline bounds the remediation loop", func(t *testing.T) {
		table := NewExecutorTable().Register("tests", fails("red"))
		remediator := RemediatorFunc(func(ctx context.Context, _ FixRequest) (Ack, error) {
			select {
			case <-ctx.Done():
				return Ack{}, ctx.Err()
			case <-time.After(10 * time.Millisecond):
				return Ack{}, nil
			}
		})

		spec := sequentialPhase("verify", "tests")
		spec.MaxIterations = 1000
		spec.TaskDeadline = 60 * time.Millisecond

		p, err := NewPipeline("deadline", []PhaseSpec{spec}, table, WithRemediator(remediator))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-d", nil)
		require.Error(t, err)

		task := result.Phase("verify").Task("tests")
		assert.Equal(t, TaskUnresolved, task.Status)
		assert.Equal(t, UnresolvedDeadline, task.UnresolvedReason)
		assert.Less(t, len(task.Remediations), 1000)
	})

	t.Run("deadline during an attempt is a timeout", func(t *testing.T) {
		table := NewExecutorTable().Register("tests", ExecutorFunc(func(ctx context.Context, _ TaskRequest) (Payload, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		var fixes atomic.Int32

		spec := sequentialPhase("verify", "tests")
		spec.TaskTimeout = 5 * time.Second
		spec.TaskDeadline = 30 * time.Millisecond

		p, err := NewPipeline("deadline-attempt", []PhaseSpec{spec}, table, WithRemediator(ackAll(&fixes)))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-da", nil)
		require.Error(t, err)

		task := result.Phase("verify").Task("tests")
		require.Len(t, task.Attempts, 1)
		assert.Equal(t, TaskTimedOut, task.Attempts[0].Status)
		require.NotNil(t, task.Attempts[0].Failure)
		assert.Equal(t, FailureTimeout, task.Attempts[0].Failure.Kind)
		assert.Equal(t, TaskUnresolved, task.Status)
		assert.Equal(t, UnresolvedDeadline, task.UnresolvedReason)
		assert.Zero(t, fixes.Load())
	})
}

func TestPipeline_UnresolvedPolicies(t *testing.T) {
	var lintCalls atomic.Int32
	table := NewExecutorTable().
		Register("tests", fails("red")).
		Register("lint", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
			lintCalls.Add(1)
			return Payload{"clean": true}, nil
		}))
	var fixes atomic.Int32

	t.Run("remaining tasks still run by default", func(t *testing.T) {
		lintCalls.Store(0)
		spec := sequentialPhase("verify", "tests", "lint")
		spec.MaxIterations = 1
		spec.Require = RequireListed
		spec.Tasks[1].Required = true

		p, err := NewPipeline("continue", []PhaseSpec{spec}, table, WithRemediator(ackAll(&fixes)))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-c", nil)
		require.NoError(t, err)

		phase := result.Phase("verify")
		assert.Equal(t, PhaseSucceeded, phase.Status)
		assert.Equal(t, TaskUnresolved, phase.Task("tests").Status)
		assert.Equal(t, TaskSucceeded, phase.Task("lint").Status)
		assert.Equal(t, int32(1), lintCalls.Load())
		assert.Equal(t, Payload{"lint": map[string]any{"clean": true}}, result.Final.Payload)
	})

	t.Run("default require all fails the phase", func(t *testing.T) {
		spec := sequentialPhase("verify", "tests", "lint")
		spec.MaxIterations = 1

		p, err := NewPipeline("all", []PhaseSpec{spec}, table, WithRemediator(ackAll(&fixes)))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-all", nil)
		require.Error(t, err)
		assert.Equal(t, PhaseFailed, result.Phase("verify").Status)
		assert.Contains(t, result.Failure.Reason, "tests (unresolved)")
	})

	t.Run("abort skips the remaining tasks", func(t *testing.T) {
		lintCalls.Store(0)
		spec := sequentialPhase("verify", "tests", "lint")
		spec.MaxIterations = 1
		spec.AbortOnUnresolved = true

		p, err := NewPipeline("abort", []PhaseSpec{spec}, table, WithRemediator(ackAll(&fixes)))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-ab", nil)
		require.Error(t, err)

		phase := result.Phase("verify")
		assert.Equal(t, PhaseFailed, phase.Status)
		assert.Equal(t, TaskUnresolved, phase.Task("tests").Status)
		assert.Equal(t, TaskSkipped, phase.Task("lint").Status)
		assert.Equal(t, int32(0), lintCalls.Load())
	})
}

func TestPipeline_ParallelPolicies(t *testing.T) {
	table := NewExecutorTable().
		Register("ok", returns(Payload{"v": 1})).
		Register("bad", fails("nope"))

	t.Run("all tasks failing fails the phase", func(t *testing.T) {
		spec := PhaseSpec{Name: "analysis", Mode: ModeParallel, Tasks: []TaskSpec{
			{ID: "b1", Kind: "bad"}, {ID: "b2", Kind: "bad"},
		}}
		p, err := NewPipeline("allfail", []PhaseSpec{spec}, table)
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.Error(t, err)
		assert.Equal(t, "no task succeeded", result.Failure.Reason)
		assert.Len(t, result.Failure.Tasks, 2)
	})

	t.Run("listed policy on a parallel phase", func(t *testing.T) {
		spec := PhaseSpec{Name: "analysis", Mode: ModeParallel, Require: RequireListed, Tasks: []TaskSpec{
			{ID: "good", Kind: "ok"}, {ID: "must", Kind: "bad", Required: true},
		}}
		p, err := NewPipeline("listed", []PhaseSpec{spec}, table)
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.Error(t, err)
		require.Len(t, result.Failure.Tasks, 1)
		assert.Equal(t, "must", result.Failure.Tasks[0].TaskID)
	})

	t.Run("concurrency limit", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		limited := NewExecutorTable().SetFallback(ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return Payload{}, nil
		}))

		spec := parallelPhase("analysis", "a", "b", "c", "d")
		spec.MaxConcurrency = 2
		p, err := NewPipeline("limited", []PhaseSpec{spec}, limited)
		require.NoError(t, err)

		_, err = p.Run(context.Background(), "run-1", nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("dispatch rate", func(t *testing.T) {
		spec := parallelPhase("analysis", "a", "b", "c")
		p, err := NewPipeline("rated", []PhaseSpec{spec}, NewExecutorTable().SetFallback(returns(Payload{})),
			WithLimits(Limits{DispatchRate: 1000}))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.NoError(t, err)
		assert.Len(t, result.Final.Payload, 3)
	})
}

func TestPipeline_ExecutorMisbehaviour(t *testing.T) {
	table := NewExecutorTable().
		Register("panics", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
			panic("boom")
		})).
		Register("garbage", returns(Payload{"ch": make(chan int)})).
		Register("plain", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
			return nil, errors.New("exit status 1")
		})).
		Register("ok", returns(Payload{}))

	p, err := NewPipeline("misbehave", []PhaseSpec{parallelPhase("analysis", "panics", "garbage", "plain", "ok")}, table)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), "run-1", nil)
	require.NoError(t, err)

	phase := result.Phase("analysis")
	assert.Equal(t, FailureExecutor, phase.Task("panics").Failure.Kind)
	assert.Contains(t, phase.Task("panics").Failure.Message, "boom")
	assert.Equal(t, FailureOutput, phase.Task("garbage").Failure.Kind)
	assert.Equal(t, FailureTask, phase.Task("plain").Failure.Kind)
	assert.Equal(t, "exit status 1", phase.Task("plain").Failure.Message)
	assert.Len(t, result.Final.Issues, 3)
}

func TestPipeline_Gates(t *testing.T) {
	table := NewExecutorTable().
		Register("good", returns(Payload{"v": 1})).
		Register("bad", fails("nope"))

	t.Run("blocking issues halt the run", func(t *testing.T) {
		var downstream atomic.Int32
		table := NewExecutorTable().
			Register("good", returns(Payload{"v": 1})).
			Register("bad", fails("nope")).
			Register("report", ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
				downstream.Add(1)
				return Payload{}, nil
			}))

		analysis := parallelPhase("analysis", "good", "bad")
		report := parallelPhase("report", "report")
		report.DependsOn = []string{"analysis"}
		report.BlockingIssues = []IssueKind{IssueGap}
		publish := PhaseSpec{Name: "publish", Mode: ModeParallel, DependsOn: []string{"report"},
			Tasks: []TaskSpec{{ID: "push", Kind: "report"}}}

		p, err := NewPipeline("blocked", []PhaseSpec{analysis, report, publish}, table)
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRunFailed))
		assert.Equal(t, int32(0), downstream.Load())

		assert.Equal(t, PhaseSucceeded, result.Phase("analysis").Status)
		assert.Equal(t, PhaseBlocked, result.Phase("report").Status)
		assert.Equal(t, PhaseSkipped, result.Phase("publish").Status)

		require.Len(t, result.Failure.Violations, 1)
		assert.Equal(t, "report", result.Failure.Phase)
		assert.Equal(t, PhaseBlocked, result.Failure.Status)
		assert.Contains(t, result.Failure.Reason, "slot bad missing")
	})

	t.Run("warnings are recorded but do not block", func(t *testing.T) {
		gate := &MockGate{name: "advisory"}
		gate.On("Check", mock.Anything, "report", mock.Anything).Return([]Violation{
			{Gate: "advisory", Phase: "report", Description: "coverage low", Severity: SeverityWarning},
		}, nil)

		report := parallelPhase("report", "good")
		report.DependsOn = []string{"analysis"}

		p, err := NewPipeline("warned", []PhaseSpec{parallelPhase("analysis", "good"), report}, table,
			WithGate("report", gate))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.NoError(t, err)
		assert.Equal(t, PhaseSucceeded, result.Phase("report").Status)
		require.Len(t, result.Phase("report").Violations, 1)
		gate.AssertExpectations(t)

		inputs := gate.Calls[0].Arguments.Get(2).(map[string]*Artifact)
		assert.Contains(t, inputs, "analysis")
	})

	t.Run("gate errors fail the phase", func(t *testing.T) {
		gate := &MockGate{name: "broken"}
		gate.On("Check", mock.Anything, "analysis", mock.Anything).Return([]Violation(nil), errors.New("backend down"))

		p, err := NewPipeline("gateerr", []PhaseSpec{parallelPhase("analysis", "good")}, table, WithGate("analysis", gate))
		require.NoError(t, err)

		result, err := p.Run(context.Background(), "run-1", nil)
		require.Error(t, err)
		assert.Equal(t, PhaseFailed, result.Phase("analysis").Status)
		assert.Contains(t, result.Failure.Reason, "backend down")
	})
}

func TestPipeline_Replay(t *testing.T) {
	store := NewMemoryStore()
	table := NewExecutorTable().
		Register("a", returns(Payload{"x": 1})).
		Register("b", returns(Payload{"y": []any{"p", "q"}})).
		Register("c", fails("gap"))
	var fixes atomic.Int32

	verify := sequentialPhase("verify", "b")
	verify.DependsOn = []string{"analysis"}
	phases := []PhaseSpec{parallelPhase("analysis", "a", "b", "c"), verify}

	p, err := NewPipeline("replay", phases, table, WithStore(store), WithRemediator(ackAll(&fixes)))
	require.NoError(t, err)

	first, err := p.Run(context.Background(), "run-r", Payload{"seed": true})
	require.NoError(t, err)
	second, err := p.Run(context.Background(), "run-r", Payload{"seed": true})
	require.NoError(t, err)

	for _, name := range []string{"analysis", "verify"} {
		a, err := first.Phase(name).Artifact.Canonical()
		require.NoError(t, err)
		b, err := second.Phase(name).Artifact.Canonical()
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
	assert.Equal(t, 2, store.Len())

	changed := NewExecutorTable().
		Register("a", returns(Payload{"x": 2})).
		Register("b", returns(Payload{"y": []any{"p", "q"}})).
		Register("c", fails("gap"))
	other, err := NewPipeline("replay", phases, changed, WithStore(store), WithRemediator(ackAll(&fixes)))
	require.NoError(t, err)

	result, err := other.Run(context.Background(), "run-r", Payload{"seed": true})
	require.Error(t, err)
	assert.Equal(t, "analysis", result.Failure.Phase)
	assert.Contains(t, result.Failure.Reason, ErrArtifactExists.Error())
}

func TestPipeline_Cancel(t *testing.T) {
	started := make(chan struct{})
	table := NewExecutorTable().Register("wait", ExecutorFunc(func(ctx context.Context, _ TaskRequest) (Payload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	next := parallelPhase("next", "wait")
	next.DependsOn = []string{"first"}
	next.Tasks[0].ID = "again"

	p, err := NewPipeline("cancel", []PhaseSpec{parallelPhase("first", "wait"), next}, table)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := p.Run(ctx, "run-x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, RunCanceled, result.Status)
	assert.Equal(t, PhaseFailed, result.Phase("first").Status)
	assert.Equal(t, FailureCanceled, result.Phase("first").Task("wait").Failure.Kind)
	assert.Equal(t, PhaseSkipped, result.Phase("next").Status)
}

func TestNewPipeline_Validation(t *testing.T) {
	var calls atomic.Int32
	counting := ExecutorFunc(func(context.Context, TaskRequest) (Payload, error) {
		calls.Add(1)
		return Payload{}, nil
	})
	table := NewExecutorTable().Register("k", counting)
	remediate := WithRemediator(ackAll(new(atomic.Int32)))

	phase := func(name string, deps ...string) PhaseSpec {
		return PhaseSpec{Name: name, Mode: ModeParallel, DependsOn: deps, Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}
	}

	tests := []struct {
		name   string
		phases []PhaseSpec
		opts   []Option
		kind   error
	}{
		{"cycle", []PhaseSpec{phase("a", "b"), phase("b", "a")}, nil, ErrCycle},
		{"self dependency", []PhaseSpec{phase("a", "a")}, nil, ErrCycle},
		{"unknown dependency", []PhaseSpec{phase("a", "ghost")}, nil, ErrUnknownDependency},
		{"duplicate phase", []PhaseSpec{phase("a"), phase("a")}, nil, ErrDuplicateName},
		{"no phases", nil, nil, ErrInvalidPhase},
		{"bad phase name", []PhaseSpec{phase("a.b")}, nil, ErrInvalidIdentifier},
		{"unknown mode", []PhaseSpec{{Name: "a", Mode: "later", Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, nil, ErrInvalidPhase},
		{"no tasks", []PhaseSpec{{Name: "a", Mode: ModeParallel}}, nil, ErrInvalidPhase},
		{"unknown kind", []PhaseSpec{{Name: "a", Mode: ModeParallel, Tasks: []TaskSpec{{ID: "t", Kind: "nope"}}}}, nil, ErrUnknownKind},
		{"empty kind", []PhaseSpec{{Name: "a", Mode: ModeParallel, Tasks: []TaskSpec{{ID: "t"}}}}, nil, ErrUnknownKind},
		{"kind unsafe for subjects", []PhaseSpec{{Name: "a", Mode: ModeParallel, Tasks: []TaskSpec{{ID: "t", Kind: "review.>"}}}}, nil, ErrInvalidIdentifier},
		{"duplicate task", []PhaseSpec{{Name: "a", Mode: ModeParallel, Tasks: []TaskSpec{{ID: "t", Kind: "k"}, {ID: "t", Kind: "k"}}}}, nil, ErrDuplicateName},
		{"duplicate slot", []PhaseSpec{{Name: "a", Mode: ModeParallel, Tasks: []TaskSpec{{ID: "t", Kind: "k", Slot: "s"}, {ID: "u", Kind: "k", Slot: "s"}}}}, nil, ErrDuplicateName},
		{"missing remediator", []PhaseSpec{{Name: "a", Mode: ModeSequential, Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, nil, ErrMissingRemediator},
		{"listed without required", []PhaseSpec{{Name: "a", Mode: ModeSequential, Require: RequireListed, Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, []Option{remediate}, ErrInvalidPhase},
		{"unknown policy", []PhaseSpec{{Name: "a", Mode: ModeParallel, Require: "most", Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, nil, ErrInvalidPhase},
		{"negative timeout", []PhaseSpec{{Name: "a", Mode: ModeParallel, TaskTimeout: -time.Second, Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, nil, ErrInvalidPhase},
		{"unknown blocking issue", []PhaseSpec{{Name: "a", Mode: ModeParallel, BlockingIssues: []IssueKind{"typo"}, Tasks: []TaskSpec{{ID: "t", Kind: "k"}}}}, nil, ErrInvalidPhase},
		{"gate for unknown phase", []PhaseSpec{phase("a")}, []Option{WithGate("ghost", NewIssueGate(IssueGap))}, ErrInvalidPhase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPipeline("p", tt.phases, table, tt.opts...)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.True(t, errors.Is(err, ErrPipelineConfiguration))

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}

	assert.Equal(t, int32(0), calls.Load())

	t.Run("invalid run id", func(t *testing.T) {
		p, err := NewPipeline("p", []PhaseSpec{phase("a")}, table)
		require.NoError(t, err)
		_, err = p.Run(context.Background(), "run/1", nil)
		assert.True(t, errors.Is(err, ErrInvalidIdentifier))
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("executor table changes after build are ignored", func(t *testing.T) {
		local := NewExecutorTable().Register("k", returns(Payload{"from": "first"}))
		p, err := NewPipeline("p", []PhaseSpec{phase("a")}, local)
		require.NoError(t, err)
		local.Register("k", returns(Payload{"from": "second"}))

		result, err := p.Run(context.Background(), "run-1", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"from": "first"}, result.Final.Payload["t"])
	})
}

func TestPipeline_Phases(t *testing.T) {
	table := NewExecutorTable().SetFallback(returns(Payload{}))
	b := parallelPhase("b", "x")
	b.DependsOn = []string{"a"}

	p, err := NewPipeline("accessors", []PhaseSpec{b, parallelPhase("a", "y")}, table)
	require.NoError(t, err)

	assert.Equal(t, "accessors", p.Name())
	phases := p.Phases()
	require.Len(t, phases, 2)
	assert.Equal(t, "a", phases[0].Name)
	assert.Equal(t, "b", phases[1].Name)
}
