package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/fyrsmithlabs/phaseflow/internal/config"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

func startOptions(req orchestrator.TaskRequest) interface{} {
	return mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
		return opts.ID == WorkflowID(req) && opts.TaskQueue == "phaseflow-tasks" && opts.WorkflowExecutionTimeout > 0
	})
}

func TestExecutor_Execute(t *testing.T) {
	t.Run("returns workflow output", func(t *testing.T) {
		req := taskRequest("lint")
		c := &mocks.Client{}
		run := &mocks.WorkflowRun{}
		c.On("ExecuteWorkflow", mock.Anything, startOptions(req), TaskWorkflowName, req).Return(run, nil)
		run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			out := args.Get(1).(*TaskOutcome)
			out.Output = orchestrator.Payload{"ok": true}
		}).Return(nil)

		out, err := NewExecutor(c, "phaseflow-tasks").Execute(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, orchestrator.Payload{"ok": true}, out)
		c.AssertExpectations(t)
	})

	t.Run("returns workflow failure", func(t *testing.T) {
		req := taskRequest("tests")
		c := &mocks.Client{}
		run := &mocks.WorkflowRun{}
		c.On("ExecuteWorkflow", mock.Anything, startOptions(req), TaskWorkflowName, req).Return(run, nil)
		run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			out := args.Get(1).(*TaskOutcome)
			out.Failure = orchestrator.Fail("red", "TestA")
		}).Return(nil)

		_, err := NewExecutor(c, "phaseflow-tasks").Execute(context.Background(), req)

		f := orchestrator.AsFailure(err)
		assert.Equal(t, orchestrator.FailureTask, f.Kind)
		assert.Equal(t, []string{"TestA"}, f.Hints)
	})

	t.Run("start failure is an executor failure", func(t *testing.T) {
		req := taskRequest("lint")
		c := &mocks.Client{}
		c.On("ExecuteWorkflow", mock.Anything, mock.Anything, TaskWorkflowName, req).Return(nil, errors.New("namespace not found"))

		_, err := NewExecutor(c, "phaseflow-tasks").Execute(context.Background(), req)

		f := orchestrator.AsFailure(err)
		assert.Equal(t, orchestrator.FailureExecutor, f.Kind)
		assert.Contains(t, f.Message, "namespace not found")
	})

	t.Run("canceled context cancels the workflow", func(t *testing.T) {
		req := taskRequest("lint")
		ctx, cancel := context.WithCancel(context.Background())

		c := &mocks.Client{}
		run := &mocks.WorkflowRun{}
		c.On("ExecuteWorkflow", mock.Anything, mock.Anything, TaskWorkflowName, req).Return(run, nil)
		run.On("Get", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)
		run.On("GetRunID").Return("temporal-run")
		c.On("CancelWorkflow", mock.Anything, WorkflowID(req), "temporal-run").Return(nil)

		_, err := NewExecutor(c, "phaseflow-tasks").Execute(ctx, req)

		assert.True(t, errors.Is(err, context.Canceled))
		c.AssertCalled(t, "CancelWorkflow", mock.Anything, WorkflowID(req), "temporal-run")
	})
}

func TestWorkflowID(t *testing.T) {
	req := taskRequest("lint")
	req.Attempt = 3
	assert.Equal(t, "phaseflow/run-1/analyze/lint-task/3", WorkflowID(req))

	t.Run("hyphenated identifiers do not collide", func(t *testing.T) {
		a := orchestrator.TaskRequest{RunID: "x-a", Phase: "b", TaskID: "t", Attempt: 1}
		b := orchestrator.TaskRequest{RunID: "x", Phase: "a-b", TaskID: "t", Attempt: 1}
		assert.NotEqual(t, WorkflowID(a), WorkflowID(b))
	})
}

func TestDial_GivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, config.TemporalConfig{HostPort: "127.0.0.1:1", Namespace: "default", DialRetries: 3}, nil)
	require.Error(t, err)
}
