package orchestrator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func succeeded(id string, out Payload) TaskResult {
	return TaskResult{ID: id, Slot: id, Status: TaskSucceeded, Attempt: 1, Output: out}
}

func TestSynthesize_Gaps(t *testing.T) {
	results := []TaskResult{
		succeeded("arch", Payload{"layers": 3}),
		{ID: "deps", Slot: "deps", Status: TaskFailed},
		{ID: "docs", Slot: "docs", Status: TaskTimedOut},
		{ID: "perf", Slot: "perf", Status: TaskUnresolved},
		{ID: "sec", Slot: "sec", Status: TaskSkipped},
		{ID: "odd", Slot: "odd", Status: TaskRunning},
	}

	payload, issues := Synthesize(results)

	assert.Equal(t, Payload{"arch": map[string]any{"layers": 3}}, payload)
	assert.Equal(t, []Issue{
		{Kind: IssueGap, Slot: "deps", Reason: ReasonTaskFailed},
		{Kind: IssueGap, Slot: "docs", Reason: ReasonTaskTimedOut},
		{Kind: IssueGap, Slot: "odd", Reason: ReasonTaskIncomplete},
		{Kind: IssueGap, Slot: "perf", Reason: ReasonTaskUnresolved},
		{Kind: IssueGap, Slot: "sec", Reason: ReasonTaskSkipped},
	}, issues)
}

func TestSynthesize_Conflicts(t *testing.T) {
	t.Run("disagreeing sub-key is recorded and both values kept", func(t *testing.T) {
		payload, issues := Synthesize([]TaskResult{
			succeeded("a", Payload{"config": map[string]any{"timeout": 30, "retries": 2}}),
			succeeded("b", Payload{"config": map[string]any{"timeout": 60, "retries": 2}}),
		})

		require.Len(t, issues, 1)
		assert.Equal(t, Issue{
			Kind:   IssueConflict,
			SlotA:  "a",
			SlotB:  "b",
			Key:    "config.timeout",
			ValueA: 30,
			ValueB: 60,
		}, issues[0])

		assert.Equal(t, 30, payload["a"].(map[string]any)["config"].(map[string]any)["timeout"])
		assert.Equal(t, 60, payload["b"].(map[string]any)["config"].(map[string]any)["timeout"])
	})

	t.Run("agreeing values are not conflicts", func(t *testing.T) {
		_, issues := Synthesize([]TaskResult{
			succeeded("a", Payload{"lang": "go", "tags": []any{"x", "y"}}),
			succeeded("b", Payload{"lang": "go", "tags": []any{"x", "y"}}),
		})
		assert.Empty(t, issues)
	})

	t.Run("value against object", func(t *testing.T) {
		_, issues := Synthesize([]TaskResult{
			succeeded("a", Payload{"x": 1}),
			succeeded("b", Payload{"x": map[string]any{"y": 2}}),
		})
		require.Len(t, issues, 1)
		assert.Equal(t, "x", issues[0].Key)
		assert.Equal(t, 1, issues[0].ValueA)
		assert.Equal(t, map[string]any{"y": 2}, issues[0].ValueB)
	})

	t.Run("three slots report every disagreeing pair", func(t *testing.T) {
		_, issues := Synthesize([]TaskResult{
			succeeded("c", Payload{"mode": "fast"}),
			succeeded("a", Payload{"mode": "slow"}),
			succeeded("b", Payload{"mode": "slow"}),
		})
		require.Len(t, issues, 2)
		assert.Equal(t, [2]string{"a", "c"}, [2]string{issues[0].SlotA, issues[0].SlotB})
		assert.Equal(t, [2]string{"b", "c"}, [2]string{issues[1].SlotA, issues[1].SlotB})
	})
}

func TestSynthesize_DottedKeys(t *testing.T) {
	t.Run("literal dot differs from nesting", func(t *testing.T) {
		x := succeeded("x", Payload{"a.b": 1, "a": map[string]any{"b": 2}})
		y := succeeded("y", Payload{"a.b": 1})

		for i := 0; i < 50; i++ {
			_, issues := Synthesize([]TaskResult{x, y})
			assert.Empty(t, issues)
		}
	})

	t.Run("escaped key names the disagreeing leaf", func(t *testing.T) {
		_, issues := Synthesize([]TaskResult{
			succeeded("x", Payload{"v1.2": map[string]any{"~ok": true}}),
			succeeded("y", Payload{"v1.2": map[string]any{"~ok": false}}),
		})
		require.Len(t, issues, 1)
		assert.Equal(t, "v1~12.~0ok", issues[0].Key)
	})

	t.Run("nested path conflicts only with nested path", func(t *testing.T) {
		_, issues := Synthesize([]TaskResult{
			succeeded("x", Payload{"a": map[string]any{"b": 2}}),
			succeeded("y", Payload{"a.b": 1}),
		})
		assert.Empty(t, issues)
	})
}

func TestSynthesize_OrderIndependent(t *testing.T) {
	results := []TaskResult{
		succeeded("arch", Payload{"owner": "team-a", "layers": 3}),
		succeeded("docs", Payload{"owner": "team-b", "pages": 12}),
		succeeded("style", Payload{"owner": "team-a", "nested": map[string]any{"k": "v"}}),
		{ID: "deps", Slot: "deps", Status: TaskFailed},
		{ID: "sec", Slot: "sec", Status: TaskTimedOut},
	}
	wantPayload, wantIssues := Synthesize(results)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]TaskResult(nil), results...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		payload, issues := Synthesize(shuffled)
		assert.Equal(t, wantPayload, payload)
		assert.Equal(t, wantIssues, issues)
	}
}

func TestSynthesize_DoesNotAlias(t *testing.T) {
	out := Payload{"nested": map[string]any{"k": "v"}}
	payload, _ := Synthesize([]TaskResult{succeeded("a", out)})

	out["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", payload["a"].(map[string]any)["nested"].(map[string]any)["k"])
}

func TestSynthesize_UsesSlot(t *testing.T) {
	payload, issues := Synthesize([]TaskResult{
		{ID: "t1", Slot: "analysis", Status: TaskSucceeded, Output: Payload{"ok": true}},
		{ID: "t2", Status: TaskFailed},
	})
	assert.Contains(t, payload, "analysis")
	require.Len(t, issues, 1)
	assert.Equal(t, "t2", issues[0].Slot)
}

func TestPassThrough(t *testing.T) {
	payload := PassThrough([]TaskResult{
		succeeded("tests", Payload{"passed": true}),
		{ID: "lint", Slot: "lint", Status: TaskUnresolved},
		succeeded("sec", nil),
	})
	assert.Equal(t, Payload{
		"tests": map[string]any{"passed": true},
		"sec":   map[string]any{},
	}, payload)
}
