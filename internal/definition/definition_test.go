package definition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

const reviewPipeline = `
name = "code-review"
description = "analyze then verify"

[defaults]
task_timeout = "5m"
max_iterations = 3
remediation_timeout = "2m"

[[phases]]
name = "analyze"
mode = "parallel"

  [[phases.tasks]]
  id = "security"
  kind = "security-review"
  effort_level = "high"

  [[phases.tasks]]
  id = "perf"
  kind = "perf-review"
  slot = "performance"
  timeout = "30s"

    [phases.tasks.params]
    depth = "2"

[[phases]]
name = "verify"
mode = "sequential"
depends_on = ["analyze"]
max_iterations = 7
abort_on_unresolved = true
blocking_issues = ["gap"]

  [[phases.tasks]]
  id = "tests"
  kind = "tests"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse(t *testing.T) {
	def, err := Parse([]byte(reviewPipeline))
	require.NoError(t, err)

	assert.Equal(t, "code-review", def.Name)
	assert.Equal(t, "analyze then verify", def.Description)
	require.Len(t, def.Phases, 2)

	analyze := def.Phases[0]
	assert.Equal(t, orchestrator.ModeParallel, analyze.Mode)
	assert.Equal(t, 5*time.Minute, analyze.TaskTimeout)
	assert.Equal(t, 3, analyze.MaxIterations)
	assert.Empty(t, analyze.BlockingIssues)
	require.Len(t, analyze.Tasks, 2)
	assert.Equal(t, "high", analyze.Tasks[0].EffortLevel)
	assert.Equal(t, "performance", analyze.Tasks[1].Slot)
	assert.Equal(t, 30*time.Second, analyze.Tasks[1].Timeout)
	assert.Equal(t, map[string]string{"depth": "2"}, analyze.Tasks[1].Params)

	verify := def.Phases[1]
	assert.Equal(t, orchestrator.ModeSequential, verify.Mode)
	assert.Equal(t, []string{"analyze"}, verify.DependsOn)
	assert.Equal(t, 7, verify.MaxIterations, "phase value wins over defaults")
	assert.Equal(t, 2*time.Minute, verify.RemediationTimeout)
	assert.True(t, verify.AbortOnUnresolved)
	assert.Equal(t, []orchestrator.IssueKind{orchestrator.IssueGap}, verify.BlockingIssues)

	require.NoError(t, def.Validate())
	assert.Equal(t, Summary{Name: "code-review", Description: "analyze then verify", Phases: []string{"analyze", "verify"}}, def.Summary())
}

func TestParse_AbortOnUnresolved(t *testing.T) {
	const file = `
name = "abort"

[defaults]
abort_on_unresolved = true

[[phases]]
name = "first"
mode = "sequential"
abort_on_unresolved = false

  [[phases.tasks]]
  id = "tests"
  kind = "tests"

[[phases]]
name = "second"
mode = "sequential"
depends_on = ["first"]

  [[phases.tasks]]
  id = "lint"
  kind = "lint"
`
	t.Run("explicit false survives a true default", func(t *testing.T) {
		def, err := Parse([]byte(file))
		require.NoError(t, err)
		require.Len(t, def.Phases, 2)
		assert.False(t, def.Phases[0].AbortOnUnresolved)
		assert.True(t, def.Phases[1].AbortOnUnresolved, "unset phase takes the default")
	})

	t.Run("continue when nothing is configured", func(t *testing.T) {
		def, err := Parse([]byte("name = \"x\"\n[[phases]]\nname = \"a\"\nmode = \"sequential\"\n[[phases.tasks]]\nid = \"t\"\nkind = \"t\""))
		require.NoError(t, err)
		assert.False(t, def.Phases[0].AbortOnUnresolved)
	})
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"invalid toml", "name = ", "decoding definition"},
		{"unknown key", "name = \"x\"\ncolour = \"red\"", "unknown keys"},
		{"missing name", "[[phases]]\nname = \"a\"", "no name"},
		{"bad duration", "name = \"x\"\n[defaults]\ntask_timeout = \"soon\"", "decoding definition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefinition_Validate(t *testing.T) {
	def, err := Parse([]byte(`
name = "loop"

[[phases]]
name = "a"
mode = "parallel"
depends_on = ["b"]
  [[phases.tasks]]
  id = "t"
  kind = "k"

[[phases]]
name = "b"
mode = "parallel"
depends_on = ["a"]
  [[phases.tasks]]
  id = "t"
  kind = "k"
`))
	require.NoError(t, err)

	err = def.Validate()
	assert.True(t, errors.Is(err, orchestrator.ErrCycle))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("records the source", func(t *testing.T) {
		path := writeFile(t, dir, "review.toml", reviewPipeline)
		def, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, path, def.Source)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.toml"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "huge.toml")
		require.NoError(t, os.WriteFile(path, make([]byte, maxFileSize+1), 0o600))
		_, err := LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestCatalog_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "review.toml", reviewPipeline)
	writeFile(t, dir, "single.toml", "name = \"single\"\n[[phases]]\nname = \"only\"\nmode = \"parallel\"\n[[phases.tasks]]\nid = \"t\"\nkind = \"k\"\n")
	writeFile(t, dir, "broken.toml", "name = ")
	writeFile(t, dir, "copy.toml", "name = \"single\"\n[[phases]]\nname = \"x\"\nmode = \"parallel\"\n[[phases.tasks]]\nid = \"t\"\nkind = \"k\"\n")
	writeFile(t, dir, "notes.txt", "ignored")

	catalog := NewCatalog(dir, nil)
	reloads := 0
	catalog.OnReload(func() { reloads++ })

	err := catalog.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.toml")
	assert.Contains(t, err.Error(), "already defined")
	assert.Equal(t, 1, reloads)

	list := catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, "code-review", list[0].Name)
	assert.Equal(t, "single", list[1].Name)

	def, err := catalog.Get("code-review")
	require.NoError(t, err)
	assert.Len(t, def.Phases, 2)

	_, err = catalog.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCatalog_Load_MissingDir(t *testing.T) {
	catalog := NewCatalog(filepath.Join(t.TempDir(), "absent"), nil)
	require.Error(t, catalog.Load(context.Background()))
	assert.Empty(t, catalog.List())
}

func TestCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	catalog := NewCatalog(dir, nil)
	require.NoError(t, catalog.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- catalog.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until the
	// reload picks the file up.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "review.toml", reviewPipeline)
		_, err := catalog.Get("code-review")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "review.toml")))
	require.Eventually(t, func() bool {
		return len(catalog.List()) == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestParse_Modes(t *testing.T) {
	tests := []struct {
		mode string
		want orchestrator.Mode
	}{
		{"", orchestrator.ModeParallel},
		{"parallel", orchestrator.ModeParallel},
		{"sequential", orchestrator.ModeSequential},
		{"sequential_remediated", orchestrator.ModeSequential},
		{"round-robin", orchestrator.Mode("round-robin")},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			content := "name = \"m\"\n[[phases]]\nname = \"p\"\nmode = \"" + tt.mode + "\"\n[[phases.tasks]]\nid = \"t\"\nkind = \"k\"\n"
			def, err := Parse([]byte(content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, def.Phases[0].Mode)
		})
	}

	def, err := Parse([]byte("name = \"m\"\n[[phases]]\nname = \"p\"\nmode = \"round-robin\"\n[[phases.tasks]]\nid = \"t\"\nkind = \"k\"\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, def.Validate(), orchestrator.ErrPipelineConfiguration)
}

func TestExampleDefinitions(t *testing.T) {
	catalog := NewCatalog(filepath.Join("..", "..", "examples", "pipelines"), nil)
	require.NoError(t, catalog.Load(context.Background()))

	def, err := catalog.Get("code-review")
	require.NoError(t, err)
	require.Len(t, def.Phases, 2)
	assert.Equal(t, orchestrator.ModeSequential, def.Phases[1].Mode)
	assert.Equal(t, 3, def.Phases[1].MaxIterations, "defaults apply to every phase")
	assert.Empty(t, def.Phases[0].BlockingIssues)
	assert.Equal(t, []orchestrator.IssueKind{orchestrator.IssueConflict}, def.Phases[1].BlockingIssues)
}
