package definition

import (
	"github.com/fyrsmithlabs/phaseflow/internal/config"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// File is the TOML layout of one definition file.
type File struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Defaults    Settings `toml:"defaults"`
	Phases      []Phase  `toml:"phases"`
}

// Settings are the per-phase limits that [defaults] can supply. A setting a
// phase leaves unset takes the default. Zero values count as unset, except
// AbortOnUnresolved, where an explicit false is kept.
type Settings struct {
	Require            string          `toml:"require"`
	TaskTimeout        config.Duration `toml:"task_timeout"`
	MaxIterations      int             `toml:"max_iterations"`
	RemediationTimeout config.Duration `toml:"remediation_timeout"`
	TaskDeadline       config.Duration `toml:"task_deadline"`
	MaxConcurrency     int             `toml:"max_concurrency"`
	AbortOnUnresolved  *bool           `toml:"abort_on_unresolved"`
}

// Phase is one [[phases]] table.
type Phase struct {
	Name           string   `toml:"name"`
	Mode           string   `toml:"mode"`
	DependsOn      []string `toml:"depends_on"`
	BlockingIssues []string `toml:"blocking_issues"`
	Tasks          []Task   `toml:"tasks"`
	Settings
}

// Task is one [[phases.tasks]] table.
type Task struct {
	ID          string            `toml:"id"`
	Kind        string            `toml:"kind"`
	Slot        string            `toml:"slot"`
	Required    bool              `toml:"required"`
	EffortLevel string            `toml:"effort_level"`
	Timeout     config.Duration   `toml:"timeout"`
	Params      map[string]string `toml:"params"`
}

// Definition is a parsed pipeline definition ready to be built.
type Definition struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Phases      []orchestrator.PhaseSpec `json:"phases"`

	// Source is the file the definition was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Summary describes a definition for listings.
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Phases      []string `json:"phases"`
}

// Summary returns the listing entry of d.
func (d *Definition) Summary() Summary {
	s := Summary{Name: d.Name, Description: d.Description, Phases: make([]string, 0, len(d.Phases))}
	for _, p := range d.Phases {
		s.Phases = append(s.Phases, p.Name)
	}
	return s
}

func (t Task) spec() orchestrator.TaskSpec {
	return orchestrator.TaskSpec{
		ID:          t.ID,
		Kind:        t.Kind,
		Slot:        t.Slot,
		Required:    t.Required,
		EffortLevel: t.EffortLevel,
		Timeout:     t.Timeout.Duration(),
		Params:      t.Params,
	}
}

// parseMode maps the file spelling of a mode onto the engine's. An empty
// mode means parallel; unknown values pass through so NewPipeline rejects
// them with the phase name attached.
func parseMode(s string) orchestrator.Mode {
	switch s {
	case "", "parallel":
		return orchestrator.ModeParallel
	case "sequential", "sequential_remediated":
		return orchestrator.ModeSequential
	}
	return orchestrator.Mode(s)
}

func (p Phase) spec() orchestrator.PhaseSpec {
	spec := orchestrator.PhaseSpec{
		Name:               p.Name,
		Mode:               parseMode(p.Mode),
		DependsOn:          p.DependsOn,
		Require:            orchestrator.RequirePolicy(p.Require),
		TaskTimeout:        p.TaskTimeout.Duration(),
		MaxIterations:      p.MaxIterations,
		RemediationTimeout: p.RemediationTimeout.Duration(),
		TaskDeadline:       p.TaskDeadline.Duration(),
		MaxConcurrency:     p.MaxConcurrency,
	}
	if p.AbortOnUnresolved != nil {
		spec.AbortOnUnresolved = *p.AbortOnUnresolved
	}
	for _, t := range p.Tasks {
		spec.Tasks = append(spec.Tasks, t.spec())
	}
	for _, k := range p.BlockingIssues {
		spec.BlockingIssues = append(spec.BlockingIssues, orchestrator.IssueKind(k))
	}
	return spec
}
