package definition

import (
	"context"
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// maxFileSize bounds a definition file.
const maxFileSize = 1 << 20

// ErrNotFound is returned for an unknown pipeline name.
var ErrNotFound = errors.New("pipeline definition not found")

// Parse decodes one definition. Keys the schema does not know are rejected.
func Parse(data []byte) (*Definition, error) {
	var f File
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in definition: %v", undecoded)
	}
	if f.Name == "" {
		return nil, errors.New("definition has no name")
	}

	// mergo treats false as unset, even behind a pointer, so the abort flag
	// is resolved by hand.
	defaults := f.Defaults
	defaults.AbortOnUnresolved = nil

	def := &Definition{Name: f.Name, Description: f.Description}
	for i := range f.Phases {
		phase := f.Phases[i]
		if err := mergo.Merge(&phase.Settings, defaults); err != nil {
			return nil, fmt.Errorf("phase %s: applying defaults: %w", phase.Name, err)
		}
		if phase.AbortOnUnresolved == nil {
			phase.AbortOnUnresolved = f.Defaults.AbortOnUnresolved
		}
		def.Phases = append(def.Phases, phase.spec())
	}
	return def, nil
}

// LoadFile reads and parses the definition at path.
func LoadFile(path string) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("%s: file too large (%d bytes, max %d)", path, info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// Build creates a pipeline from d with the given executors.
func (d *Definition) Build(executors *orchestrator.ExecutorTable, opts ...orchestrator.Option) (*orchestrator.Pipeline, error) {
	return orchestrator.NewPipeline(d.Name, d.Phases, executors, opts...)
}

// Validate checks d as NewPipeline would, with every task kind bound and a
// remediator present.
func (d *Definition) Validate() error {
	noop := orchestrator.ExecutorFunc(func(context.Context, orchestrator.TaskRequest) (orchestrator.Payload, error) {
		return nil, orchestrator.Fail("validation only")
	})
	fixer := orchestrator.RemediatorFunc(func(context.Context, orchestrator.FixRequest) (orchestrator.Ack, error) {
		return orchestrator.Ack{}, nil
	})
	_, err := d.Build(orchestrator.NewExecutorTable().SetFallback(noop), orchestrator.WithRemediator(fixer))
	return err
}
