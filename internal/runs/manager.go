package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunExists is returned when a run id is submitted twice.
	ErrRunExists = errors.New("run already exists")

	// ErrShuttingDown is returned by Submit after Shutdown.
	ErrShuttingDown = errors.New("run manager is shutting down")
)

// maxEvents bounds the events kept per run.
const maxEvents = 500

// Status is the lifecycle state of a submitted run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Run is a snapshot of a submitted run.
type Run struct {
	ID          string                  `json:"run_id"`
	Pipeline    string                  `json:"pipeline"`
	Status      Status                  `json:"status"`
	SubmittedAt time.Time               `json:"submitted_at"`
	CompletedAt time.Time               `json:"completed_at,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Result      *orchestrator.RunResult `json:"result,omitempty"`
	Events      []orchestrator.Event    `json:"events,omitempty"`
}

// PipelineSource builds the pipeline registered under a name.
type PipelineSource interface {
	Pipeline(name string) (*orchestrator.Pipeline, error)
}

// SourceFunc adapts a function to PipelineSource.
type SourceFunc func(name string) (*orchestrator.Pipeline, error)

// Pipeline calls f(name).
func (f SourceFunc) Pipeline(name string) (*orchestrator.Pipeline, error) { return f(name) }

type record struct {
	run    Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs pipelines asynchronously and keeps their results.
type Manager struct {
	source PipelineSource
	store  orchestrator.ArtifactStore
	logger *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*record
	closed bool
}

// NewManager creates a manager. store must be the store the source's
// pipelines write to; it serves artifact lookups.
func NewManager(source PipelineSource, store orchestrator.ArtifactStore, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source: source,
		store:  store,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*record),
	}
}

// Submit starts a run of the named pipeline and returns its id. An empty
// runID gets a generated one.
func (m *Manager) Submit(pipeline, runID string, input orchestrator.Payload) (string, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if !orchestrator.ValidIdentifier(runID) {
		return "", fmt.Errorf("%w: run id %q", orchestrator.ErrInvalidIdentifier, runID)
	}
	p, err := m.source.Pipeline(pipeline)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, ok := m.runs[runID]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%s: %w", runID, ErrRunExists)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	rec := &record{
		run:    Run{ID: runID, Pipeline: pipeline, Status: StatusPending, SubmittedAt: m.now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.runs[runID] = rec
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(ctx, rec, p, input)
	return runID, nil
}

func (m *Manager) execute(ctx context.Context, rec *record, p *orchestrator.Pipeline, input orchestrator.Payload) {
	defer m.wg.Done()
	defer close(rec.done)
	defer rec.cancel()

	m.update(rec, func(r *Run) { r.Status = StatusRunning })
	ctx = logging.WithRunID(ctx, rec.run.ID)
	m.logger.Info(ctx, "run submitted", zap.String("pipeline", p.Name()))

	result, err := p.Run(ctx, rec.run.ID, input)

	m.update(rec, func(r *Run) {
		r.Result = result
		r.CompletedAt = m.now()
		switch {
		case err == nil:
			r.Status = StatusSucceeded
		case result != nil && result.Status == orchestrator.RunCanceled:
			r.Status = StatusCanceled
			r.Error = err.Error()
		default:
			r.Status = StatusFailed
			r.Error = err.Error()
		}
	})
	if err != nil {
		m.logger.Warn(ctx, "run did not succeed", zap.Error(err))
	}
}

func (m *Manager) update(rec *record, fn func(*Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&rec.run)
}

// Emit records lifecycle events of managed runs. Events of unknown runs are
// dropped.
func (m *Manager) Emit(_ context.Context, ev orchestrator.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[ev.RunID]
	if !ok || len(rec.run.Events) >= maxEvents {
		return
	}
	rec.run.Events = append(rec.run.Events, ev)
}

// Get returns a snapshot of the run.
func (m *Manager) Get(runID string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return snapshot(rec.run), nil
}

// List returns every run, most recently submitted first, without events.
func (m *Manager) List() []Run {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, rec := range m.runs {
		r := rec.run
		r.Events = nil
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until the run completes or ctx ends.
func (m *Manager) Wait(ctx context.Context, runID string) (Run, error) {
	m.mu.RLock()
	rec, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}

	select {
	case <-rec.done:
		return m.Get(runID)
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

// Cancel stops an active run. Canceling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	m.mu.RLock()
	rec, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	rec.cancel()
	return nil
}

// Artifact returns the artifact a run's phase produced.
func (m *Manager) Artifact(ctx context.Context, runID, phase string) (*orchestrator.Artifact, error) {
	if _, err := m.Get(runID); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, runID, phase)
}

// Shutdown rejects new runs, cancels active ones and waits for them to
// finish until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

func snapshot(r Run) Run {
	r.Events = append([]orchestrator.Event(nil), r.Events...)
	return r
}
