package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// ArtifactStore is write-once storage of phase artifacts keyed by
// (runID, phase). Put on an existing key returns ErrArtifactExists; Get on a
// missing key returns ErrArtifactNotFound.
type ArtifactStore interface {
	Put(ctx context.Context, runID, phase string, artifact *Artifact) error
	Get(ctx context.Context, runID, phase string) (*Artifact, error)
}

// MemoryStore is an in-process ArtifactStore. Artifacts are copied on the
// way in and out so callers can never mutate stored values.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]*Artifact)}
}

func storeKey(runID, phase string) string {
	return runID + "/" + phase
}

// Put stores the artifact unless the key is already taken.
func (s *MemoryStore) Put(_ context.Context, runID, phase string, artifact *Artifact) error {
	if artifact == nil {
		return fmt.Errorf("artifact for %s/%s is nil", runID, phase)
	}
	key := storeKey(runID, phase)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrArtifactExists)
	}
	s.artifacts[key] = artifact.Clone()
	return nil
}

// Get returns a copy of the stored artifact.
func (s *MemoryStore) Get(_ context.Context, runID, phase string) (*Artifact, error) {
	key := storeKey(runID, phase)

	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrArtifactNotFound)
	}
	return a.Clone(), nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}
