package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

// ArtifactStore keeps artifacts in a JetStream key-value bucket. It
// implements orchestrator.ArtifactStore.
type ArtifactStore struct {
	kv nats.KeyValue
}

// NewArtifactStore binds to bucket, creating it when missing.
func NewArtifactStore(nc *nats.Conn, bucket string) (*ArtifactStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "phaseflow phase artifacts",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind key-value bucket %s: %w", bucket, err)
	}
	return &ArtifactStore{kv: kv}, nil
}

func artifactKey(runID, phase string) string {
	return runID + "." + phase
}

// Put stores the artifact unless the key already exists.
func (s *ArtifactStore) Put(ctx context.Context, runID, phase string, artifact *orchestrator.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if artifact == nil {
		return fmt.Errorf("artifact for %s/%s is nil", runID, phase)
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	key := artifactKey(runID, phase)
	if _, err := s.kv.Create(key, data); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("%s: %w", key, orchestrator.ErrArtifactExists)
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

// Get loads the artifact for (runID, phase).
func (s *ArtifactStore) Get(ctx context.Context, runID, phase string) (*orchestrator.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := artifactKey(runID, phase)
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", key, orchestrator.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var a orchestrator.Artifact
	if err := json.Unmarshal(entry.Value(), &a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if a.Issues == nil {
		a.Issues = []orchestrator.Issue{}
	}
	if a.Payload == nil {
		a.Payload = orchestrator.Payload{}
	}
	return &a, nil
}
