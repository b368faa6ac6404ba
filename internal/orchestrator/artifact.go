package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// artifactNamespace scopes name-based artifact ids.
var artifactNamespace = uuid.MustParse("6f1c3a52-8e0b-4d7e-9a44-2b9d6c0e7f13")

// Payload is opaque JSON-shaped task or phase output. The engine only looks
// inside it to detect conflicting sub-keys during synthesis.
type Payload map[string]any

// NormalizePayload round-trips p through JSON so that it holds only JSON
// native types (map[string]any, []any, string, float64, bool, nil).
func NormalizePayload(p Payload) (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

// Clone returns a deep copy of a normalized payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return deepCopy(map[string]any(p)).(map[string]any)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case Payload:
		return Payload(deepCopy(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// IssueKind classifies a synthesis issue.
type IssueKind string

const (
	IssueGap      IssueKind = "gap"
	IssueConflict IssueKind = "conflict"
)

// Issue is a gap or conflict recorded by the synthesizer. Issues are data
// attached to an artifact, not errors.
type Issue struct {
	Kind IssueKind `json:"kind"`

	// Phase names the producing phase. It is set on RunResult.Issues only;
	// issues stored on an artifact leave it empty.
	Phase string `json:"phase,omitempty"`

	// Gap fields.
	Slot   string `json:"slot,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Conflict fields.
	SlotA  string `json:"slot_a,omitempty"`
	SlotB  string `json:"slot_b,omitempty"`
	// Key is the dotted path of the sub-key; "~" and "." inside a key are
	// written as "~0" and "~1".
	Key    string `json:"key,omitempty"`
	ValueA any    `json:"value_a,omitempty"`
	ValueB any    `json:"value_b,omitempty"`
}

// Artifact is the immutable output of a phase, addressed by (RunID, ProducedBy).
type Artifact struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ProducedBy string    `json:"produced_by"`
	Payload    Payload   `json:"payload"`
	Issues     []Issue   `json:"issues"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
}

// artifactBody is the canonical, timestamp-free encoding of an artifact.
type artifactBody struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	ProducedBy string  `json:"produced_by"`
	Payload    Payload `json:"payload"`
	Issues     []Issue `json:"issues"`
}

// NewArtifact builds an artifact with a name-based id and content digest.
// The same inputs always produce the same id and digest.
func NewArtifact(runID, phase string, payload Payload, issues []Issue, createdAt time.Time) (*Artifact, error) {
	if payload == nil {
		payload = Payload{}
	}
	if issues == nil {
		issues = []Issue{}
	}
	a := &Artifact{
		ID:         ArtifactID(runID, phase),
		RunID:      runID,
		ProducedBy: phase,
		Payload:    payload,
		Issues:     issues,
		CreatedAt:  createdAt,
	}
	body, err := a.Canonical()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	a.Digest = hex.EncodeToString(sum[:])
	return a, nil
}

// ArtifactID returns the deterministic id of the artifact for (runID, phase).
func ArtifactID(runID, phase string) string {
	return uuid.NewSHA1(artifactNamespace, []byte(runID+"/"+phase)).String()
}

// Canonical returns the byte-stable encoding of the artifact, excluding
// CreatedAt and Digest. Map keys are sorted by encoding/json.
func (a *Artifact) Canonical() ([]byte, error) {
	body, err := json.Marshal(artifactBody{
		ID:         a.ID,
		RunID:      a.RunID,
		ProducedBy: a.ProducedBy,
		Payload:    a.Payload,
		Issues:     a.Issues,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding artifact %s: %w", a.ID, err)
	}
	return body, nil
}

// HasIssues reports whether any issue of the given kinds is present.
// With no kinds, any issue counts.
func (a *Artifact) HasIssues(kinds ...IssueKind) bool {
	if len(kinds) == 0 {
		return len(a.Issues) > 0
	}
	for _, issue := range a.Issues {
		for _, k := range kinds {
			if issue.Kind == k {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another owner.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Payload = a.Payload.Clone()
	cp.Issues = make([]Issue, len(a.Issues))
	for i, issue := range a.Issues {
		issue.ValueA = deepCopy(issue.ValueA)
		issue.ValueB = deepCopy(issue.ValueB)
		cp.Issues[i] = issue
	}
	return &cp
}
