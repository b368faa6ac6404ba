package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is a gate finding against the inputs of a phase.
type Violation struct {
	Gate        string   `json:"gate"`
	Phase       string   `json:"phase"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Gate validates the upstream artifacts of a phase before it starts.
// Warnings are recorded; errors and critical violations block the phase.
type Gate interface {
	Name() string
	Check(ctx context.Context, phase string, inputs map[string]*Artifact) ([]Violation, error)
}

// IssueGate blocks a phase whose upstream artifacts carry issues of the
// configured kinds.
type IssueGate struct {
	kinds []IssueKind
}

// NewIssueGate creates a gate blocking on the given issue kinds.
func NewIssueGate(kinds ...IssueKind) *IssueGate {
	return &IssueGate{kinds: kinds}
}

// Name returns the gate identifier.
func (g *IssueGate) Name() string {
	return "blocking-issues"
}

// Check reports one violation per blocking issue, in upstream phase order.
func (g *IssueGate) Check(_ context.Context, phase string, inputs map[string]*Artifact) ([]Violation, error) {
	if len(g.kinds) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []Violation
	for _, name := range names {
		a := inputs[name]
		if a == nil {
			continue
		}
		for _, issue := range a.Issues {
			if !g.blocks(issue.Kind) {
				continue
			}
			violations = append(violations, Violation{
				Gate:        g.Name(),
				Phase:       phase,
				Description: describeIssue(name, issue),
				Severity:    SeverityError,
			})
		}
	}
	return violations, nil
}

func (g *IssueGate) blocks(kind IssueKind) bool {
	for _, k := range g.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func describeIssue(upstream string, issue Issue) string {
	if issue.Kind == IssueConflict {
		return fmt.Sprintf("upstream %s: slots %s and %s conflict on %s", upstream, issue.SlotA, issue.SlotB, issue.Key)
	}
	return fmt.Sprintf("upstream %s: slot %s missing (%s)", upstream, issue.Slot, issue.Reason)
}

// hasBlockingViolation checks if any violation should block execution.
func hasBlockingViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// describeViolations creates a summary of violations.
func describeViolations(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Gate, v.Description))
	}
	return strings.Join(parts, "; ")
}
