package secrets

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

var redactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "phaseflow",
		Subsystem: "secrets",
		Name:      "failure_redactions_total",
		Help:      "Secrets redacted from task failures, by Gitleaks rule.",
	},
	[]string{"rule"},
)

// Failure returns a copy of f with secrets redacted from the message and
// hints, and the findings.
func (r *Redactor) Failure(f *orchestrator.Failure) (*orchestrator.Failure, []Finding) {
	if f == nil {
		return nil, nil
	}
	out := &orchestrator.Failure{Kind: f.Kind}

	var findings []Finding
	var found []Finding
	out.Message, found = r.Redact(f.Message)
	findings = append(findings, found...)
	for _, h := range f.Hints {
		clean, found := r.Redact(h)
		out.Hints = append(out.Hints, clean)
		findings = append(findings, found...)
	}
	return out, findings
}

type redactingExecutor struct {
	next     orchestrator.TaskExecutor
	redactor *Redactor
	logger   *logging.Logger
}

// WrapExecutor returns an executor whose failures are redacted before the
// engine sees them. Context errors pass through unchanged so cancellation
// and timeouts keep their meaning.
func WrapExecutor(next orchestrator.TaskExecutor, r *Redactor, logger *logging.Logger) orchestrator.TaskExecutor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &redactingExecutor{next: next, redactor: r, logger: logger}
}

func (e *redactingExecutor) Execute(ctx context.Context, req orchestrator.TaskRequest) (orchestrator.Payload, error) {
	out, err := e.next.Execute(ctx, req)
	if err == nil || ctx.Err() != nil {
		return out, err
	}

	clean, findings := e.redactor.Failure(orchestrator.AsFailure(err))
	if len(findings) > 0 {
		rules := make([]string, 0, len(findings))
		for _, f := range findings {
			redactionsTotal.WithLabelValues(f.RuleID).Inc()
			rules = append(rules, f.RuleID)
		}
		e.logger.Warn(ctx, "redacted secrets from task failure",
			zap.String("task_id", req.TaskID),
			zap.Strings("rules", rules))
	}
	return out, clean
}
