// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - correlation fields pulled from the context (run.id, phase.name,
//     task.id, request.id, trace_id)
//   - key and pattern based redaction of secrets
//   - sampling below error level
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithPhase(ctx, "design")
//	logger.Info(ctx, "phase started", zap.Int("tasks", 3))
//
// Tests use NewTestLogger and its Assert helpers.
package logging
