// Package remediation delivers fix requests for failed sequential tasks and
// waits for their acknowledgment.
//
// Two channels are provided:
//   - Desk holds requests until an operator acknowledges them, for example
//     through the HTTP API.
//   - NATSRemediator sends each request to a fixer over NATS request/reply
//     and treats the reply as the acknowledgment. ServeFixes runs the fixer
//     side.
//
// An acknowledgment only states that a fix was attempted. The engine re-runs
// the task to find out whether it worked.
//
// # Usage
//
//	desk := remediation.NewDesk(logger)
//	pipeline, err := orchestrator.NewPipeline(name, phases, table,
//	    orchestrator.WithRemediator(desk),
//	)
//
//	// later, from an operator
//	err = desk.Acknowledge(ctx, "run-1", "verify", "tests", "bumped the fixture")
package remediation
