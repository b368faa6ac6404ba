// Package orchestrator runs multi-phase task pipelines.
//
// # Overview
//
// A Pipeline is a validated DAG of phases. Each phase holds tasks that are
// executed by pluggable TaskExecutors, and each successful phase produces one
// immutable Artifact that downstream phases consume read-only:
//
//	seed -> phase A -> artifact A -> phase B -> artifact B (final)
//
// Phases run one at a time in a deterministic topological order. Cycles,
// unknown dependencies, duplicate names and unbound task kinds are rejected
// by NewPipeline before any task executes.
//
// # Phase modes
//
// ModeParallel launches every task at once with the same input and waits for
// all of them. The outputs are merged by Synthesize into a composite payload
// keyed by slot. Missing contributions become gap issues and disagreeing
// sub-keys become conflict issues; nothing is resolved silently.
//
// ModeSequential runs tasks in declared order. A failed attempt is sent to
// the Remediator, and after the acknowledgment the same task is re-run with
// the same input. The loop ends Unresolved once MaxIterations fix requests
// were made, the task deadline passes or an acknowledgment times out.
//
// # Require policies
//
// Each phase decides which task outcomes fail it: RequireAny (the parallel
// default), RequireAll (the sequential default) or RequireListed.
//
// # Gates
//
// Gates run before a phase starts and inspect its upstream artifacts. The
// built-in IssueGate blocks a phase whose inputs carry issue kinds listed in
// PhaseSpec.BlockingIssues.
//
// # Usage
//
//	table := orchestrator.NewExecutorTable().
//	    Register("analyze", analyzer).
//	    Register("test", tester)
//
//	p, err := orchestrator.NewPipeline("review", phases, table,
//	    orchestrator.WithRemediator(fixer),
//	    orchestrator.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	result, err := p.Run(ctx, "run-1", orchestrator.Payload{"repo": "..."})
package orchestrator
