// Package workflows runs phaseflow tasks on Temporal.
//
// Each task attempt becomes one TaskWorkflow execution that calls a single
// activity named "phaseflow.task.<kind>". The activity is never retried by
// Temporal; retries belong to the engine's remediation loop.
//
// The engine side uses Executor as an orchestrator.TaskExecutor. Worker
// processes call Register with their executors to serve task kinds.
package workflows
