// Package runs tracks pipeline runs submitted to a phaseflow server.
//
// A Manager starts each run in the background under a context it owns,
// records its status and lifecycle events, and cancels every active run on
// Shutdown.
package runs
