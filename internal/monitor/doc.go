// Package monitor is the client side of the phaseflow API: an HTTP client
// used by the CLI and a terminal dashboard that follows one run live.
package monitor
