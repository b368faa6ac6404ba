// Package secrets keeps credentials out of task failures.
//
// Workers often fail with raw tool output. Before a failure reaches logs,
// events, fix requests or stored results, the wrapped executor runs the
// message and hints through the Gitleaks rule set and replaces each secret
// with a [REDACTED:rule-id] marker.
package secrets
