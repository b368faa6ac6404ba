// Package definition loads pipeline definitions from TOML files.
//
// A definition file names a pipeline, optional phase defaults and its
// phases with their tasks:
//
//	name = "code-review"
//
//	[defaults]
//	task_timeout = "5m"
//	max_iterations = 3
//
//	[[phases]]
//	name = "analyze"
//	mode = "parallel"
//
//	  [[phases.tasks]]
//	  id = "security"
//	  kind = "security-review"
//
// Defaults fill every phase setting the phase leaves unset. A Catalog holds
// the definitions of one directory and can reload them when files change.
package definition
