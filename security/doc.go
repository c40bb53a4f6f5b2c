// Package security provides static screening of candidate Python code.
//
// The checker parses the code with gpython into a syntax tree, walks it for
// denylisted imports, builtins, dunder attribute access and global/nonlocal
// declarations, then runs a secondary regex pass for obfuscation patterns.
// All passes aggregate into one complete violation report.
//
// A denylist cannot flag unknown-bad constructs. Treat the verdict as a
// cheap pre-filter; the sandbox package's process isolation and resource
// limits are the real boundary.
//
// Usage:
//
//	checker := security.NewChecker()
//	verdict := checker.Check("import os")
//	// verdict.IsSafe == false
//	// verdict.Violations[0] == `line 1: import of denied module "os"`
package security
