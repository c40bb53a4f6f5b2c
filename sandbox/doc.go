// Package sandbox provides isolated execution of screened Python code.
//
// Each call to Execute stages two files in a uniquely named directory: the
// embedded Python harness and a JSON payload carrying the user code, context
// variables, resource limits, and import allow-list. The harness applies
// RLIMIT_AS and RLIMIT_NOFILE, arms a SIGALRM-based timeout, installs a
// restricted builtins table with a guarded importer, and runs the code with
// stdout/stderr captured. It emits exactly one JSON result line, which the
// parent parses into a Result.
//
// Two independent timeout mechanisms protect the host: the in-child alarm
// (a courtesy, producing cleaner partial output) and the parent's
// supervisory deadline (the authoritative kill for a child that ignores its
// alarm). Every path terminates in a well-formed Result, whether the child
// timed out, hit a resource ceiling, or raised; only infrastructure
// failures return an error.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer executor.Close()
//	result, err := executor.Execute(ctx, "print(1+1)", nil, executor.DefaultLimits())
package sandbox
