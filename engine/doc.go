// Package engine provides the single entry point for sandboxed execution.
//
// Callers use an Engine for everything: validate-only screening with
// advisory warnings, one-shot execution with seed variables, stateful
// notebook cells on a shared session, and capability introspection. Only
// code that passed the security checker ever reaches the executor.
//
// Usage:
//
//	eng := engine.New(logger, cfg, checker, executor)
//	validation := eng.ValidateCode("print('hi')")
//	result := eng.ExecuteCode(ctx, "print('hi')", nil)
//	cell := eng.ExecuteNotebookCell(ctx, "x = 5")
package engine
