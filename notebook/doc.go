// Package notebook provides a stateful cell-execution session on top of the
// sandbox executor.
//
// Each cell runs in a brand-new isolated process; continuity comes from a
// JSON-valued variable snapshot the session threads from one cell into the
// next. Magic line prefixes (%time, %matplotlib, ! shell escapes) are
// rewritten to plain Python before security screening runs.
//
// Usage:
//
//	session := notebook.NewSession(logger, executor, checker, limits, nil)
//	session.ExecuteCell(ctx, "x = 5")
//	result, _ := session.ExecuteCell(ctx, "print(x)") // stdout: 5
package notebook
