// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the execution engine as MCP tools using the
// mark3labs/mcp-go library: run_python_code, validate_python_code,
// run_notebook_cell, reset_notebook, and sandbox_capabilities. Failed
// executions come back as IsError tool results carrying the structured
// payload; the protocol layer never sees a raw fault from the engine.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, eng)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.ServeStdio() // or srv.ServeHTTP()
package mcpserver
