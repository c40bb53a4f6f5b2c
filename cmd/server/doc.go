// Package main is the entry point for the pycell MCP server.
//
// Run with a config.yaml in the working directory or ./config, or rely on
// the built-in defaults (stdio transport, python3, 10s timeout, 256 MB).
package main
