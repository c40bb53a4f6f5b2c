// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the execution engine to agent callers as a
// set of MCP tools using the mark3labs/mcp-go library: one-shot execution,
// validate-only screening, stateful notebook cells, and capability
// introspection. The server supports both stdio and HTTP transports.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/quitedob/pycell/config"
	"github.com/quitedob/pycell/engine"
	"github.com/quitedob/pycell/sandbox"
)

// Engine is the facade surface the server needs. *engine.Engine satisfies
// it.
type Engine interface {
	ValidateCode(code string) engine.Validation
	ExecuteCode(ctx context.Context, code string, contextVars map[string]any) sandbox.Result
	ExecuteNotebookCell(ctx context.Context, code string) sandbox.Result
	ResetNotebook()
	Capabilities(ctx context.Context) engine.Capabilities
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	engine    Engine
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, eng Engine) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		engine: eng,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.python_bin", s.config.Sandbox.PythonBin),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.max_open_files", s.config.Sandbox.MaxOpenFiles),
		zap.Int("sandbox.max_output_kb", s.config.Sandbox.MaxOutputKB),
		zap.Int("sandbox.max_code_size_kb", s.config.Sandbox.MaxCodeSizeKB))

	s.mcpServer = server.NewMCPServer("pycell-executor", "A sandboxed Python execution server")

	s.registerTools()

	return s, nil
}

// executionResponse is the JSON shape tool callers receive for executions.
type executionResponse struct {
	Success           bool           `json:"success"`
	Stdout            string         `json:"stdout"`
	Stderr            string         `json:"stderr"`
	Error             string         `json:"error,omitempty"`
	ExecutionTimeMS   int64          `json:"execution_time_ms"`
	CapturedVariables map[string]any `json:"captured_variables,omitempty"`
}

type validationResponse struct {
	IsSafe     bool     `json:"is_safe"`
	Violations []string `json:"violations"`
	Warnings   []string `json:"warnings"`
}

type capabilitiesResponse struct {
	OptionalModules map[string]bool `json:"optional_modules"`
	TimeoutSec      int             `json:"timeout_sec"`
	MemoryBytes     int64           `json:"memory_bytes"`
	MaxOpenFiles    int             `json:"max_open_files"`
	MaxOutputBytes  int             `json:"max_output_bytes"`
}

func codeProperty() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Python source code",
	}
}

// registerTools registers the executor tool surface
func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_python_code",
		Description: "Execute Python code in an isolated sandbox and return stdout, stderr, and captured variables",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": codeProperty(),
				"context": map[string]any{
					"type":        "object",
					"description": "JSON object of seed variables visible to the code (optional)",
				},
			},
			Required: []string{"code"},
		},
	}, s.handleRunCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "validate_python_code",
		Description: "Screen Python code without executing it; returns violations and advisory warnings",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"code": codeProperty()},
			Required:   []string{"code"},
		},
	}, s.handleValidateCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_notebook_cell",
		Description: "Execute a notebook cell; variables defined in earlier cells are visible",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"code": codeProperty()},
			Required:   []string{"code"},
		},
	}, s.handleRunNotebookCell)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "reset_notebook",
		Description: "Discard all variables accumulated by previous notebook cells",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleResetNotebook)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_capabilities",
		Description: "Report which optional data modules are installed and the active resource limits",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleCapabilities)
}

// handleRunCode handles the run_python_code tool
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	var contextVars map[string]any
	if raw, ok := request.GetArguments()["context"]; ok && raw != nil {
		contextVars, ok = raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("context parameter must be a JSON object")
		}
	}

	s.logger.Info("code execution requested",
		zap.Int("code_len", len(code)),
		zap.Int("context_vars", len(contextVars)))

	result := s.engine.ExecuteCode(ctx, code, contextVars)

	s.logger.Info("code execution completed",
		zap.Bool("success", result.Success),
		zap.Int64("execution_time_ms", result.ExecutionTimeMS),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return executionToolResult(result)
}

// handleValidateCode handles the validate_python_code tool
func (s *MCPServer) handleValidateCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	validation := s.engine.ValidateCode(code)

	s.logger.Info("code validated",
		zap.Bool("is_safe", validation.IsSafe),
		zap.Int("violations", len(validation.Violations)),
		zap.Int("warnings", len(validation.Warnings)))

	return jsonToolResult(validationResponse{
		IsSafe:     validation.IsSafe,
		Violations: emptyIfNil(validation.Violations),
		Warnings:   emptyIfNil(validation.Warnings),
	}, false)
}

// handleRunNotebookCell handles the run_notebook_cell tool
func (s *MCPServer) handleRunNotebookCell(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	s.logger.Info("notebook cell requested", zap.Int("code_len", len(code)))

	result := s.engine.ExecuteNotebookCell(ctx, code)

	return executionToolResult(result)
}

// handleResetNotebook handles the reset_notebook tool
func (s *MCPServer) handleResetNotebook(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.engine.ResetNotebook()
	s.logger.Info("notebook state reset")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: `{"reset":true}`},
		},
	}, nil
}

// handleCapabilities handles the sandbox_capabilities tool
func (s *MCPServer) handleCapabilities(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps := s.engine.Capabilities(ctx)

	return jsonToolResult(capabilitiesResponse{
		OptionalModules: caps.OptionalModules,
		TimeoutSec:      int(caps.Limits.Timeout.Seconds()),
		MemoryBytes:     caps.Limits.MemoryBytes,
		MaxOpenFiles:    caps.Limits.MaxOpenFiles,
		MaxOutputBytes:  caps.Limits.MaxOutputBytes,
	}, false)
}

// executionToolResult converts an execution Result into a tool result. A
// failed execution is an IsError tool result with the structured payload
// preserved, never a protocol error.
func executionToolResult(result sandbox.Result) (*mcp.CallToolResult, error) {
	return jsonToolResult(executionResponse{
		Success:           result.Success,
		Stdout:            result.Stdout,
		Stderr:            result.Stderr,
		Error:             result.Error,
		ExecutionTimeMS:   result.ExecutionTimeMS,
		CapturedVariables: result.Variables,
	}, !result.Success)
}

func jsonToolResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
		IsError: isError,
	}, nil
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
