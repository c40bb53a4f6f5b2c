// Package engine provides the single entry point for sandboxed execution.
//
// The engine dispatches to one-shot or notebook execution, exposes a
// validate-only mode with advisory warnings, and reports the sandbox's
// capabilities. Nothing below this layer lets an unexpected error escape:
// every call terminates in a well-formed result.
package engine

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quitedob/pycell/config"
	"github.com/quitedob/pycell/notebook"
	"github.com/quitedob/pycell/sandbox"
	"github.com/quitedob/pycell/security"
)

// Sandbox is the executor surface the engine needs. *sandbox.Executor
// satisfies it.
type Sandbox interface {
	Execute(ctx context.Context, code string, contextVars map[string]any, limits sandbox.Limits) (sandbox.Result, error)
	AvailableModules(ctx context.Context) map[string]bool
	DefaultLimits() sandbox.Limits
}

// Screener screens one snippet. *security.Checker satisfies it.
type Screener interface {
	Check(code string) security.Verdict
}

// Validation is the outcome of validate-only mode: the binding security
// verdict plus advisory warnings that never affect the safety decision.
type Validation struct {
	IsSafe     bool
	Violations []string
	Warnings   []string
}

// Capabilities describes what the sandbox can actually do on this host.
type Capabilities struct {
	OptionalModules map[string]bool
	Limits          sandbox.Limits
}

// Engine is the facade in front of the checker, the executor, and one shared
// notebook session. Construct it with New and inject it where needed; it
// deliberately is not a package-level singleton so independent instances
// with different limits can coexist (and be tested) in one process.
type Engine struct {
	logger   *zap.Logger
	checker  Screener
	executor Sandbox
	limits   sandbox.Limits

	// notebookMu serializes cells on the shared session, which is
	// single-writer by contract.
	notebookMu sync.Mutex
	session    *notebook.Session
}

// New creates an Engine wired to the given checker and executor.
func New(logger *zap.Logger, cfg *config.Config, checker Screener, executor Sandbox) *Engine {
	limits := executor.DefaultLimits()

	plotting := func(ctx context.Context) bool {
		return executor.AvailableModules(ctx)["matplotlib"]
	}

	e := &Engine{
		logger:   logger,
		checker:  checker,
		executor: executor,
		limits:   limits,
		session:  notebook.NewSession(logger, executor, checker, limits, plotting),
	}

	logger.Info("execution engine ready",
		zap.Duration("timeout", limits.Timeout),
		zap.Int64("memory_bytes", limits.MemoryBytes),
		zap.Int("max_open_files", limits.MaxOpenFiles),
		zap.Int("max_output_bytes", limits.MaxOutputBytes),
		zap.Int("allowed_modules", len(cfg.Modules.Allowed)),
		zap.Int("optional_modules", len(cfg.Modules.Optional)))

	return e
}

// ValidateCode runs only the security checker plus the non-blocking
// heuristics. Nothing is executed.
func (e *Engine) ValidateCode(code string) Validation {
	verdict := e.checker.Check(code)
	return Validation{
		IsSafe:     verdict.IsSafe,
		Violations: verdict.Violations,
		Warnings:   AdvisoryWarnings(code),
	}
}

// ExecuteCode runs one snippet with externally supplied seed variables.
// Code that fails screening never reaches the executor.
func (e *Engine) ExecuteCode(ctx context.Context, code string, contextVars map[string]any) sandbox.Result {
	verdict := e.checker.Check(code)
	if !verdict.IsSafe {
		e.logger.Info("code rejected by security checker",
			zap.Int("violations", len(verdict.Violations)))
		return rejectionResult(verdict)
	}

	result, err := e.executor.Execute(ctx, code, contextVars, e.limits)
	if err != nil {
		// The one category worth operational attention: host-level
		// trouble, not bad user code.
		e.logger.Error("sandbox infrastructure failure", zap.Error(err))
		return infrastructureResult(err)
	}
	return result
}

// ExecuteNotebookCell runs one cell on the engine's shared notebook session.
func (e *Engine) ExecuteNotebookCell(ctx context.Context, code string) sandbox.Result {
	e.notebookMu.Lock()
	defer e.notebookMu.Unlock()

	result, err := e.session.ExecuteCell(ctx, code)
	if err != nil {
		e.logger.Error("sandbox infrastructure failure", zap.Error(err))
		return infrastructureResult(err)
	}
	return result
}

// ResetNotebook discards the shared session's accumulated state.
func (e *Engine) ResetNotebook() {
	e.notebookMu.Lock()
	defer e.notebookMu.Unlock()
	e.session.Reset()
}

// Capabilities reports optional-module availability and the active resource
// limits so calling layers do not have to guess.
func (e *Engine) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{
		OptionalModules: e.executor.AvailableModules(ctx),
		Limits:          e.limits,
	}
}

func rejectionResult(verdict security.Verdict) sandbox.Result {
	return sandbox.Result{
		Success: false,
		Error:   "security check failed",
		Stderr:  strings.Join(verdict.Violations, "\n"),
	}
}

func infrastructureResult(err error) sandbox.Result {
	return sandbox.Result{
		Success: false,
		Error:   "infrastructure failure: " + err.Error(),
	}
}
