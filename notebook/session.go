// Package notebook provides a stateful cell-execution session on top of the
// sandbox executor.
package notebook

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/quitedob/pycell/sandbox"
	"github.com/quitedob/pycell/security"
)

// Runner executes one screened snippet in isolation. *sandbox.Executor
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, code string, contextVars map[string]any, limits sandbox.Limits) (sandbox.Result, error)
}

// Screener screens one snippet. *security.Checker satisfies it.
type Screener interface {
	Check(code string) security.Verdict
}

// PlottingCheck reports whether the optional plotting module is importable
// on the host; it decides how %matplotlib is rewritten.
type PlottingCheck func(ctx context.Context) bool

// Session gives the illusion of a persistent interactive session: variables
// defined by one cell are visible to the next, even though every cell runs
// in a fresh isolated process. Inter-cell state is strictly a JSON-valued
// snapshot re-hydrated into each new child; no child outlives its cell.
//
// A Session is single-writer: cells must be serialized by the caller.
type Session struct {
	logger    *zap.Logger
	runner    Runner
	screener  Screener
	limits    sandbox.Limits
	plotting  PlottingCheck
	cellCount int
	vars      map[string]any
}

// NewSession creates a Session. The same limits apply to every cell; they
// are never loosened mid-session.
func NewSession(logger *zap.Logger, runner Runner, screener Screener, limits sandbox.Limits, plotting PlottingCheck) *Session {
	if plotting == nil {
		plotting = func(context.Context) bool { return false }
	}
	return &Session{
		logger:   logger,
		runner:   runner,
		screener: screener,
		limits:   limits,
		plotting: plotting,
		vars:     make(map[string]any),
	}
}

// ExecuteCell rewrites magic prefixes, screens the cell, runs it with the
// accumulated variables as context, and on success merges the captured
// variables back into the session state. The returned error is non-nil only
// for infrastructure failures.
func (s *Session) ExecuteCell(ctx context.Context, code string) (sandbox.Result, error) {
	s.cellCount++
	cell := s.cellCount

	// Magic rewriting must precede screening: the raw markers are not
	// valid Python and a shell escape must never survive to execution.
	rewritten := RewriteMagics(code, s.plotting(ctx))

	verdict := s.screener.Check(rewritten)
	if !verdict.IsSafe {
		s.logger.Info("notebook cell rejected",
			zap.Int("cell", cell),
			zap.Int("violations", len(verdict.Violations)))
		return sandbox.Result{
			Success: false,
			Error:   "security check failed",
			Stderr:  strings.Join(verdict.Violations, "\n"),
		}, nil
	}

	result, err := s.runner.Execute(ctx, rewritten, s.snapshotVars(), s.limits)
	if err != nil {
		return sandbox.Result{}, err
	}

	if result.Success {
		for name, value := range result.Variables {
			s.vars[name] = value
		}
	}

	s.logger.Debug("notebook cell finished",
		zap.Int("cell", cell),
		zap.Bool("success", result.Success),
		zap.Int("variables", len(s.vars)))

	return result, nil
}

// Reset discards the accumulated variables and the cell counter.
func (s *Session) Reset() {
	s.cellCount = 0
	s.vars = make(map[string]any)
}

// CellCount returns the number of cells executed since the last reset.
func (s *Session) CellCount() int {
	return s.cellCount
}

// Variables returns a copy of the accumulated variable map. Every value is
// JSON-representable: anything else was already downgraded to a placeholder
// by the executor before it could enter the session.
func (s *Session) Variables() map[string]any {
	return s.snapshotVars()
}

func (s *Session) snapshotVars() map[string]any {
	out := make(map[string]any, len(s.vars))
	for name, value := range s.vars {
		out[name] = value
	}
	return out
}
