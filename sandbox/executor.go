package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quitedob/pycell/config"
)

// runnerSource is the Python harness written next to each execution's
// payload. It is static: user code and context variables only ever reach the
// child as JSON data, never as interpolated source text.
//
//go:embed runner.py
var runnerSource string

const (
	runnerFileName  = "runner.py"
	payloadFileName = "payload.json"

	// probeTimeout bounds the "import X" availability check per module.
	probeTimeout = 10 * time.Second
)

// Executor runs screened code in a separate OS process with enforced
// resource ceilings. It is safe for concurrent use; concurrent executions
// each get a uniquely named directory under the shared staging root.
type Executor struct {
	logger          *zap.Logger
	pythonBin       string
	stageDir        string
	allowedModules  []string
	optionalModules []string
	defaults        Limits
	grace           time.Duration
	runner          ProcessRunner
	fs              FileSystem

	probe *moduleProbe
}

// ExecutorOption defines a functional option for Executor
type ExecutorOption func(*Executor)

// WithProcessRunner sets the ProcessRunner for Executor
func WithProcessRunner(runner ProcessRunner) ExecutorOption {
	return func(e *Executor) {
		e.runner = runner
	}
}

// WithFileSystem sets the FileSystem for Executor
func WithFileSystem(fs FileSystem) ExecutorOption {
	return func(e *Executor) {
		e.fs = fs
	}
}

// NewExecutor creates an Executor from the application configuration. The
// staging directory is created once per instance with restrictive
// permissions; call Close to remove it on teardown.
func NewExecutor(logger *zap.Logger, cfg *config.Config, opts ...ExecutorOption) (*Executor, error) {
	executor := &Executor{
		logger:          logger,
		pythonBin:       cfg.Sandbox.PythonBin,
		allowedModules:  append([]string(nil), cfg.Modules.Allowed...),
		optionalModules: append([]string(nil), cfg.Modules.Optional...),
		defaults: Limits{
			Timeout:        cfg.GetTimeout(),
			MemoryBytes:    int64(cfg.Sandbox.MemoryMB) << 20,
			MaxOpenFiles:   cfg.Sandbox.MaxOpenFiles,
			MaxOutputBytes: cfg.Sandbox.MaxOutputKB << 10,
		},
		grace:  cfg.GetSupervisoryGrace(),
		runner: &RealProcessRunner{},
		fs:     &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	stageDir, err := executor.fs.MkdirTemp("", "pycell-stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	executor.stageDir = stageDir
	executor.probe = newModuleProbe(executor.pythonBin, executor.optionalModules, executor.runner)

	return executor, nil
}

// Close removes the executor's staging directory.
func (e *Executor) Close() error {
	if e.stageDir == "" {
		return nil
	}
	return e.fs.RemoveAll(e.stageDir)
}

// DefaultLimits returns the resource limits configured for this executor.
func (e *Executor) DefaultLimits() Limits {
	return e.defaults
}

// AvailableModules reports which optional data-processing modules are
// importable on the host. The probe runs once and is cached.
func (e *Executor) AvailableModules(ctx context.Context) map[string]bool {
	return e.probe.available(ctx)
}

// payload is the JSON document carrying code, context, and limits across
// the process boundary.
type payload struct {
	Code           string         `json:"code"`
	Context        map[string]any `json:"context"`
	Limits         payloadLimits  `json:"limits"`
	AllowedModules []string       `json:"allowed_modules"`
}

type payloadLimits struct {
	TimeoutSeconds int   `json:"timeout_seconds"`
	MemoryBytes    int64 `json:"memory_bytes"`
	MaxOpenFiles   int   `json:"max_open_files"`
	MaxOutputBytes int   `json:"max_output_bytes"`
}

// childResult mirrors the single JSON result line emitted by the harness.
type childResult struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Variables map[string]any `json:"variables"`
}

// Execute runs code that already passed the security checker. The returned
// error is non-nil only for infrastructure failures (temp files, process
// spawn); everything the child does, including timeouts and uncaught
// exceptions, comes back as a Result with Success=false.
func (e *Executor) Execute(ctx context.Context, code string, contextVars map[string]any, limits Limits) (Result, error) {
	limits = e.fillLimits(limits)
	if contextVars == nil {
		// A nil map must serialize as {} rather than null so the harness
		// always receives an object.
		contextVars = map[string]any{}
	}

	execID := uuid.NewString()
	execDir := filepath.Join(e.stageDir, "exec-"+execID)
	if err := e.fs.MkdirAll(execDir, DirPermission); err != nil {
		return Result{}, fmt.Errorf("failed to create execution dir: %w", err)
	}
	// Cleanup runs on every exit path, success or not.
	defer func() {
		if err := e.fs.RemoveAll(execDir); err != nil {
			e.logger.Warn("failed to remove execution dir",
				zap.String("execution_id", execID), zap.Error(err))
		}
	}()

	runnerPath := filepath.Join(execDir, runnerFileName)
	if err := e.fs.WriteFile(runnerPath, []byte(runnerSource), FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write harness: %w", err)
	}

	payloadBytes, err := json.Marshal(payload{
		Code:    code,
		Context: contextVars,
		Limits: payloadLimits{
			TimeoutSeconds: int(limits.Timeout / time.Second),
			MemoryBytes:    limits.MemoryBytes,
			MaxOpenFiles:   limits.MaxOpenFiles,
			MaxOutputBytes: limits.MaxOutputBytes,
		},
		AllowedModules: e.importableModules(ctx),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	payloadPath := filepath.Join(execDir, payloadFileName)
	if err := e.fs.WriteFile(payloadPath, payloadBytes, FilePermission); err != nil {
		return Result{}, fmt.Errorf("failed to write payload: %w", err)
	}

	// The child enforces its own alarm; the supervisory deadline is the
	// authoritative kill for a child that ignores it.
	supervisoryCtx, cancel := context.WithTimeout(ctx, limits.Timeout+e.grace)
	defer cancel()

	spec := CommandSpec{
		Path: e.pythonBin,
		// -I isolates the interpreter from user site-packages and
		// environment-derived import paths, -B suppresses bytecode files,
		// -u unbuffers the result line.
		Args:           []string{"-I", "-B", "-u", runnerPath, payloadPath},
		Dir:            execDir,
		Env:            minimalEnv(execDir),
		MaxOutputBytes: resultStreamCap(limits.MaxOutputBytes),
	}

	start := time.Now()
	stdout, stderr, exitCode, err := e.runner.RunCommand(supervisoryCtx, spec)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return Result{}, fmt.Errorf("failed to spawn interpreter: %w", err)
	}

	// A deadline expiry is a timeout outcome no matter whose deadline fired
	// first, the supervisory one or the caller's own.
	if supervisoryCtx.Err() == context.DeadlineExceeded {
		e.logger.Info("execution killed by supervisory timeout",
			zap.String("execution_id", execID),
			zap.Duration("timeout", limits.Timeout))
		return Result{
			Success:         false,
			Stdout:          stdout,
			Stderr:          stderr,
			Error:           fmt.Sprintf("timeout after %ds", int(limits.Timeout/time.Second)),
			ExecutionTimeMS: elapsed,
		}, nil
	}

	child, ok := parseResultLine(stdout)
	if !ok {
		return Result{
			Success:         false,
			Stdout:          stdout,
			Stderr:          stderr,
			Error:           fmt.Sprintf("process exited with code %d without a result", exitCode),
			ExecutionTimeMS: elapsed,
		}, nil
	}

	e.logger.Debug("execution finished",
		zap.String("execution_id", execID),
		zap.Bool("success", child.OK),
		zap.Int64("execution_time_ms", elapsed))

	return Result{
		Success:         child.OK,
		Stdout:          child.Stdout,
		Stderr:          child.Stderr,
		Error:           child.Error,
		ExecutionTimeMS: elapsed,
		Variables:       child.Variables,
	}, nil
}

// fillLimits substitutes configured defaults for any unset field.
func (e *Executor) fillLimits(limits Limits) Limits {
	if limits.Timeout <= 0 {
		limits.Timeout = e.defaults.Timeout
	}
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = e.defaults.MemoryBytes
	}
	if limits.MaxOpenFiles <= 0 {
		limits.MaxOpenFiles = e.defaults.MaxOpenFiles
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = e.defaults.MaxOutputBytes
	}
	return limits
}

// importableModules is the allow-list handed to the child's guarded
// importer: the configured safe modules plus whichever optional modules the
// probe found installed.
func (e *Executor) importableModules(ctx context.Context) []string {
	modules := append([]string(nil), e.allowedModules...)
	for module, installed := range e.probe.available(ctx) {
		if installed {
			modules = append(modules, module)
		}
	}
	return modules
}

// resultStreamCap bounds the child's real stdout. The only expected content
// there is the single JSON result line, which embeds both user streams
// already clipped to maxOutput each and can roughly double again under JSON
// escaping, so the cap must comfortably exceed the worst-case line. A cap
// still applies: a child flooding the real stdout cannot exhaust parent
// memory.
func resultStreamCap(maxOutput int) int {
	return 4*maxOutput + 64<<10
}

// minimalEnv pins the child environment to a fixed allow-list. Interpreter
// search-path and dynamic-library variables are never present.
func minimalEnv(homeDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + homeDir,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
}

// parseResultLine scans the child's stdout from the last line backwards for
// the single JSON result line the harness emits.
func parseResultLine(stdout string) (childResult, bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] != '{' {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			continue
		}
		if _, hasOK := fields["ok"]; !hasOK {
			continue
		}
		if _, hasVars := fields["variables"]; !hasVars {
			continue
		}

		var child childResult
		if err := json.Unmarshal([]byte(line), &child); err != nil {
			continue
		}
		return child, true
	}
	return childResult{}, false
}
