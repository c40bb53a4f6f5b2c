// Package sandbox provides isolated execution of screened Python code.
//
// The sandbox package materializes each execution as a self-contained unit
// (harness script plus JSON payload) in a uniquely named staging directory,
// spawns it as a separate OS process under resource limits, and collects a
// structured result regardless of how the child behaves.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Limits are the resource ceilings applied to one execution. They are
// immutable once an execution starts and are never loosened mid-session.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	MaxOpenFiles   int
	MaxOutputBytes int
}

// Result is the structured outcome of one execution. Ownership transfers to
// the caller; the executor retains nothing.
type Result struct {
	Success         bool
	Stdout          string
	Stderr          string
	Error           string
	ExecutionTimeMS int64
	// Variables is a best-effort snapshot of the child's top-level
	// namespace. Values that fail JSON serialization inside the child are
	// replaced with a "<TypeName> object" placeholder. Names with a leading
	// underscore are treated as private and omitted, including seed
	// variables handed in through the execution context.
	Variables map[string]any
}

// CommandSpec describes one child process spawn: a constrained argument
// vector (no shell interpretation), a pinned environment, and output caps.
type CommandSpec struct {
	Path           string
	Args           []string
	Dir            string
	Env            []string
	MaxOutputBytes int
}

// ProcessRunner spawns a child process and waits for it under the context
// deadline. It exists as a seam so tests can substitute the interpreter.
type ProcessRunner interface {
	RunCommand(ctx context.Context, spec CommandSpec) (stdout, stderr string, exitCode int, err error)
}

// RealProcessRunner implements ProcessRunner using os/exec.
type RealProcessRunner struct{}

// RunCommand spawns the process described by spec and blocks until it exits
// or the context deadline kills it. The returned error is non-nil only for
// infrastructure failures (the process could not be spawned); a non-zero
// exit is reported through exitCode.
func (RealProcessRunner) RunCommand(ctx context.Context, spec CommandSpec) (stdout, stderr string, exitCode int, err error) {
	if spec.Path == "" {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...) //nolint:gosec // Argument vector is built from trusted configuration
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdoutBuf := newCappedBuffer(spec.MaxOutputBytes)
	stderrBuf := newCappedBuffer(spec.MaxOutputBytes)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
			err = nil
		} else if ctx.Err() != nil {
			// Killed by the supervisory deadline; the caller inspects
			// ctx.Err() and still gets the partial output.
			exitCode = -1
			err = nil
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// FileSystem defines the file system operations the executor needs,
// injectable for tests.
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations.
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants
const (
	DirPermission  = 0o700
	FilePermission = 0o600
)

// cappedBuffer keeps at most max bytes and silently drops the rest, so a
// child flooding its streams cannot exhaust parent memory.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max > 0 {
		remaining := b.max - b.buf.Len()
		if remaining <= 0 {
			return n, nil
		}
		if len(p) > remaining {
			p = p[:remaining]
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
