package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quitedob/pycell/config"
)

// MockProcessRunner implements ProcessRunner for testing
type MockProcessRunner struct {
	mu      sync.Mutex
	specs   []CommandSpec
	handler func(ctx context.Context, spec CommandSpec) (string, string, int, error)
}

func (m *MockProcessRunner) RunCommand(ctx context.Context, spec CommandSpec) (string, string, int, error) {
	m.mu.Lock()
	m.specs = append(m.specs, spec)
	m.mu.Unlock()
	if m.handler == nil {
		return "", "", 0, nil
	}
	return m.handler(ctx, spec)
}

func (m *MockProcessRunner) recorded() []CommandSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CommandSpec(nil), m.specs...)
}

// isProbe reports whether a recorded spec is a module availability probe
// rather than a code execution.
func isProbe(spec CommandSpec) bool {
	for _, arg := range spec.Args {
		if arg == "-c" {
			return true
		}
	}
	return false
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	files   map[string][]byte
	removed []string

	mkdirTempErr error
	mkdirAllErr  error
	writeFileErr error
	removeAllErr error
}

func newMockFileSystem() *MockFileSystem {
	return &MockFileSystem{files: make(map[string][]byte)}
}

func (m *MockFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	return "/tmp/" + strings.ReplaceAll(pattern, "*", "test"), nil
}

func (m *MockFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return m.mkdirAllErr
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if m.writeFileErr != nil {
		return m.writeFileErr
	}
	m.files[filename] = data
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	if m.removeAllErr != nil {
		return m.removeAllErr
	}
	m.removed = append(m.removed, path)
	return nil
}

// fileWithSuffix returns the content of the single written file whose path
// ends with suffix.
func (m *MockFileSystem) fileWithSuffix(t *testing.T, suffix string) []byte {
	t.Helper()
	for path, data := range m.files {
		if strings.HasSuffix(path, suffix) {
			return data
		}
	}
	t.Fatalf("no written file with suffix %q", suffix)
	return nil
}

func executorConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			PythonBin:           "python3",
			TimeoutSec:          5,
			MemoryMB:            256,
			MaxOpenFiles:        16,
			MaxOutputKB:         64,
			MaxCodeSizeKB:       10,
			SupervisoryGraceSec: 2,
		},
		Modules: config.ModulesConfig{
			Allowed:  []string{"math", "json"},
			Optional: []string{"numpy", "pandas"},
		},
	}
}

// resultLine builds the single JSON line the harness emits on success paths.
func resultLine(t *testing.T, child childResult) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"ok":        child.OK,
		"error":     child.Error,
		"stdout":    child.Stdout,
		"stderr":    child.Stderr,
		"variables": child.Variables,
	})
	require.NoError(t, err)
	return string(data)
}

// newTestExecutor builds an executor whose probe reports every optional
// module as missing unless handler says otherwise.
func newTestExecutor(t *testing.T, handler func(ctx context.Context, spec CommandSpec) (string, string, int, error)) (*Executor, *MockProcessRunner, *MockFileSystem) {
	t.Helper()
	runner := &MockProcessRunner{
		handler: func(ctx context.Context, spec CommandSpec) (string, string, int, error) {
			if isProbe(spec) {
				return "", "", 1, nil
			}
			return handler(ctx, spec)
		},
	}
	fs := newMockFileSystem()
	executor, err := NewExecutor(zaptest.NewLogger(t), executorConfig(),
		WithProcessRunner(runner), WithFileSystem(fs))
	require.NoError(t, err)
	return executor, runner, fs
}

func TestNewExecutor(t *testing.T) {
	executor, _, _ := newTestExecutor(t, nil)

	limits := executor.DefaultLimits()
	assert.Equal(t, 5*time.Second, limits.Timeout)
	assert.Equal(t, int64(256)<<20, limits.MemoryBytes)
	assert.Equal(t, 16, limits.MaxOpenFiles)
	assert.Equal(t, 64<<10, limits.MaxOutputBytes)
}

func TestNewExecutorStagingDirError(t *testing.T) {
	fs := newMockFileSystem()
	fs.mkdirTempErr = errors.New("disk full")

	_, err := NewExecutor(zaptest.NewLogger(t), executorConfig(), WithFileSystem(fs))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging dir")
}

func TestClose(t *testing.T) {
	executor, _, fs := newTestExecutor(t, nil)

	require.NoError(t, executor.Close())
	require.Len(t, fs.removed, 1)
	assert.Equal(t, executor.stageDir, fs.removed[0])
}

func TestExecuteSuccess(t *testing.T) {
	line := ""
	executor, runner, fs := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return line, "", 0, nil
	})
	line = resultLine(t, childResult{
		OK:        true,
		Stdout:    "hello\n",
		Variables: map[string]any{"x": float64(5)},
	})

	result, err := executor.Execute(context.Background(), "x = 5\nprint('hello')", map[string]any{"seed": float64(1)}, Limits{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.Error)
	assert.Equal(t, map[string]any{"x": float64(5)}, result.Variables)
	assert.GreaterOrEqual(t, result.ExecutionTimeMS, int64(0))

	// The harness and payload both land in a per-execution directory that is
	// removed afterwards.
	harness := fs.fileWithSuffix(t, runnerFileName)
	assert.Contains(t, string(harness), "json")
	require.NotEmpty(t, fs.removed)
	assert.Contains(t, fs.removed[len(fs.removed)-1], "exec-")

	var sent payload
	require.NoError(t, json.Unmarshal(fs.fileWithSuffix(t, payloadFileName), &sent))
	assert.Equal(t, "x = 5\nprint('hello')", sent.Code)
	assert.Equal(t, map[string]any{"seed": float64(1)}, sent.Context)
	assert.Equal(t, 5, sent.Limits.TimeoutSeconds)
	assert.Equal(t, int64(256)<<20, sent.Limits.MemoryBytes)
	assert.Contains(t, sent.AllowedModules, "math")
	assert.NotContains(t, sent.AllowedModules, "numpy", "missing optional modules stay off the allow-list")

	// Exactly one non-probe spawn, with the isolated interpreter flags and
	// the pinned environment.
	var execSpecs []CommandSpec
	for _, spec := range runner.recorded() {
		if !isProbe(spec) {
			execSpecs = append(execSpecs, spec)
		}
	}
	require.Len(t, execSpecs, 1)
	spec := execSpecs[0]
	assert.Equal(t, "python3", spec.Path)
	require.GreaterOrEqual(t, len(spec.Args), 5)
	assert.Equal(t, []string{"-I", "-B", "-u"}, spec.Args[:3])
	assert.True(t, strings.HasSuffix(spec.Args[3], runnerFileName))
	assert.True(t, strings.HasSuffix(spec.Args[4], payloadFileName))
	assert.Contains(t, spec.Env, "PATH=/usr/local/bin:/usr/bin:/bin")
	assert.Equal(t, resultStreamCap(64<<10), spec.MaxOutputBytes)
}

func TestExecuteNilContextSerializesAsObject(t *testing.T) {
	line := ""
	executor, _, fs := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return line, "", 0, nil
	})
	line = resultLine(t, childResult{OK: true, Variables: map[string]any{}})

	result, err := executor.Execute(context.Background(), "print(2 + 2)", nil, Limits{})
	require.NoError(t, err)
	require.True(t, result.Success)

	// The harness iterates the context unconditionally, so a nil map must
	// cross the boundary as {} and never as null.
	payloadBytes := fs.fileWithSuffix(t, payloadFileName)
	assert.Contains(t, string(payloadBytes), `"context":{}`)

	var sent payload
	require.NoError(t, json.Unmarshal(payloadBytes, &sent))
	assert.NotNil(t, sent.Context)
	assert.Empty(t, sent.Context)
}

func TestExecuteLargeResultLineSurvivesStreamCap(t *testing.T) {
	line := ""
	executor, _, _ := newTestExecutor(t, func(_ context.Context, spec CommandSpec) (string, string, int, error) {
		// Behave like the capped buffer in RealProcessRunner.
		out := line
		if spec.MaxOutputBytes > 0 && len(out) > spec.MaxOutputBytes {
			out = out[:spec.MaxOutputBytes]
		}
		return out, "", 0, nil
	})

	// A child that filled its output budget emits a result line larger than
	// MaxOutputBytes once both clipped streams and JSON escaping are in it.
	clipped := strings.Repeat("a", 64<<10) + "\n... (truncated)"
	line = resultLine(t, childResult{
		OK:        true,
		Stdout:    clipped,
		Stderr:    clipped,
		Variables: map[string]any{},
	})
	require.Greater(t, len(line), 64<<10, "the result line must exceed the configured output cap")

	result, err := executor.Execute(context.Background(), "print('a' * 200000)", nil, Limits{})
	require.NoError(t, err)

	assert.True(t, result.Success, "a clipped run is a success, never a missing-result failure")
	assert.Equal(t, clipped, result.Stdout)
}

func TestExecuteChildFailure(t *testing.T) {
	line := ""
	executor, _, _ := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return line, "", 1, nil
	})
	line = resultLine(t, childResult{
		OK:     false,
		Error:  "exception in user code",
		Stderr: "Traceback (most recent call last):\nValueError: boom\n",
	})

	result, err := executor.Execute(context.Background(), "raise ValueError('boom')", nil, Limits{})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "exception in user code", result.Error)
	assert.Contains(t, result.Stderr, "ValueError: boom")
}

func TestExecuteSupervisoryTimeout(t *testing.T) {
	executor, _, _ := newTestExecutor(t, func(ctx context.Context, _ CommandSpec) (string, string, int, error) {
		// Simulate a child that ignores its own alarm and only dies when the
		// supervisory deadline kills it.
		<-ctx.Done()
		return "partial output", "", -1, nil
	})
	executor.grace = 0

	result, err := executor.Execute(context.Background(), "while True: pass", nil, Limits{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "timeout after 0s", result.Error)
	assert.Equal(t, "partial output", result.Stdout)
}

func TestExecuteCallerDeadlineReportsTimeout(t *testing.T) {
	executor, _, _ := newTestExecutor(t, func(ctx context.Context, _ CommandSpec) (string, string, int, error) {
		<-ctx.Done()
		return "", "", -1, nil
	})

	// The caller's own deadline fires long before the execution timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := executor.Execute(ctx, "while True:\n    pass", nil, Limits{Timeout: time.Hour})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout after")
}

func TestExecuteMissingResultLine(t *testing.T) {
	executor, _, _ := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return "Killed", "", 137, nil
	})

	result, err := executor.Execute(context.Background(), "x = 1", nil, Limits{})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "process exited with code 137 without a result", result.Error)
	assert.Equal(t, "Killed", result.Stdout)
}

func TestExecuteInfrastructureError(t *testing.T) {
	executor, _, _ := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return "", "", 0, errors.New("no such binary")
	})

	_, err := executor.Execute(context.Background(), "x = 1", nil, Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to spawn interpreter")
}

func TestExecuteWriteFileError(t *testing.T) {
	executor, _, fs := newTestExecutor(t, nil)
	fs.writeFileErr = errors.New("read-only file system")

	_, err := executor.Execute(context.Background(), "x = 1", nil, Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write")
}

func TestFillLimits(t *testing.T) {
	executor, _, _ := newTestExecutor(t, nil)

	t.Run("ZeroValuesGetDefaults", func(t *testing.T) {
		filled := executor.fillLimits(Limits{})
		assert.Equal(t, executor.defaults, filled)
	})

	t.Run("ExplicitValuesKept", func(t *testing.T) {
		explicit := Limits{
			Timeout:        time.Second,
			MemoryBytes:    1 << 20,
			MaxOpenFiles:   4,
			MaxOutputBytes: 1024,
		}
		assert.Equal(t, explicit, executor.fillLimits(explicit))
	})

	t.Run("PartialFill", func(t *testing.T) {
		filled := executor.fillLimits(Limits{Timeout: time.Second})
		assert.Equal(t, time.Second, filled.Timeout)
		assert.Equal(t, executor.defaults.MemoryBytes, filled.MemoryBytes)
	})
}

func TestParseResultLine(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		wantOK bool
		want   childResult
	}{
		{
			name:   "ResultOnly",
			stdout: `{"ok": true, "error": "", "stdout": "5\n", "stderr": "", "variables": {"x": 5}}`,
			wantOK: true,
			want:   childResult{OK: true, Stdout: "5\n", Variables: map[string]any{"x": float64(5)}},
		},
		{
			name:   "NoiseBeforeResult",
			stdout: "leaked print\n" + `{"ok": false, "error": "timeout after 5s", "stdout": "", "stderr": "", "variables": {}}`,
			wantOK: true,
			want:   childResult{Error: "timeout after 5s", Variables: map[string]any{}},
		},
		{
			name:   "UserJSONWithoutMarkerKeysIgnored",
			stdout: `{"ok": true}` + "\n" + `{"name": "fake"}`,
			wantOK: false,
		},
		{
			name:   "TrailingBlankLines",
			stdout: `{"ok": true, "error": "", "stdout": "", "stderr": "", "variables": {}}` + "\n\n",
			wantOK: true,
			want:   childResult{OK: true, Variables: map[string]any{}},
		},
		{
			name:   "Empty",
			stdout: "",
			wantOK: false,
		},
		{
			name:   "MalformedJSON",
			stdout: `{"ok": true, "variables":`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child, ok := parseResultLine(tt.stdout)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, child)
			}
		})
	}
}

func TestMinimalEnv(t *testing.T) {
	env := minimalEnv("/tmp/exec-1")

	assert.Contains(t, env, "PATH=/usr/local/bin:/usr/bin:/bin")
	assert.Contains(t, env, "HOME=/tmp/exec-1")
	for _, entry := range env {
		assert.False(t, strings.HasPrefix(entry, "PYTHONPATH="), "interpreter search path must not leak")
		assert.False(t, strings.HasPrefix(entry, "LD_PRELOAD="), "dynamic loader overrides must not leak")
	}
}

func TestAvailableModules(t *testing.T) {
	var probeCalls int
	runner := &MockProcessRunner{
		handler: func(_ context.Context, spec CommandSpec) (string, string, int, error) {
			require.True(t, isProbe(spec))
			probeCalls++
			if spec.Args[len(spec.Args)-1] == "import numpy" {
				return "", "", 0, nil
			}
			return "", "ModuleNotFoundError", 1, nil
		},
	}
	fs := newMockFileSystem()
	executor, err := NewExecutor(zaptest.NewLogger(t), executorConfig(),
		WithProcessRunner(runner), WithFileSystem(fs))
	require.NoError(t, err)

	available := executor.AvailableModules(context.Background())
	assert.Equal(t, map[string]bool{"numpy": true, "pandas": false}, available)
	require.Equal(t, 2, probeCalls)

	// The probe result is cached; a second call spawns nothing.
	executor.AvailableModules(context.Background())
	assert.Equal(t, 2, probeCalls)
}

func TestImportableModulesIncludesInstalledOptional(t *testing.T) {
	runner := &MockProcessRunner{
		handler: func(_ context.Context, spec CommandSpec) (string, string, int, error) {
			if isProbe(spec) && spec.Args[len(spec.Args)-1] == "import numpy" {
				return "", "", 0, nil
			}
			return "", "", 1, nil
		},
	}
	fs := newMockFileSystem()
	executor, err := NewExecutor(zaptest.NewLogger(t), executorConfig(),
		WithProcessRunner(runner), WithFileSystem(fs))
	require.NoError(t, err)

	modules := executor.importableModules(context.Background())
	assert.Contains(t, modules, "math")
	assert.Contains(t, modules, "json")
	assert.Contains(t, modules, "numpy")
	assert.NotContains(t, modules, "pandas")
}

func TestExecuteUniqueDirectoryPerExecution(t *testing.T) {
	line := ""
	executor, runner, _ := newTestExecutor(t, func(_ context.Context, _ CommandSpec) (string, string, int, error) {
		return line, "", 0, nil
	})
	line = resultLine(t, childResult{OK: true, Variables: map[string]any{}})

	for i := 0; i < 2; i++ {
		_, err := executor.Execute(context.Background(), fmt.Sprintf("x = %d", i), nil, Limits{})
		require.NoError(t, err)
	}

	dirs := make(map[string]bool)
	for _, spec := range runner.recorded() {
		if !isProbe(spec) {
			dirs[spec.Dir] = true
			assert.Equal(t, executor.stageDir, filepath.Dir(spec.Dir))
		}
	}
	assert.Len(t, dirs, 2, "each execution gets its own directory")
}
