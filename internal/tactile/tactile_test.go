package tactile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evoopt/internal/optimization"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestDirectExecutor_Execute(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{Binary: "echo", Arguments: []string{"hello"}})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
}

func TestDirectExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	start := time.Now()
	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sleep",
		Arguments: []string{"10"},
		Limits:    &ResourceLimits{TimeoutMs: 300},
	})
	require.NoError(t, err)
	assert.True(t, result.Killed)
	assert.True(t, result.TimedOut)
	assert.Contains(t, result.KillReason, "timeout")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDirectExecutor_TimeoutWithLingeringChild(t *testing.T) {
	skipOnWindows(t)

	// The background sleep inherits stdout and outlives the killed shell.
	start := time.Now()
	result, err := NewDirectExecutor().Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "sleep 10 & wait"},
		Limits:    &ResourceLimits{TimeoutMs: 300},
	})
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestWaitDelay(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, waitDelay(300*time.Millisecond))
	assert.Equal(t, maxWaitDelay, waitDelay(time.Minute))
	assert.Equal(t, maxWaitDelay, waitDelay(0))
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	result, err := NewDirectExecutor().Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "echo oops >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsNonZeroExit())
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")
}

func TestDirectExecutor_TruncatesOutput(t *testing.T) {
	skipOnWindows(t)
	cfg := DefaultExecutorConfig()
	cfg.MaxOutputBytes = 8
	result, err := NewDirectExecutorWithConfig(cfg).Execute(context.Background(), Command{
		Binary:    "echo",
		Arguments: []string{"0123456789abcdef"},
	})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Stdout, 8)
}

func TestDirectExecutor_MissingBinary(t *testing.T) {
	result, err := NewDirectExecutor().Execute(context.Background(), Command{Binary: "definitely-not-a-real-binary-xyz"})
	require.NoError(t, err)
	assert.True(t, result.IsError())

	_, err = NewDirectExecutor().Execute(context.Background(), Command{})
	assert.Error(t, err)
}

func TestExecutorConfigMerge(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxTimeout = time.Second

	merged := cfg.Merge(Command{Binary: "x", Limits: &ResourceLimits{TimeoutMs: 5000}})
	assert.Equal(t, int64(1000), merged.Limits.TimeoutMs)
	assert.Equal(t, cfg.MaxOutputBytes, merged.Limits.MaxOutputBytes)
	assert.Equal(t, ".", merged.WorkingDirectory)
}

// recordingExecutor captures the command it was asked to run.
type recordingExecutor struct {
	got    Command
	result *ExecutionResult
}

func (r *recordingExecutor) Validate(Command) error { return nil }

func (r *recordingExecutor) Execute(_ context.Context, cmd Command) (*ExecutionResult, error) {
	r.got = cmd
	if r.result != nil {
		return r.result, nil
	}
	return &ExecutionResult{Success: true, Stdout: "ok"}, nil
}

func TestCommandRunner_VariableModeKeepsContentInOneArgument(t *testing.T) {
	exec := &recordingExecutor{}
	runner, err := NewCommandRunner(exec, RunnerConfig{
		Binary:       "dolphin",
		VariableArgs: []string{"run", "{base}", "--vars", "{vars}"},
	})
	require.NoError(t, err)

	value := `hello "world"; rm -rf / && echo $HOME`
	out, err := runner.Run(context.Background(), optimization.RunRequest{
		Mode:      optimization.ModeVariable,
		BasePath:  "/agents/a.dph",
		Variable:  "$injects",
		Value:     value,
		Variables: map[string]string{"lang": "en"},
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Stdout)

	require.Len(t, exec.got.Arguments, 4)
	assert.Equal(t, "/agents/a.dph", exec.got.Arguments[1])
	var vars map[string]string
	require.NoError(t, json.Unmarshal([]byte(exec.got.Arguments[3]), &vars))
	assert.Equal(t, value, vars["$injects"])
	assert.Equal(t, "en", vars["lang"])
	assert.Equal(t, int64(2000), exec.got.Limits.TimeoutMs)
}

func TestCommandRunner_Modes(t *testing.T) {
	exec := &recordingExecutor{}
	runner, err := NewCommandRunner(exec, RunnerConfig{
		Binary:     "dolphin",
		FileArgs:   []string{"run", "{file}"},
		SourceArgs: []string{"run", "--stdin", "--case={case_id}"},
	})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), optimization.RunRequest{Mode: optimization.ModeTempFile, FilePath: "/tmp/c.dph"})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "/tmp/c.dph"}, exec.got.Arguments)

	_, err = runner.Run(context.Background(), optimization.RunRequest{Mode: optimization.ModeMemoryOverlay, Source: "patched", CaseID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "patched", exec.got.Stdin)
	assert.Equal(t, "--case=c1", exec.got.Arguments[2])

	_, err = runner.Run(context.Background(), optimization.RunRequest{Mode: optimization.ModeVariable})
	assert.Error(t, err, "no variable template configured")
}

func TestCommandRunner_InfrastructureFailure(t *testing.T) {
	exec := &recordingExecutor{result: &ExecutionResult{Success: false, Error: "exec: not found"}}
	runner, err := NewCommandRunner(exec, RunnerConfig{Binary: "x", FileArgs: []string{"{file}"}})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), optimization.RunRequest{Mode: optimization.ModeTempFile, FilePath: "f"})
	assert.Error(t, err)

	_, err = NewCommandRunner(nil, RunnerConfig{Binary: "x"})
	assert.Error(t, err)
}

func tempContext(t *testing.T, policy optimization.CleanupPolicy) optimization.ExecutionContext {
	t.Helper()
	ec, err := optimization.NewTempFileContext(t.TempDir(), "", policy)
	require.NoError(t, err)
	return ec
}

func TestTempFiles_Policies(t *testing.T) {
	tests := []struct {
		policy    optimization.CleanupPolicy
		succeeded bool
		wantGone  bool
	}{
		{optimization.CleanupAuto, true, true},
		{optimization.CleanupAuto, false, true},
		{optimization.CleanupKeep, true, false},
		{optimization.CleanupConditional, true, true},
		{optimization.CleanupConditional, false, false},
	}
	for _, tt := range tests {
		name := string(tt.policy)
		if tt.succeeded {
			name += "/succeeded"
		} else {
			name += "/failed"
		}
		t.Run(name, func(t *testing.T) {
			m := NewTempFiles()
			tf, err := m.Create(tempContext(t, tt.policy), "cand-1", "content")
			require.NoError(t, err)
			data, err := os.ReadFile(tf.Path)
			require.NoError(t, err)
			assert.Equal(t, "content", string(data))

			require.NoError(t, tf.Release(tt.succeeded))
			require.NoError(t, tf.Release(tt.succeeded), "release is idempotent")

			_, statErr := os.Stat(tf.Path)
			assert.Equal(t, tt.wantGone, os.IsNotExist(statErr))
			assert.Equal(t, !tt.wantGone, tf.Kept())
			assert.Equal(t, 0, m.Live())
		})
	}
}

func TestTempFiles_NamesAreUniqueAndContained(t *testing.T) {
	m := NewTempFiles()
	ec := tempContext(t, optimization.CleanupAuto)

	a, err := m.Create(ec, "aaaa", "x")
	require.NoError(t, err)
	b, err := m.Create(ec, "../bbbb", "y")
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
	assert.Equal(t, ec.WorkingDir, filepath.Dir(b.Path))
	assert.True(t, strings.HasSuffix(a.Path, "_aaaa.dph"))
	assert.Equal(t, 2, m.Live())

	require.NoError(t, m.ReleaseAll())
	assert.Equal(t, 0, m.Live())
	assert.NoFileExists(t, a.Path)
	assert.NoFileExists(t, b.Path)
}

func TestTempFiles_RejectsWrongMode(t *testing.T) {
	_, err := NewTempFiles().Create(optimization.ExecutionContext{Mode: optimization.ModeVariable}, "id", "x")
	assert.Error(t, err)
}
