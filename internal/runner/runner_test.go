package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const helperEnv = "CADFORGE_RUNNER_HELPER"

// TestMain doubles as the fake subprocess: when helperEnv is set the test
// binary behaves like the scripted command instead of running tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode, os.Args))
	}
	goleak.VerifyTestMain(m)
}

func runHelper(mode string, args []string) int {
	switch mode {
	case "echo":
		fmt.Fprintln(os.Stdout, strings.Join(helperArgs(args), " "))
		fmt.Fprintln(os.Stderr, "progress 100%")
		return 0
	case "env":
		fmt.Fprint(os.Stdout, os.Getenv("CADFORGE_TEST_VALUE"))
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "Traceback (most recent call last):")
		fmt.Fprintln(os.Stderr, "ModuleNotFoundError: No module named 'llava'")
		return 2
	case "sleep":
		time.Sleep(10 * time.Second)
		return 0
	case "flood":
		chunk := strings.Repeat("x", 1024)
		for i := 0; i < 64; i++ {
			fmt.Fprint(os.Stdout, chunk)
		}
		fmt.Fprint(os.Stdout, "END")
		return 0
	case "pwd":
		dir, _ := os.Getwd()
		fmt.Fprint(os.Stdout, dir)
		return 0
	}
	return 99
}

func helperArgs(args []string) []string {
	for i, arg := range args {
		if arg == "--" {
			return args[i+1:]
		}
	}
	return nil
}

func helperCommand(mode string, args ...string) Command {
	return Command{
		Binary: os.Args[0],
		Args:   append([]string{"-test.run=^$", "--"}, args...),
		Env:    map[string]string{helperEnv: mode},
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	var live bytes.Buffer
	cmd := helperCommand("echo", "--model-path", "llava-v1.5")
	cmd.Stdout = &live
	result, err := NewLocal().Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "--model-path llava-v1.5\n", result.Stdout)
	assert.Contains(t, result.Stderr, "progress 100%")
	assert.Equal(t, result.Stdout, live.String())
	assert.False(t, result.Truncated)
	assert.True(t, result.Duration > 0)
}

func TestExecuteNonZeroExit(t *testing.T) {
	result, err := NewLocal().Execute(context.Background(), helperCommand("fail"))
	require.Error(t, err)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
	assert.Equal(t, 2, result.ExitCode)
	assert.Contains(t, err.Error(), "No module named 'llava'")
}

func TestExecuteTimeout(t *testing.T) {
	cmd := helperCommand("sleep")
	cmd.Timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := NewLocal().Execute(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestExecuteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := NewLocal().Execute(ctx, helperCommand("sleep"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestExecuteKeepsOutputTail(t *testing.T) {
	result, err := NewLocal(WithMaxOutput(4096)).Execute(context.Background(), helperCommand("flood"))
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Stdout, 4096)
	assert.True(t, strings.HasSuffix(result.Stdout, "END"))
}

func TestExecuteEnvAndDir(t *testing.T) {
	cmd := helperCommand("env")
	cmd.Env["CADFORGE_TEST_VALUE"] = "vicuna_v1"
	result, err := NewLocal().Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "vicuna_v1", result.Stdout)

	dir := t.TempDir()
	cmd = helperCommand("pwd")
	cmd.Dir = dir
	result, err = NewLocal().Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir[strings.LastIndex(dir, string(os.PathSeparator))+1:])
}

func TestExecuteRejectsMissingBinary(t *testing.T) {
	_, err := NewLocal().Execute(context.Background(), Command{})
	require.Error(t, err)
	_, err = NewLocal().Execute(context.Background(), Command{Binary: "cadforge-definitely-missing-binary"})
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestMergeEnvOverrides(t *testing.T) {
	merged := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp", "B": "2", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2", "HOME=/tmp"}, merged)
}

func TestCommandString(t *testing.T) {
	cmd := Command{Binary: "python", Args: []string{"-m", "llava.eval.model_vqa_loader", "--image-folder", "/tmp/my images"}}
	assert.Equal(t, `python -m llava.eval.model_vqa_loader --image-folder "/tmp/my images"`, cmd.String())
}
