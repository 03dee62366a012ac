// Package runner executes the external Python programs the pipeline depends
// on: the vision model loader and the CadQuery export wrapper.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxOutput caps how many bytes of each stream are retained.
const DefaultMaxOutput = 256 * 1024

// Command describes one subprocess invocation.
type Command struct {
	Binary string
	Args   []string
	Dir    string
	// Env entries are added on top of the parent environment.
	Env     map[string]string
	Timeout time.Duration
	// Stdout and Stderr receive the live stream in addition to the capture.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Binary))
	for _, arg := range c.Args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\"'") {
		return fmt.Sprintf("%q", arg)
	}
	return arg
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Truncated  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("runner: %s exited with status %d", e.Command, e.Code)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// ErrTimeout is wrapped when a process is killed for exceeding its timeout.
var ErrTimeout = errors.New("runner: timed out")

// Executor runs commands. The pipeline uses Local; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// Local runs commands on the host with os/exec.
type Local struct {
	maxOutput int
	logger    *zap.Logger
}

// Option configures Local.
type Option func(*Local)

// WithMaxOutput overrides the per-stream capture cap.
func WithMaxOutput(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.maxOutput = n
		}
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal builds a host executor.
func NewLocal(opts ...Option) *Local {
	l := &Local{maxOutput: DefaultMaxOutput, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Execute starts cmd and waits for it. A non-zero exit returns the result
// together with an *ExitError. Cancellation and timeouts kill the process.
func (l *Local) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Binary) == "" {
		return nil, fmt.Errorf("runner: binary is required")
	}
	execCtx := ctx
	cancel := func() {}
	if cmd.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	proc := exec.CommandContext(execCtx, cmd.Binary, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = mergeEnv(os.Environ(), cmd.Env)
	proc.WaitDelay = 5 * time.Second

	stdout := newTailBuffer(l.maxOutput)
	stderr := newTailBuffer(l.maxOutput)
	proc.Stdout = tee(stdout, cmd.Stdout)
	proc.Stderr = tee(stderr, cmd.Stderr)

	line := cmd.String()
	l.logger.Debug("starting subprocess", zap.String("cmd", line), zap.String("dir", cmd.Dir))

	result := &Result{ExitCode: -1, StartedAt: time.Now()}
	err := proc.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.Truncated() || stderr.Truncated()

	if err == nil {
		result.ExitCode = 0
		l.logger.Debug("subprocess finished", zap.String("cmd", line), zap.Duration("duration", result.Duration))
		return result, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		l.logger.Warn("subprocess timed out", zap.String("cmd", line), zap.Duration("timeout", cmd.Timeout))
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, cmd.Timeout, line)
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("runner: %s: %w", line, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		l.logger.Debug("subprocess exited non-zero", zap.String("cmd", line), zap.Int("code", result.ExitCode))
		return result, &ExitError{Command: line, Code: result.ExitCode, Stderr: result.Stderr}
	}
	return result, fmt.Errorf("runner: start %s: %w", line, err)
}

func tee(capture io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return capture
	}
	return io.MultiWriter(capture, live)
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, entry)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, key+"="+overrides[key])
	}
	return out
}

func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}
