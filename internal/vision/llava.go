package vision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/runner"
)

// LLaVA runs the llava model_vqa_loader entry point as a subprocess.
type LLaVA struct {
	cfg    config.InferenceConfig
	exec   runner.Executor
	logger *zap.Logger
}

// NewLLaVA builds the subprocess backend.
func NewLLaVA(cfg config.InferenceConfig, exec runner.Executor, logger *zap.Logger) *LLaVA {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLaVA{cfg: cfg, exec: exec, logger: logger.Named("llava")}
}

// Name implements Backend.
func (l *LLaVA) Name() string { return config.BackendLLaVA }

// Model implements Backend.
func (l *LLaVA) Model() string { return l.cfg.Model }

// Command returns the loader invocation for req.
func (l *LLaVA) Command(req Request) runner.Command {
	args := []string{
		"-m", l.cfg.Module,
		"--model-path", l.cfg.Model,
		"--question-file", req.QuestionPath,
		"--image-folder", req.ImagesDir,
		"--answers-file", req.AnswersPath,
		"--num-chunks", strconv.Itoa(l.cfg.NumChunks),
		"--chunk-idx", strconv.Itoa(l.cfg.ChunkIdx),
		"--temperature", strconv.FormatFloat(l.cfg.Temperature, 'f', -1, 64),
		"--max_new_tokens", strconv.Itoa(l.cfg.MaxNewTokens),
		"--conv-mode", l.cfg.ConvMode,
	}
	return runner.Command{
		Binary:  l.cfg.Python,
		Args:    args,
		Dir:     req.WorkDir,
		Env:     l.cfg.Env,
		Timeout: l.cfg.Timeout,
	}
}

// Generate runs the loader and checks that it wrote an answers file.
func (l *LLaVA) Generate(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.AnswersPath), 0o755); err != nil {
		return fmt.Errorf("vision: create results dir: %w", err)
	}
	// A stale answers file from an earlier attempt must not pass for output.
	if err := os.Remove(req.AnswersPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vision: remove stale answers: %w", err)
	}
	cmd := l.Command(req)
	stdout := &zapio.Writer{Log: l.logger, Level: zapcore.DebugLevel}
	stderr := &zapio.Writer{Log: l.logger, Level: zapcore.DebugLevel}
	defer stdout.Close()
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	l.logger.Info("running vision model", zap.String("model", l.cfg.Model), zap.String("cmd", cmd.String()))
	result, err := l.exec.Execute(ctx, cmd)
	if err != nil {
		return fmt.Errorf("vision: llava inference failed: %w", err)
	}
	if result != nil {
		l.logger.Info("vision model finished", zap.Duration("duration", result.Duration))
	}
	info, err := os.Stat(req.AnswersPath)
	if err != nil {
		return fmt.Errorf("vision: loader exited cleanly but wrote no answers file at %s: %w", req.AnswersPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("vision: answers path %s is a directory", req.AnswersPath)
	}
	return nil
}
