// Package vision runs the vision-language model that turns an image and a
// prompt into an answers file. Every backend writes the same JSONL answer
// schema so downstream parsing does not care which one ran.
package vision

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/runner"
)

// Request describes one single-image inference.
type Request struct {
	// WorkDir is where subprocess backends run, normally the project dir.
	WorkDir      string
	QuestionID   int
	Prompt       string
	QuestionPath string
	ImagesDir    string
	ImagePath    string
	AnswersPath  string
}

// Validate ensures every path a backend may need is set.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.QuestionPath) == "":
		return fmt.Errorf("vision: question file is required")
	case strings.TrimSpace(r.ImagesDir) == "":
		return fmt.Errorf("vision: images dir is required")
	case strings.TrimSpace(r.ImagePath) == "":
		return fmt.Errorf("vision: image path is required")
	case strings.TrimSpace(r.AnswersPath) == "":
		return fmt.Errorf("vision: answers file is required")
	}
	return nil
}

// Backend produces the answers file for a request.
type Backend interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) error
}

// Factory builds a backend from inference settings.
type Factory func(cfg config.InferenceConfig) (Backend, error)

// FactoryOption tunes the backends NewFactory builds.
type FactoryOption func(*GeminiOptions)

// WithGenerator makes gemini backends call gen instead of the genai client.
func WithGenerator(gen ContentGenerator) FactoryOption {
	return func(o *GeminiOptions) {
		o.Generator = gen
	}
}

// WithLookupEnv replaces os.LookupEnv when reading the gemini API key.
func WithLookupEnv(lookup func(string) (string, bool)) FactoryOption {
	return func(o *GeminiOptions) {
		o.LookupEnv = lookup
	}
}

// NewFactory returns the default factory. Remote backends built by the same
// factory share one rate limiter per requests-per-minute setting, so callers
// should build it once and reuse it across runs.
func NewFactory(exec runner.Executor, logger *zap.Logger, opts ...FactoryOption) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	var gemini GeminiOptions
	for _, opt := range opts {
		opt(&gemini)
	}
	limiters := &limiterSet{byRate: map[int]*rate.Limiter{}}
	return func(cfg config.InferenceConfig) (Backend, error) {
		switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
		case config.BackendLLaVA, "":
			if exec == nil {
				return nil, fmt.Errorf("vision: llava backend needs a subprocess executor")
			}
			return NewLLaVA(cfg, exec, logger), nil
		case config.BackendGemini:
			gemini := gemini
			gemini.Limiter = limiters.get(cfg.Gemini.RequestsPerMinute)
			gemini.Logger = logger
			return NewGemini(cfg, gemini)
		default:
			return nil, fmt.Errorf("vision: unknown backend %q (want %s or %s)", cfg.Backend, config.BackendLLaVA, config.BackendGemini)
		}
	}
}

type limiterSet struct {
	mu     sync.Mutex
	byRate map[int]*rate.Limiter
}

func (s *limiterSet) get(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.byRate[perMinute]; ok {
		return limiter
	}
	limiter := NewMinuteLimiter(perMinute)
	s.byRate[perMinute] = limiter
	return limiter
}
