package vision

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/jsonl"
)

// ContentGenerator is the subset of the genai models service we call.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiOptions configures the hosted backend.
type GeminiOptions struct {
	// Generator replaces the genai client, mainly for tests.
	Generator ContentGenerator
	Limiter   *rate.Limiter
	Logger    *zap.Logger
	LookupEnv func(string) (string, bool)
}

// Gemini sends the image and prompt to the Gemini API.
type Gemini struct {
	cfg       config.InferenceConfig
	generator ContentGenerator
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewMinuteLimiter allows perMinute requests per minute with a burst of one.
func NewMinuteLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// NewGemini builds the hosted backend. The API key is read from the
// environment variable named in the config.
func NewGemini(cfg config.InferenceConfig, opts GeminiOptions) (*Gemini, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	generator := opts.Generator
	if generator == nil {
		lookup := opts.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		keyEnv := strings.TrimSpace(cfg.Gemini.APIKeyEnv)
		apiKey, _ := lookup(keyEnv)
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("vision: gemini backend needs an API key in $%s", keyEnv)
		}
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("vision: create gemini client: %w", err)
		}
		generator = client.Models
	}
	return &Gemini{
		cfg:       cfg,
		generator: generator,
		limiter:   opts.Limiter,
		logger:    logger.Named("gemini"),
	}, nil
}

// Name implements Backend.
func (g *Gemini) Name() string { return config.BackendGemini }

// Model implements Backend.
func (g *Gemini) Model() string { return g.cfg.Gemini.Model }

// Generate sends one request and writes a loader-compatible answer line.
func (g *Gemini) Generate(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		return fmt.Errorf("vision: read image: %w", err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("vision: gemini rate limit: %w", err)
		}
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, imageMIMEType(req.ImagePath, image)),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(g.cfg.Temperature)),
	}
	if g.cfg.MaxNewTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.cfg.MaxNewTokens)
	}
	g.logger.Info("requesting gemini completion", zap.String("model", g.cfg.Gemini.Model), zap.Int("image_bytes", len(image)))
	resp, err := g.generator.GenerateContent(ctx, g.cfg.Gemini.Model, contents, genCfg)
	if err != nil {
		return fmt.Errorf("vision: gemini generate: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("vision: gemini returned no response")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("vision: gemini returned an empty answer")
	}
	answer := jsonl.NewAnswer(req.QuestionID, req.Prompt, text)
	answer.AnswerID = uuid.NewString()
	answer.ModelID = g.cfg.Gemini.Model
	answer.Metadata = map[string]any{"backend": config.BackendGemini}
	line, err := jsonl.Marshal(answer)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.AnswersPath), 0o755); err != nil {
		return fmt.Errorf("vision: create results dir: %w", err)
	}
	if err := os.WriteFile(req.AnswersPath, line, 0o644); err != nil {
		return fmt.Errorf("vision: write answers: %w", err)
	}
	return nil
}

func imageMIMEType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(byExt, "image/") {
		return byExt
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return "image/png"
}
