package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kingrea/cadforge/internal/config"
	"github.com/kingrea/cadforge/internal/module"
	"github.com/kingrea/cadforge/internal/modules"
	"github.com/kingrea/cadforge/internal/pipeline"
	"github.com/kingrea/cadforge/internal/vision"
	"github.com/kingrea/cadforge/internal/workflow"
)

type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGenerator) GenerateContent(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: flangeAnswer}}},
		}},
	}, nil
}

func (g *countingGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// geminiProject is a project configured for the gemini backend with two
// images, flange and bracket.
func geminiProject(t *testing.T) (*config.Config, *module.Registry, *workflow.Catalog, map[string]string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, config.InitProjectDir(dir))
	cfg, err := config.NewConfig(dir, config.WithLookupEnv(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	cfg.Project.Inference.Backend = config.BackendGemini

	images := map[string]string{}
	for _, name := range []string{"flange", "bracket"} {
		images[name] = filepath.Join(dir, name+".png")
		require.NoError(t, os.WriteFile(images[name], []byte("\x89PNG\r\n\x1a\n"+name), 0o644))
	}
	reg := module.NewRegistry()
	modules.RegisterBuiltins(reg)
	catalog, err := workflow.LoadCatalog(cfg.WorkflowsDir())
	require.NoError(t, err)
	return cfg, reg, catalog, images
}

func TestGeminiRateLimitSpansRuns(t *testing.T) {
	cfg, reg, catalog, images := geminiProject(t)
	cfg.Project.Inference.Gemini.RequestsPerMinute = 1

	gen := &countingGenerator{}
	p, err := pipeline.New(cfg, reg, catalog, pipeline.WithVisionOptions(vision.WithGenerator(gen)))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), pipeline.Request{ImagePath: images["flange"], WorkflowID: "image-to-cadquery"})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Calls())

	// The second request would have to wait close to a minute.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Run(ctx, pipeline.Request{ImagePath: images["bracket"], WorkflowID: "image-to-cadquery"})
	require.ErrorContains(t, err, "rate limit")
	assert.Equal(t, 1, gen.Calls())
}

func TestManifestUsesPipelineClock(t *testing.T) {
	cfg, reg, catalog, images := geminiProject(t)
	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	p, err := pipeline.New(cfg, reg, catalog,
		pipeline.WithClock(func() time.Time { return stamp }),
		pipeline.WithVisionOptions(vision.WithGenerator(&countingGenerator{})),
	)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), pipeline.Request{ImagePath: images["bracket"], WorkflowID: "image-to-cadquery"})
	require.NoError(t, err)

	report, err := pipeline.LoadStatus(cfg, "bracket")
	require.NoError(t, err)
	require.NotEmpty(t, report.Outputs)
	for _, out := range report.Outputs {
		if out.Meta == nil {
			continue
		}
		assert.True(t, out.Meta.CreatedAt.Equal(stamp), "%s recorded at %s", out.ID, out.Meta.CreatedAt)
	}
}
