// Package openai implements embeddings.Provider against OpenAI's embedding
// models.
package openai

import (
	"context"
	"fmt"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/scalyclaw/scalyclaw/internal/memory/embeddings"
)

// Provider implements embeddings.Provider using OpenAI.
type Provider struct {
	client *gopenai.Client
	model  string
	dim    int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config configures the provider.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int // overrides the model-inferred default, e.g. for custom endpoints
}

// New returns a configured Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embeddings/openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	clientCfg := gopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = dimensionFor(cfg.Model)
	}
	return &Provider{
		client: gopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		dim:    dim,
	}, nil
}

func dimensionFor(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Dimension returns the configured embedding dimension.
func (p *Provider) Dimension() int { return p.dim }

// MaxBatchSize returns OpenAI's documented per-request input cap.
func (p *Provider) MaxBatchSize() int { return 2048 }

// Embed embeds a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("embeddings/openai: no embedding returned")
	}
	return out[0], nil
}

// EmbedBatch embeds up to MaxBatchSize texts in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, gopenai.EmbeddingRequest{
		Input: texts,
		Model: gopenai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings/openai: create embeddings: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
