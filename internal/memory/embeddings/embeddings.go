// Package embeddings defines the embedding provider interface used by the
// memory engine.
package embeddings

import "context"

// Provider generates vector embeddings for text.
type Provider interface {
	Name() string
	Dimension() int
	MaxBatchSize() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
