package memory

import (
	"context"
	"math"

	"aegis/internal/config"
	"aegis/internal/embedding"
)

// Embedder computes a vector per input text. DBSCAN operates on pre-computed
// embeddings only (spec §9 Open Questions); how/when embeddings are
// refreshed is left to the caller.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPEmbedder adapts the package-level embedding.EmbedText helper to the
// Embedder interface.
type HTTPEmbedder struct {
	cfg config.EmbeddingConfig
}

// NewHTTPEmbedder wraps the configured embedding endpoint.
func NewHTTPEmbedder(cfg config.EmbeddingConfig) *HTTPEmbedder {
	return &HTTPEmbedder{cfg: cfg}
}

func (h *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return embedding.EmbedText(ctx, h.cfg, texts)
}

// CosineSimilarity returns the cosine similarity of two equal-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
