package embedder

import (
	"context"
	"fmt"
	"strings"

	"github.com/54b3r/ragfaq/internal/rag"
)

// newlines folds every line break into a single space before embedding.
var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Provider adapts a batch Embedder to rag.EmbeddingProvider. It makes exactly
// one backend call per EmbedText, never caches and never retries. Every
// failure wraps rag.ErrEmbeddingService.
type Provider struct {
	backend    rag.Embedder
	dimensions int
}

// NewProvider wraps backend, expecting vectors of length dimensions.
func NewProvider(backend rag.Embedder, dimensions int) *Provider {
	return &Provider{backend: backend, dimensions: dimensions}
}

// Dimensions returns the configured vector length.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// EmbedText returns the embedding for text.
func (p *Provider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed embeds a batch of texts in one backend call. The returned slice is
// parallel to texts.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i] = newlines.Replace(t)
	}

	vecs, err := p.backend.Embed(ctx, clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rag.ErrEmbeddingService, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", rag.ErrEmbeddingService, len(texts), len(vecs))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", rag.ErrEmbeddingService, i)
		}
		if len(v) != p.dimensions {
			return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", rag.ErrEmbeddingService, len(v), p.dimensions)
		}
	}
	return vecs, nil
}
