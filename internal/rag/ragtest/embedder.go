// Package ragtest provides deterministic test doubles for the rag interfaces.
package ragtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"
)

// HashEmbedder is a bag-of-words EmbeddingProvider: each lower-cased word is
// hashed into one of Dims buckets. Texts that share words are close under
// cosine distance, identical texts are at distance zero.
type HashEmbedder struct {
	// Dims is the vector length.
	Dims int

	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dims.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{Dims: dims}
}

// EmbedText returns the bag-of-words vector for text.
func (h *HashEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	h.calls.Add(1)
	if h.Err != nil {
		return nil, h.Err
	}
	return h.Vector(text), nil
}

// Embed embeds a batch of texts.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := h.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Dimensions returns Dims.
func (h *HashEmbedder) Dimensions() int {
	return h.Dims
}

// Calls returns how many EmbedText calls were made.
func (h *HashEmbedder) Calls() int {
	return int(h.calls.Load())
}

// Vector computes the embedding without counting a call.
func (h *HashEmbedder) Vector(text string) []float32 {
	v := make([]float32, h.Dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[f.Sum32()%uint32(h.Dims)]++
	}
	return v
}
