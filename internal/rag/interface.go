// Package rag defines the interfaces for retrieval-augmented generation
// components: vector indexing, query embedding, and retrieval.
// Concrete implementations (SQLite, Qdrant, Timescale) satisfy these
// interfaces so the pipeline never depends on a specific backend.
package rag

import (
	"context"
)

// Record is a unit of stored knowledge: one FAQ entry and its embedding.
type Record struct {
	// ID is a time-based (version 1) UUID. Its embedded timestamp is the
	// record's time coordinate for time-range filtering.
	ID string

	// Content is the raw text that was embedded.
	Content string

	// Metadata holds scalar key-value pairs (category, created_at, ...).
	Metadata map[string]any

	// Embedding is the dense vector for Content.
	Embedding []float32
}

// SearchResult is a Record returned by a search together with its distance
// to the query vector.
type SearchResult struct {
	// ID is the record identifier.
	ID string

	// Content is the stored text.
	Content string

	// Metadata is the stored metadata, decoded back into scalar values.
	Metadata map[string]any

	// Embedding is the stored vector.
	Embedding []float32

	// Distance is the cosine distance to the query (smaller is nearer).
	Distance float64
}

// SearchOptions narrows a vector search. All set filters are combined
// conjunctively.
type SearchOptions struct {
	// Limit is the maximum number of results. Must be positive.
	Limit int `json:"limit,omitempty"`

	// Filter matches records whose metadata contains at least one of the maps.
	Filter MetadataFilter `json:"filter,omitempty"`

	// Predicates is an optional boolean expression over metadata fields.
	Predicates *Predicate `json:"predicates,omitempty"`

	// TimeRange restricts results by the timestamp embedded in the record ID.
	TimeRange *TimeRange `json:"time_range,omitempty"`
}

// DeleteSelector chooses which records Delete removes. Exactly one of the
// fields must be set.
type DeleteSelector struct {
	// IDs removes the records with these identifiers.
	IDs []string

	// Filter removes every record matching the metadata filter.
	Filter MetadataFilter

	// All removes every record.
	All bool
}

// VectorIndex is a persistent, time-partitioned store of records supporting
// approximate nearest-neighbour search. Implementations must be safe to call
// from multiple goroutines.
type VectorIndex interface {
	// CreateSchema creates the backing storage sized to the configured
	// dimension. Calling it against an existing compatible schema is a no-op.
	CreateSchema(ctx context.Context) error

	// BuildIndex builds the graph ANN index over the stored records.
	BuildIndex(ctx context.Context) error

	// DropIndex removes the ANN index. Search keeps working by exact scan.
	DropIndex(ctx context.Context) error

	// Upsert stores a batch of records atomically. An existing ID is overwritten.
	Upsert(ctx context.Context, records []Record) error

	// Search returns at most opts.Limit records ordered by ascending distance.
	Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error)

	// Delete removes the records chosen by sel.
	Delete(ctx context.Context, sel DeleteSelector) error

	// Close releases any resources held by the index.
	Close() error
}

// Embedder is the interface for converting a batch of texts into dense
// vector embeddings. Backends (OpenAI, Ollama) implement it.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingProvider turns a single text into a vector of fixed dimension.
// Implementations must be safe to call from multiple goroutines.
type EmbeddingProvider interface {
	// EmbedText returns the embedding for text.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the length of every vector EmbedText returns.
	Dimensions() int
}
