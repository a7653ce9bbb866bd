package rag

import (
	"context"
	"fmt"
	"sort"
)

// DefaultLimit is the number of results returned when the caller passes 0.
const DefaultLimit = 5

// Row is one flattened search result keyed by column name.
type Row map[string]any

// Table is a flattened result set: reserved columns plus one column per
// metadata key seen in any row. Rows keep ascending-distance order.
type Table struct {
	// Columns lists id, content, the sorted metadata keys, embedding, distance.
	Columns []string `json:"columns"`

	// Rows holds one entry per result. A metadata key absent from a record
	// is absent from its row.
	Rows []Row `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Retriever embeds a question and returns the nearest records as a Table.
// It holds no per-query state and is safe to call from multiple goroutines.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder EmbeddingProvider

	// index performs the vector similarity search.
	index VectorIndex

	// defaultLimit is the number of results to return when the caller passes 0.
	defaultLimit int
}

// NewRetriever constructs a Retriever from the given provider and index.
// defaultLimit sets the fallback result count when Retrieve is called with
// Limit 0.
func NewRetriever(embedder EmbeddingProvider, index VectorIndex, defaultLimit int) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Retriever{
		embedder:     embedder,
		index:        index,
		defaultLimit: defaultLimit,
	}, nil
}

// Retrieve embeds the query and returns the nearest records, flattened.
// Options are validated before the embedding call is made.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts SearchOptions) (*Table, error) {
	if opts.Limit == 0 {
		opts.Limit = r.defaultLimit
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	vec, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}

	results, err := r.index.Search(ctx, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	return Flatten(results)
}

// Flatten turns search results into a Table. A metadata key that collides
// with a reserved column is reported as ErrSchema instead of overwriting it.
func Flatten(results []SearchResult) (*Table, error) {
	seen := map[string]struct{}{}
	rows := make([]Row, 0, len(results))
	for _, res := range results {
		row := Row{
			"id":        res.ID,
			"content":   res.Content,
			"embedding": res.Embedding,
			"distance":  res.Distance,
		}
		for k, v := range res.Metadata {
			if IsReservedKey(k) {
				return nil, fmt.Errorf("%w: record %s metadata key %q collides with a result column",
					ErrSchema, res.ID, k)
			}
			row[k] = v
			seen[k] = struct{}{}
		}
		rows = append(rows, row)
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, 0, len(keys)+4)
	cols = append(cols, "id", "content")
	cols = append(cols, keys...)
	cols = append(cols, "embedding", "distance")

	return &Table{Columns: cols, Rows: rows}, nil
}
