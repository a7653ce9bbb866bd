// Package ingestion loads FAQ datasets into a vector index. Each entry is
// rendered as "Question: ...\nAnswer: ...", embedded, stamped with a
// time-based ID and its category, and upserted in batches.
// This pipeline is invoked by the `ragfaq ingest` CLI command.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

const (
	// DefaultBatchSize is the number of entries embedded and upserted together.
	DefaultBatchSize = 100

	// DefaultConcurrency bounds the number of embedding calls in flight.
	DefaultConcurrency = 4
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// BatchSize is the number of entries per embedding call and upsert.
	// Defaults to DefaultBatchSize if zero.
	BatchSize int

	// Concurrency is the maximum number of batches embedded at once.
	// Defaults to DefaultConcurrency if zero.
	Concurrency int

	// CreateSchema creates the index schema before the first upsert.
	CreateSchema bool

	// BuildIndex builds the ANN index after the last upsert.
	BuildIndex bool

	// HTTPTimeout is the timeout for fetching a remote dataset.
	// Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string

	// Now returns the ingestion timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline orchestrates the embed → upsert flow for FAQ entries.
type Pipeline struct {
	// embedder converts entry content into dense vector embeddings.
	embedder rag.Embedder

	// index persists the embedded entries.
	index rag.VectorIndex

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching remote datasets.
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, index rag.VectorIndex, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	resolved := *cfg
	if resolved.BatchSize <= 0 {
		resolved.BatchSize = DefaultBatchSize
	}
	if resolved.Concurrency <= 0 {
		resolved.Concurrency = DefaultConcurrency
	}
	if resolved.HTTPTimeout <= 0 {
		resolved.HTTPTimeout = 30 * time.Second
	}
	if resolved.UserAgent == "" {
		resolved.UserAgent = "ragfaq/1.0 (faq ingestion)"
	}
	if resolved.Now == nil {
		resolved.Now = time.Now
	}

	return &Pipeline{
		embedder: embedder,
		index:    index,
		cfg:      &resolved,
		httpClient: &http.Client{
			Timeout: resolved.HTTPTimeout,
		},
	}, nil
}

// Ingest embeds and stores all provided entries and returns how many were
// written. Batches are embedded concurrently and upserted in input order;
// the first error cancels the remaining work. Progress is reported via the
// optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, entries []FAQ, progress func(msg string)) (int, error) {
	if progress == nil {
		progress = func(string) {}
	}
	log := logging.FromContext(ctx)

	if p.cfg.CreateSchema {
		if err := p.index.CreateSchema(ctx); err != nil {
			return 0, fmt.Errorf("ingestion: create schema: %w", err)
		}
		progress("schema ready")
	}

	batches := chunk(entries, p.cfg.BatchSize)
	records := make([][]rag.Record, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			recs, err := p.embedBatch(gctx, batch)
			if err != nil {
				return fmt.Errorf("ingestion: batch %d: %w", i+1, err)
			}
			records[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	progress(fmt.Sprintf("embedded %d entries in %d batches", len(entries), len(batches)))

	written := 0
	for i, recs := range records {
		if err := p.index.Upsert(ctx, recs); err != nil {
			return written, fmt.Errorf("ingestion: upsert batch %d: %w", i+1, err)
		}
		written += len(recs)
		progress(fmt.Sprintf("upserted %d/%d entries", written, len(entries)))
	}

	if p.cfg.BuildIndex {
		if err := p.index.BuildIndex(ctx); err != nil {
			return written, fmt.Errorf("ingestion: build index: %w", err)
		}
		progress("index built")
	}

	log.Info("ingestion: complete",
		slog.Int("entries", written),
		slog.Int("batches", len(batches)),
	)
	return written, nil
}

// embedBatch embeds one batch and turns it into records.
func (p *Pipeline) embedBatch(ctx context.Context, batch []FAQ) ([]rag.Record, error) {
	texts := make([]string, len(batch))
	for i, f := range batch {
		texts[i] = f.Content()
	}

	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", rag.ErrEmbeddingService, len(vecs), len(batch))
	}

	recs := make([]rag.Record, len(batch))
	for i, f := range batch {
		now := p.cfg.Now()
		recs[i] = rag.Record{
			ID:      rag.NewID(now),
			Content: texts[i],
			Metadata: map[string]any{
				"category":   f.Category,
				"created_at": now.UTC().Format(time.RFC3339),
			},
			Embedding: vecs[i],
		}
	}
	return recs, nil
}

// Open returns a reader for a dataset given as a local path or an
// http(s) URL. The caller closes it.
func (p *Pipeline) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("ingestion: %w", err)
		}
		return f, nil
	}
	body, err := p.fetch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("ingestion: fetch failed for %s: %w", source, err)
	}
	return body, nil
}

// fetch retrieves a remote dataset.
func (p *Pipeline) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/csv, text/plain")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}

// chunk splits entries into consecutive batches of at most size.
func chunk(entries []FAQ, size int) [][]FAQ {
	var out [][]FAQ
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		out = append(out, entries[start:end])
	}
	return out
}
