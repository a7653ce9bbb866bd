// Package pipeline wires retrieval and synthesis into the single question
// answering entry point used by the CLI and the HTTP server.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
	"github.com/54b3r/ragfaq/internal/synth"
)

// Retriever returns the records nearest to a query as a flattened table.
// *rag.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.SearchOptions) (*rag.Table, error)
}

// Synthesizer turns a question and its context into a validated answer.
// *synth.Synthesizer satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, table *rag.Table, opts ...synth.Option) (*synth.Answer, error)
}

// Query is one question plus the optional narrowing applied to retrieval.
type Query struct {
	// Question is the user's natural-language question. Required.
	Question string

	// Limit is the maximum number of context rows. Zero uses the retriever default.
	Limit int

	// Filter restricts context to records whose metadata matches one of its maps.
	Filter rag.MetadataFilter

	// Predicates is an optional boolean expression over metadata fields.
	Predicates *rag.Predicate

	// TimeRange restricts context by record creation time.
	TimeRange *rag.TimeRange
}

func (q Query) searchOptions() rag.SearchOptions {
	return rag.SearchOptions{
		Limit:      q.Limit,
		Filter:     q.Filter,
		Predicates: q.Predicates,
		TimeRange:  q.TimeRange,
	}
}

// Result is the answer together with the rows it was synthesized from.
type Result struct {
	// Answer is the validated structured answer.
	Answer *synth.Answer

	// Context is the retrieved table, in ascending-distance order.
	Context *rag.Table
}

// Config holds the dependencies of a Pipeline.
type Config struct {
	// Retriever performs embedding and vector search. Required.
	Retriever Retriever

	// Synthesizer produces the answer. Required.
	Synthesizer Synthesizer

	// Registerer receives the pipeline metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Pipeline answers questions from the FAQ index. It keeps no per-query
// state and is safe for concurrent use.
type Pipeline struct {
	retriever   Retriever
	synthesizer Synthesizer
	metrics     *pipelineMetrics
}

// New constructs a Pipeline and registers its metrics.
func New(cfg *Config) (*Pipeline, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("pipeline: retriever must not be nil")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("pipeline: synthesizer must not be nil")
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Pipeline{
		retriever:   cfg.Retriever,
		synthesizer: cfg.Synthesizer,
		metrics:     newPipelineMetrics(reg),
	}, nil
}

// Search runs only the retrieval stage.
func (p *Pipeline) Search(ctx context.Context, q Query) (*rag.Table, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, fmt.Errorf("pipeline: %w: question must not be empty", rag.ErrInvalidArgument)
	}
	return p.retrieve(ctx, q)
}

// Answer retrieves context for q.Question and synthesizes an answer from it.
// Errors wrap the rag sentinels of the stage that failed.
func (p *Pipeline) Answer(ctx context.Context, q Query, opts ...synth.Option) (*Result, error) {
	log := logging.FromContext(ctx)
	start := time.Now()

	res, err := p.answer(ctx, q, opts...)
	outcome := classify(err)
	p.metrics.answersTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		log.Warn("pipeline: answer failed",
			slog.String("outcome", outcome),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)
		return nil, err
	}

	p.metrics.enoughContextTotal.WithLabelValues(string(res.Answer.EnoughContext)).Inc()
	log.Info("pipeline: answered",
		slog.Int("context_rows", res.Context.Len()),
		slog.String("enough_context", string(res.Answer.EnoughContext)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (p *Pipeline) answer(ctx context.Context, q Query, opts ...synth.Option) (*Result, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, fmt.Errorf("pipeline: %w: question must not be empty", rag.ErrInvalidArgument)
	}

	table, err := p.retrieve(ctx, q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ans, err := p.synthesizer.Synthesize(ctx, q.Question, table, opts...)
	p.metrics.stageDurationSeconds.WithLabelValues(stageSynthesize).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("pipeline: synthesize: %w", err)
	}

	return &Result{Answer: ans, Context: table}, nil
}

func (p *Pipeline) retrieve(ctx context.Context, q Query) (*rag.Table, error) {
	start := time.Now()
	table, err := p.retriever.Retrieve(ctx, q.Question, q.searchOptions())
	p.metrics.stageDurationSeconds.WithLabelValues(stageRetrieve).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("pipeline: retrieve: %w", err)
	}
	p.metrics.contextRows.Observe(float64(table.Len()))

	logging.FromContext(ctx).Debug("pipeline: retrieved context",
		slog.Int("rows", table.Len()),
		slog.Int("limit", q.Limit),
	)
	return table, nil
}

// classify maps an Answer error to its metrics outcome label.
func classify(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, rag.ErrInvalidArgument):
		return outcomeInvalid
	case errors.Is(err, rag.ErrEmbeddingService):
		return outcomeEmbeddingError
	case errors.Is(err, rag.ErrSynthesis):
		return outcomeSynthesisError
	default:
		return outcomeError
	}
}
