package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/config"
	"github.com/54b3r/ragfaq/internal/embedder"
	"github.com/54b3r/ragfaq/internal/pipeline"
	"github.com/54b3r/ragfaq/internal/provider"
	"github.com/54b3r/ragfaq/internal/rag"
	"github.com/54b3r/ragfaq/internal/server"
	"github.com/54b3r/ragfaq/internal/store"
	"github.com/54b3r/ragfaq/internal/synth"
	"github.com/54b3r/ragfaq/internal/timescale"
)

// Vector backends accepted in VECTOR_BACKEND.
const (
	backendSQLite    = "sqlite"
	backendQdrant    = "qdrant"
	backendTimescale = "timescale"
)

// categoryKey is the metadata key ingestion stores the FAQ category under.
const categoryKey = "category"

// embedderConfig maps resolved settings onto the embedder package config.
func embedderConfig(s config.Settings) embedder.Config {
	return embedder.Config{
		Backend:    s.Embedding.Provider,
		Model:      s.Embedding.Model,
		APIKey:     s.Embedding.APIKey,
		Endpoint:   s.Embedding.Endpoint,
		APIVersion: s.Embedding.APIVersion,
		Dimensions: s.Embedding.Dimensions,
	}
}

// embeddingDimensions is the vector length the index must be sized to.
func embeddingDimensions(s config.Settings) int {
	if s.Embedding.Dimensions > 0 {
		return s.Embedding.Dimensions
	}
	return embedder.DefaultDimensions(s.Embedding.Provider)
}

// newEmbedder validates the embedding settings and builds the provider.
func newEmbedder(s config.Settings, log *slog.Logger) (*embedder.Provider, error) {
	cfg := embedderConfig(s)
	if err := embedder.Validate(cfg, log); err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return embedder.New(cfg)
}

// openIndex opens the configured vector backend and returns it together with
// a readiness probe for it.
func openIndex(ctx context.Context, s config.Settings, log *slog.Logger) (rag.VectorIndex, server.Pinger, error) {
	dims := embeddingDimensions(s)
	vs := s.VectorStore

	switch vs.Backend {
	case backendQdrant:
		idx, err := rag.NewQdrantIndex(rag.QdrantConfig{
			Host:              s.Qdrant.Host,
			Port:              s.Qdrant.Port,
			Collection:        s.Qdrant.Collection,
			Dimensions:        dims,
			PartitionInterval: vs.PartitionInterval,
			APIKey:            s.Qdrant.APIKey,
			UseTLS:            s.Qdrant.TLS,
			IndexedFields:     []string{categoryKey},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant at %s:%d: %w", s.Qdrant.Host, s.Qdrant.Port, err)
		}
		log.Info("vector index ready",
			slog.String("backend", backendQdrant),
			slog.String("collection", s.Qdrant.Collection),
		)
		return idx, server.NewQdrantPinger(idx.Client()), nil

	case backendTimescale:
		idx, err := timescale.Open(ctx, timescale.Config{
			ServiceURL:        vs.ServiceURL,
			Table:             vs.Table,
			Dimensions:        dims,
			PartitionInterval: vs.PartitionInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("vector index ready",
			slog.String("backend", backendTimescale),
			slog.String("table", vs.Table),
		)
		return idx, server.NewPinger(backendTimescale, idx.Ping), nil

	default:
		path := vs.SQLitePath
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return nil, nil, err
			}
		}
		idx, err := store.Open(ctx, store.Config{
			Path:              path,
			Table:             vs.Table,
			Dimensions:        dims,
			PartitionInterval: vs.PartitionInterval,
			Logger:            log,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("vector index ready",
			slog.String("backend", backendSQLite),
			slog.String("path", path),
			slog.String("table", vs.Table),
		)
		return idx, server.NewPinger(backendSQLite, idx.Ping), nil
	}
}

// providerConfig maps resolved model settings onto the provider config.
// The model name lands in the block of the selected backend.
func providerConfig(s config.Settings) *provider.Config {
	m := s.Model
	return &provider.Config{
		Backend: provider.Backend(m.Provider),
		Ollama: provider.ProviderOllama{
			Host:  m.OllamaHost,
			Model: m.Name,
		},
		OpenAI: provider.ProviderOpenAI{
			APIKey:  m.OpenAIAPIKey,
			Model:   m.Name,
			BaseURL: m.OpenAIBaseURL,
		},
		AzureOpenAI: provider.ProviderAzureOpenAI{
			APIKey:     m.AzureAPIKey,
			Endpoint:   m.AzureEndpoint,
			Deployment: m.Name,
			APIVersion: m.AzureAPIVersion,
		},
		Gemini: provider.ProviderGemini{
			APIKey: m.GoogleAPIKey,
			Model:  m.Name,
		},
		Ark: provider.ProviderArk{
			APIKey:  m.ArkAPIKey,
			Model:   m.Name,
			BaseURL: m.ArkBaseURL,
			Region:  m.ArkRegion,
		},
		Tuning: provider.SharedTuning{
			MaxTokens:   m.MaxTokens,
			Temperature: m.Temperature,
		},
	}
}

// answerStack is everything built to answer questions.
type answerStack struct {
	pipeline  *pipeline.Pipeline
	chatModel model.ToolCallingChatModel
	provider  *provider.Config
}

// newAnswerStack wires retriever, chat model and synthesizer into a pipeline.
// reg may be nil to use the default Prometheus registry.
func newAnswerStack(ctx context.Context, s config.Settings, emb rag.EmbeddingProvider, idx rag.VectorIndex, reg prometheus.Registerer) (*answerStack, error) {
	retriever, err := rag.NewRetriever(emb, idx, rag.DefaultLimit)
	if err != nil {
		return nil, err
	}

	pcfg := providerConfig(s)
	chatModel, err := provider.New(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}

	synthesizer, err := synth.New(&synth.Config{
		ChatModel:        chatModel,
		Temperature:      s.Model.Temperature,
		MaxTokens:        s.Model.MaxTokens,
		MaxRetries:       s.Model.MaxRetries,
		RetryBackoff:     s.Synthesis.RetryBackoff,
		MaxContextTokens: s.Synthesis.MaxContextTokens,
	})
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(&pipeline.Config{
		Retriever:   retriever,
		Synthesizer: synthesizer,
		Registerer:  reg,
	})
	if err != nil {
		return nil, err
	}
	return &answerStack{pipeline: p, chatModel: chatModel, provider: pcfg}, nil
}

// queryFlags are the retrieval narrowing flags shared by ask and search.
type queryFlags struct {
	limit      int
	categories []string
	since      string
	until      string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.limit, "limit", "n", rag.DefaultLimit, "Maximum number of FAQ entries used as context")
	cmd.Flags().StringArrayVarP(&f.categories, "category", "c", nil, "Only use entries in this category (repeatable, any match)")
	cmd.Flags().StringVar(&f.since, "since", "", "Only use entries ingested at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.until, "until", "", "Only use entries ingested at or before this time (RFC3339 or YYYY-MM-DD)")
}

// query builds a pipeline.Query for question from the flag values.
func (f *queryFlags) query(question string) (pipeline.Query, error) {
	q := pipeline.Query{Question: question, Limit: f.limit}

	for _, c := range f.categories {
		q.Filter = append(q.Filter, map[string]any{categoryKey: c})
	}

	if f.since != "" || f.until != "" {
		tr := &rag.TimeRange{}
		var err error
		if f.since != "" {
			if tr.Start, err = parseTime(f.since, false); err != nil {
				return pipeline.Query{}, fmt.Errorf("--since: %w", err)
			}
		}
		if f.until != "" {
			if tr.End, err = parseTime(f.until, true); err != nil {
				return pipeline.Query{}, fmt.Errorf("--until: %w", err)
			}
		}
		q.TimeRange = tr
	}
	return q, nil
}

// parseTime accepts RFC3339 or a bare UTC date. A bare date used as an upper
// bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// parseDelimiter turns the --delimiter value into a single rune. "tab" and
// `\t` both select a tab.
func parseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "tab", `\t`:
		return '\t', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("delimiter must be a single character, got %q", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r, nil
}
