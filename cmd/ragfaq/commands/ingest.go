package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/ingestion"
	"github.com/54b3r/ragfaq/internal/logging"
)

// NewIngestCmd constructs the `ragfaq ingest` command, which loads a
// delimited FAQ dataset into the configured vector index.
func NewIngestCmd() *cobra.Command {
	var file, delimiter string
	var batchSize, concurrency int
	var createSchema, buildIndex bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load an FAQ dataset into the vector index",
		Long: `Read a delimited question/answer dataset, embed each entry and store it
in the vector index selected by VECTOR_BACKEND.

The dataset needs a header row with "question" and "answer" columns and may
carry a "category" column. Each entry is stored as
"Question: <question>\nAnswer: <answer>" with its category and ingestion
time as metadata. --file accepts a local path or an http(s) URL.

Relevant environment variables:
  VECTOR_BACKEND         sqlite, qdrant or timescale (default: sqlite)
  VECTOR_TABLE           Table or collection name (default: embeddings)
  EMBEDDING_PROVIDER     ollama, openai or azure (default: follows MODEL_PROVIDER)
  EMBEDDING_MODEL        Embedding model name (default: provider specific)
  EMBEDDING_DIMENSIONS   Vector width (default: provider specific)
  EMBEDDING_API_KEY      API key when it differs from the chat provider's
  EMBEDDING_ENDPOINT     Endpoint when it differs from the chat provider's

Examples:
  ragfaq ingest --file faq_dataset.csv
  ragfaq ingest --file https://example.com/faq.tsv --delimiter tab --build-index`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			delim, err := parseDelimiter(delimiter)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			emb, err := newEmbedder(settings, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			log.Info("embedder initialised",
				slog.String("provider", settings.Embedding.Provider),
				slog.Int("dimensions", emb.Dimensions()),
			)

			idx, _, err := openIndex(ctx, settings, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = idx.Close() }()

			p, err := ingestion.NewPipeline(emb, idx, &ingestion.Config{
				BatchSize:    batchSize,
				Concurrency:  concurrency,
				CreateSchema: createSchema,
				BuildIndex:   buildIndex,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			rc, err := p.Open(ctx, file)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			entries, err := ingestion.ReadFAQ(rc, delim)
			_ = rc.Close()
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			log.Info("starting ingestion", slog.String("source", file), slog.Int("entries", len(entries)))

			n, err := p.Ingest(ctx, entries, func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			log.Info("ingestion complete", slog.Int("records", n))
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d FAQ entries\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Dataset path or http(s) URL (required)")
	cmd.Flags().StringVarP(&delimiter, "delimiter", "d", string(ingestion.DefaultDelimiter), `Column delimiter (single character or "tab")`)
	cmd.Flags().IntVar(&batchSize, "batch", ingestion.DefaultBatchSize, "Entries per embedding call and upsert")
	cmd.Flags().IntVar(&concurrency, "concurrency", ingestion.DefaultConcurrency, "Embedding calls in flight")
	cmd.Flags().BoolVar(&createSchema, "create-schema", true, "Create the index schema if it does not exist")
	cmd.Flags().BoolVar(&buildIndex, "build-index", false, "Build the ANN index after loading")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
