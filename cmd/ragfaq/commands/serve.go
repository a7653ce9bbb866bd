package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/provider"
	"github.com/54b3r/ragfaq/internal/server"
	"github.com/54b3r/ragfaq/internal/tracing"
	"github.com/54b3r/ragfaq/internal/version"
)

// NewServeCmd constructs the `ragfaq serve` command, which starts the HTTP
// answer API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragfaq HTTP API",
		Long: `Start the HTTP API.

Endpoints:
  POST /api/answer   answer a question (JSON body with "question")
  POST /api/search   retrieval only
  GET  /api/health   liveness
  GET  /api/ready    readiness of the chat model and vector index
  GET  /metrics      Prometheus metrics

Set RAGFAQ_API_KEY to require a Bearer token on the /api/answer and
/api/search routes.

Examples:
  ragfaq serve
  ragfaq serve --port 9090
  VECTOR_BACKEND=qdrant ragfaq serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)
			if !cmd.Flags().Changed("host") {
				host = settings.Server.Host
			}
			if !cmd.Flags().Changed("port") {
				port = settings.Server.Port
			}

			// Langfuse tracing is opt-in and a no-op without keys.
			flush, ok := tracing.Setup(tracing.Config{
				Host:      settings.Tracing.Host,
				PublicKey: settings.Tracing.PublicKey,
				SecretKey: settings.Tracing.SecretKey,
				Release:   version.Release(),
			})
			defer flush()
			if ok {
				log.Info("langfuse tracing enabled", slog.String("host", settings.Tracing.Host))
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			emb, err := newEmbedder(settings, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			idx, indexPinger, err := openIndex(ctx, settings, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = idx.Close() }()

			stack, err := newAnswerStack(ctx, settings, emb, idx, nil)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(stack.provider.Backend)),
				slog.String("model", stack.provider.ModelName()),
			)

			pingers := []server.Pinger{
				server.NewLLMPinger(stack.chatModel, provider.NewHealthCheck(stack.provider), string(stack.provider.Backend)),
				indexPinger,
			}

			srv, err := server.New(stack.pipeline, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				RateLimit: float64(settings.Server.RateLimit),
				APIKey:    settings.Server.APIKey,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			log.Info("serve starting", slog.String("version", version.String()))
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (default from SERVER_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (default from SERVER_PORT)")

	return cmd
}
