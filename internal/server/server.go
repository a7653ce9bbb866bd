// Package server implements the HTTP server that exposes the FAQ pipeline
// via a JSON API, plus liveness, readiness and Prometheus endpoints.
// The server is started by the `ragfaq serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

// maxRequestBytes caps the size of a query request body.
const maxRequestBytes = 1 << 20

// New constructs a Server from the provided pipeline and config.
func New(p answerer, cfg *Config) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("server: pipeline must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.AnswerTimeout == 0 {
		cfg.AnswerTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must outlast the answer deadline so a 504 can be written.
		cfg.WriteTimeout = cfg.AnswerTimeout + 10*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		answerer: p,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	rl.onReject = func(r *http.Request) {
		s.metrics.rateLimitedTotal.WithLabelValues(r.URL.Path).Inc()
	}
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, s.routes(rl)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.APIKey == "" {
		log.Warn("server: RAGFAQ_API_KEY is not set, authentication is disabled")
	}

	return s, nil
}

// routes builds the mux. Query endpoints are authenticated and rate
// limited; probes and metrics are open.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	protect := func(name string, h http.HandlerFunc) http.Handler {
		return s.instrument(name, authMiddleware(s.cfg.APIKey, rl.middleware(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/answer", protect("answer", s.handleAnswer))
	mux.Handle("POST /api/search", protect("search", s.handleSearch))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	}
}

// handleAnswer handles POST /api/answer. It runs the full pipeline and
// returns the structured answer together with its context rows.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	req, ok := decodeQuery(w, r)
	if !ok {
		s.metrics.answerRequestsTotal.WithLabelValues(outcomeInvalid).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AnswerTimeout)
	defer cancel()

	s.metrics.answersInFlight.Inc()
	start := time.Now()
	res, err := s.answerer.Answer(ctx, req.query())
	s.metrics.answersInFlight.Dec()

	status := statusFor(err)
	outcome := outcomeFor(status)
	s.metrics.answerRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.answerDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Warn("answer failed", slog.Int("status", status), slog.Any("error", err))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{
		Answer:         res.Answer.Answer,
		ThoughtProcess: res.Answer.ThoughtProcess,
		EnoughContext:  string(res.Answer.EnoughContext),
		Context:        withoutEmbeddings(res.Context),
	})
}

// handleSearch handles POST /api/search. It runs retrieval only.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AnswerTimeout)
	defer cancel()

	table, err := s.answerer.Search(ctx, req.query())
	if err != nil {
		status := statusFor(err)
		log.Warn("search failed", slog.Int("status", status), slog.Any("error", err))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		if c != "embedding" {
			cols = append(cols, c)
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Columns: cols, Rows: withoutEmbeddings(table)})
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeQuery parses and checks the request body, writing a 400 itself when
// the body is unusable.
func decodeQuery(w http.ResponseWriter, r *http.Request) (*queryRequest, bool) {
	var req queryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return nil, false
	}
	if req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		return nil, false
	}
	return &req, true
}

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rag.ErrInvalidArgument), errors.Is(err, rag.ErrAmbiguousDeletion):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrEmbeddingService), errors.Is(err, rag.ErrSynthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// withoutEmbeddings copies the rows of t, dropping the embedding column.
func withoutEmbeddings(t *rag.Table) []rag.Row {
	rows := make([]rag.Row, 0, t.Len())
	if t == nil {
		return rows
	}
	for _, row := range t.Rows {
		out := make(rag.Row, len(row))
		for k, v := range row {
			if k != "embedding" {
				out[k] = v
			}
		}
		rows = append(rows, out)
	}
	return rows
}

// writeJSON encodes body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("response encode error", slog.Any("error", err))
	}
}
