package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragfaq/internal/pipeline"
	"github.com/54b3r/ragfaq/internal/rag"
	"github.com/54b3r/ragfaq/internal/synth"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AnswerTimeout bounds a single /api/answer or /api/search request,
	// including every synthesis retry. Defaults to 2 minutes.
	AnswerTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// answerer is the interface the query handlers call.
// *pipeline.Pipeline satisfies it; tests inject a fake.
type answerer interface {
	// Answer retrieves context and synthesizes an answer for q.
	Answer(ctx context.Context, q pipeline.Query, opts ...synth.Option) (*pipeline.Result, error)
	// Search runs retrieval only.
	Search(ctx context.Context, q pipeline.Query) (*rag.Table, error)
}

// Server is the HTTP server that exposes the FAQ pipeline.
type Server struct {
	// answerer handles /api/answer and /api/search.
	answerer answerer
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
}

// queryRequest is the JSON body for POST /api/answer and POST /api/search.
type queryRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
	// Limit is the maximum number of context rows (default 5).
	Limit int `json:"limit,omitempty"`
	// Filter keeps records whose metadata contains one of the maps.
	Filter rag.MetadataFilter `json:"filter,omitempty"`
	// Predicates is an optional boolean expression over metadata fields.
	Predicates *rag.Predicate `json:"predicates,omitempty"`
	// TimeRange restricts records by creation time.
	TimeRange *rag.TimeRange `json:"time_range,omitempty"`
}

// query converts the request body to a pipeline query.
func (r *queryRequest) query() pipeline.Query {
	return pipeline.Query{
		Question:   r.Question,
		Limit:      r.Limit,
		Filter:     r.Filter,
		Predicates: r.Predicates,
		TimeRange:  r.TimeRange,
	}
}

// answerResponse is the JSON response for POST /api/answer.
type answerResponse struct {
	// Answer is the synthesized answer text.
	Answer string `json:"answer"`
	// ThoughtProcess lists the model's reasoning steps.
	ThoughtProcess []string `json:"thought_process"`
	// EnoughContext is sufficient, partial or insufficient.
	EnoughContext string `json:"enough_context"`
	// Context holds the retrieved rows without their embeddings.
	Context []rag.Row `json:"context"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	// Columns lists the row keys in display order, embedding excluded.
	Columns []string `json:"columns"`
	// Rows holds the retrieved rows without their embeddings.
	Rows []rag.Row `json:"rows"`
}

// errorResponse is the JSON body of every non-2xx response from the query
// handlers.
type errorResponse struct {
	// Error is a human-readable failure description.
	Error string `json:"error"`
}
