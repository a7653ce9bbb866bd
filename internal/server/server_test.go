package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragfaq/internal/pipeline"
	"github.com/54b3r/ragfaq/internal/rag"
	"github.com/54b3r/ragfaq/internal/synth"
)

// ---------------------------------------------------------------------------
// Fake answerer for query handler tests
// ---------------------------------------------------------------------------

// fakeAnswerer implements the answerer interface for tests.
type fakeAnswerer struct {
	// err is returned by Answer and Search when set.
	err error
	// got records the last query received.
	got pipeline.Query
}

var shippingTable = &rag.Table{
	Columns: []string{"id", "content", "category", "embedding", "distance"},
	Rows: []rag.Row{{
		"id":        "0c3f0c6e-1d6b-11ef-8000-000000000001",
		"content":   "Question: What are your shipping options?\nAnswer: We ship via standard and express.",
		"category":  "Shipping",
		"embedding": []float32{0.1, 0.2},
		"distance":  0.02,
	}},
}

func (f *fakeAnswerer) Answer(_ context.Context, q pipeline.Query, _ ...synth.Option) (*pipeline.Result, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		Answer: &synth.Answer{
			ThoughtProcess: []string{"The context lists two shipping methods."},
			Answer:         "We ship via standard and express.",
			EnoughContext:  synth.Sufficient,
		},
		Context: shippingTable,
	}, nil
}

func (f *fakeAnswerer) Search(_ context.Context, q pipeline.Query) (*rag.Table, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return shippingTable, nil
}

// newTestServer builds a Server around a with an isolated registry and a
// discarding logger.
func newTestServer(t *testing.T, a answerer, opts ...func(*Config)) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := &Config{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		MetricsRegistry: reg,
		MetricsGatherer: reg,
		RateLimit:       1000,
		RateBurst:       1000,
	}
	for _, o := range opts {
		o(cfg)
	}
	s, err := New(a, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestNew_NilPipeline(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for nil pipeline")
	}
}

func TestHandleAnswer_OK(t *testing.T) {
	t.Parallel()

	fa := &fakeAnswerer{}
	s := newTestServer(t, fa)
	w := do(t, s, http.MethodPost, "/api/answer", `{
		"question": "What are your shipping options?",
		"limit": 3,
		"filter": [{"category": "Shipping"}],
		"predicates": {"field": "views", "op": ">", "value": 10},
		"time_range": {"start": "2024-01-01T00:00:00Z", "end": "2024-12-31T00:00:00Z"}
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp answerResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EnoughContext != "sufficient" || resp.Answer == "" || len(resp.ThoughtProcess) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Context) != 1 {
		t.Fatalf("context rows = %d, want 1", len(resp.Context))
	}
	if _, ok := resp.Context[0]["embedding"]; ok {
		t.Error("context row must not carry the embedding")
	}
	if resp.Context[0]["category"] != "Shipping" {
		t.Errorf("context row = %v", resp.Context[0])
	}
	if _, ok := shippingTable.Rows[0]["embedding"]; !ok {
		t.Error("handler mutated the pipeline's table")
	}

	q := fa.got
	if q.Limit != 3 || len(q.Filter) != 1 || q.Predicates == nil || q.Predicates.Op != rag.OpGreaterThan {
		t.Errorf("query = %+v", q)
	}
	if q.TimeRange == nil || q.TimeRange.Start.Year() != 2024 {
		t.Errorf("time range = %+v", q.TimeRange)
	}
}

func TestHandleAnswer_BadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"missing question", `{"limit": 2}`},
		{"unknown field", `{"question": "q", "workspaceDir": "/tmp"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fa := &fakeAnswerer{}
			s := newTestServer(t, fa)
			w := do(t, s, http.MethodPost, "/api/answer", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if fa.got.Question != "" {
				t.Error("pipeline called for an invalid body")
			}
		})
	}
}

func TestHandleAnswer_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid argument", fmt.Errorf("pipeline: %w: limit must be positive", rag.ErrInvalidArgument), http.StatusBadRequest},
		{"embedding service", fmt.Errorf("rag: %w: 503", rag.ErrEmbeddingService), http.StatusBadGateway},
		{"synthesis", fmt.Errorf("synth: %w after 4 attempt(s)", rag.ErrSynthesis), http.StatusBadGateway},
		{"deadline", fmt.Errorf("synth: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"schema", fmt.Errorf("store: %w", rag.ErrSchema), http.StatusInternalServerError},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, &fakeAnswerer{err: tc.err})
			w := do(t, s, http.MethodPost, "/api/answer", `{"question": "shipping?"}`)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Errorf("error body = %+v (%v)", resp, err)
			}
		})
	}
}

func TestHandleSearch_OK(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeAnswerer{})
	w := do(t, s, http.MethodPost, "/api/search", `{"question": "shipping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(resp.Columns, ",") != "id,content,category,distance" {
		t.Errorf("columns = %v", resp.Columns)
	}
	if len(resp.Rows) != 1 {
		t.Errorf("rows = %d", len(resp.Rows))
	}
}

func TestRoutes_AuthProtectsQueryEndpointsOnly(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &fakeAnswerer{}, func(c *Config) { c.APIKey = "secret" })

	if w := do(t, s, http.MethodPost, "/api/answer", `{"question": "q"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("answer without token: %d, want 401", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/search", `{"question": "q"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("search without token: %d, want 401", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/answer", `{"question": "q"}`, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("answer with token: %d, want 200", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health: %d, want 200", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: %d, want 200", w.Code)
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAnswerer{})
	if w := do(t, s, http.MethodGet, "/api/answer", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/answer: %d, want 405", w.Code)
	}
}

func TestRequestLogger_RequestID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAnswerer{})

	w := do(t, s, http.MethodGet, "/api/health", "", requestIDHeader, "abc-123")
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("echoed request id = %q, want abc-123", got)
	}

	w = do(t, s, http.MethodGet, "/api/health", "", requestIDHeader, "bad id with spaces")
	if got := w.Header().Get(requestIDHeader); len(got) != 16 {
		t.Errorf("generated request id = %q, want 16 hex chars", got)
	}
}
