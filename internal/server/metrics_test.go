package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragfaq/internal/rag"
)

// gatheredValue returns the counter or gauge value of name whose labels
// include every pair in labels, or -1 when absent.
func gatheredValue(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return -1
}

func TestMetrics_EndpointServesRegistry(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAnswerer{})

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	// One answer so the answer series exist.
	resp, err := http.Post(srv.URL+"/api/answer", "application/json", strings.NewReader(`{"question":"q"}`))
	if err != nil {
		t.Fatalf("POST /api/answer: %v", err)
	}
	resp.Body.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/metrics", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("want 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ragfaq_answer_requests_total{outcome="ok"} 1`) {
		t.Errorf("metrics output missing answer counter:\n%s", body)
	}
}

func TestMetrics_AnswerOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err     error
		outcome string
	}{
		{nil, outcomeOK},
		{fmt.Errorf("%w: bad limit", rag.ErrInvalidArgument), outcomeInvalid},
		{fmt.Errorf("%w: exhausted", rag.ErrSynthesis), outcomeUpstream},
		{errors.New("boom"), outcomeError},
	}
	for _, tc := range cases {
		t.Run(tc.outcome, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, &fakeAnswerer{err: tc.err})
			do(t, s, http.MethodPost, "/api/answer", `{"question":"q"}`)

			reg := s.cfg.MetricsGatherer
			if got := gatheredValue(t, reg, "ragfaq_answer_requests_total", map[string]string{"outcome": tc.outcome}); got != 1 {
				t.Errorf("answer_requests_total{outcome=%q} = %v, want 1", tc.outcome, got)
			}
			if got := gatheredValue(t, reg, "ragfaq_answer_in_flight", nil); got != 0 {
				t.Errorf("in_flight = %v, want 0 after completion", got)
			}
		})
	}
}

func TestMetrics_HTTPCounterByHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAnswerer{})

	do(t, s, http.MethodGet, "/api/health", "")
	do(t, s, http.MethodPost, "/api/search", `not json`)

	reg := s.cfg.MetricsGatherer
	if got := gatheredValue(t, reg, "ragfaq_http_requests_total", map[string]string{"handler": "health", "code": "200"}); got != 1 {
		t.Errorf("health 200 = %v, want 1", got)
	}
	if got := gatheredValue(t, reg, "ragfaq_http_requests_total", map[string]string{"handler": "search", "code": "400"}); got != 1 {
		t.Errorf("search 400 = %v, want 1", got)
	}
}

func TestMetrics_RateLimitedCounter(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeAnswerer{}, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	first := do(t, s, http.MethodPost, "/api/search", `{"question":"q"}`)
	second := do(t, s, http.MethodPost, "/api/search", `{"question":"q"}`)
	if first.Code != http.StatusOK || second.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d; want 200, 429", first.Code, second.Code)
	}
	if got := gatheredValue(t, s.cfg.MetricsGatherer, "ragfaq_http_rate_limited_total", map[string]string{"path": "/api/search"}); got != 1 {
		t.Errorf("rate_limited_total = %v, want 1", got)
	}
}

func TestOutcomeFor(t *testing.T) {
	t.Parallel()
	cases := map[int]string{
		http.StatusOK:                  outcomeOK,
		http.StatusBadRequest:          outcomeInvalid,
		http.StatusBadGateway:          outcomeUpstream,
		http.StatusGatewayTimeout:      outcomeTimeout,
		http.StatusInternalServerError: outcomeError,
	}
	for status, want := range cases {
		if got := outcomeFor(status); got != want {
			t.Errorf("outcomeFor(%d) = %q, want %q", status, got, want)
		}
	}
}
