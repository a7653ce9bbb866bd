package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/54b3r/ragfaq/internal/rag"
)

// newOpenAIServer returns a fake embeddings endpoint that answers every input
// with a vector of length dims. Requests are recorded for inspection.
func newOpenAIServer(t *testing.T, dims int, got *[]openaiEmbedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			*got = append(*got, req)
		}
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		// Reverse order to exercise index placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			resp.Data = append(resp.Data, item{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_EmbedText_NormalizesNewlines(t *testing.T) {
	t.Parallel()
	var reqs []openaiEmbedRequest
	srv := newOpenAIServer(t, 4, &reqs)

	p, err := New(Config{Backend: "openai", APIKey: "sk-test", Endpoint: srv.URL, Dimensions: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.EmbedText(context.Background(), "How do I\r\ntrack\nmy\rorder?")
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("len(vec) = %d, want 4", len(vec))
	}
	if len(reqs) != 1 {
		t.Fatalf("backend calls = %d, want exactly 1", len(reqs))
	}
	if got := reqs[0].Input[0]; got != "How do I track my order?" {
		t.Errorf("sent %q, want newlines folded to spaces", got)
	}
	if reqs[0].Model != defaultOpenAIModel || reqs[0].Dimensions != 4 {
		t.Errorf("request model/dims = %q/%d", reqs[0].Model, reqs[0].Dimensions)
	}
}

func TestProvider_Embed_BatchOrder(t *testing.T) {
	t.Parallel()
	srv := newOpenAIServer(t, 3, nil)
	p, err := New(Config{Backend: "openai", APIKey: "k", Endpoint: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vecs[%d][0] = %v, want %d", i, v[0], i+1)
		}
	}
}

func TestProvider_DimensionMismatch(t *testing.T) {
	t.Parallel()
	srv := newOpenAIServer(t, 8, nil)
	p, err := New(Config{Backend: "openai", APIKey: "k", Endpoint: srv.URL, Dimensions: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.EmbedText(context.Background(), "hello")
	if !errors.Is(err, rag.ErrEmbeddingService) {
		t.Errorf("want ErrEmbeddingService, got %v", err)
	}
}

func TestProvider_BackendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "openai error payload", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, wantMsg: "bad key"},
		{name: "plain text body", status: http.StatusBadGateway, body: "upstream down", wantMsg: "upstream down"},
		{name: "ok but empty data", status: http.StatusOK, body: `{"data":[]}`, wantMsg: "expected 1 embeddings, got 0"},
		{name: "ok but malformed", status: http.StatusOK, body: `{"data":`, wantMsg: "decode response"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p, err := New(Config{Backend: "openai", APIKey: "k", Endpoint: srv.URL, Dimensions: 2})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.EmbedText(context.Background(), "q")
			if !errors.Is(err, rag.ErrEmbeddingService) {
				t.Fatalf("want ErrEmbeddingService, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestProvider_ContextCanceled(t *testing.T) {
	t.Parallel()
	srv := newOpenAIServer(t, 2, nil)
	p, err := New(Config{Backend: "openai", APIKey: "k", Endpoint: srv.URL, Dimensions: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.EmbedText(ctx, "q")
	if !errors.Is(err, context.Canceled) || !errors.Is(err, rag.ErrEmbeddingService) {
		t.Errorf("want both context.Canceled and ErrEmbeddingService, got %v", err)
	}
}

func TestAzureEmbedder_URLAndAuth(t *testing.T) {
	t.Parallel()
	var path, query, apiKey, bearer atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		query.Store(r.URL.RawQuery)
		apiKey.Store(r.Header.Get("api-key"))
		bearer.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,0],"index":0}]}`))
	}))
	defer srv.Close()

	p, err := New(Config{Backend: "azure", APIKey: "az-key", Endpoint: srv.URL + "/", Model: "faq-embed", Dimensions: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.EmbedText(context.Background(), "q"); err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if got := path.Load(); got != "/openai/deployments/faq-embed/embeddings" {
		t.Errorf("path = %v", got)
	}
	if got := query.Load(); got != "api-version="+defaultAzureAPIVersion {
		t.Errorf("query = %v", got)
	}
	if apiKey.Load() != "az-key" || bearer.Load() != "" {
		t.Errorf("auth headers: api-key=%v authorization=%v", apiKey.Load(), bearer.Load())
	}
}

func TestOllamaEmbedder(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model \"missing\" not found"}`))
			return
		}
		resp := ollamaEmbedResponse{}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.5, 0.5, 0})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := New(Config{Backend: "ollama", Endpoint: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 3 {
		t.Errorf("Dimensions() = %d", p.Dimensions())
	}
	if _, err := p.EmbedText(context.Background(), "hello"); err != nil {
		t.Fatalf("EmbedText: %v", err)
	}

	p, _ = New(Config{Backend: "ollama", Endpoint: srv.URL, Model: "missing", Dimensions: 3})
	_, err = p.EmbedText(context.Background(), "hello")
	if !errors.Is(err, rag.ErrEmbeddingService) || !strings.Contains(err.Error(), "not found") {
		t.Errorf("want ErrEmbeddingService mentioning not found, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      Config
		wantDims int
		wantErr  string
	}{
		{name: "ollama defaults", cfg: Config{Backend: "ollama"}, wantDims: 768},
		{name: "openai defaults", cfg: Config{Backend: "openai", APIKey: "k"}, wantDims: 1536},
		{name: "explicit dims", cfg: Config{Backend: "openai", APIKey: "k", Dimensions: 256}, wantDims: 256},
		{name: "openai missing key", cfg: Config{Backend: "openai"}, wantErr: "OPENAI_API_KEY"},
		{name: "azure missing endpoint", cfg: Config{Backend: "azure", APIKey: "k"}, wantErr: "AZURE_OPENAI_ENDPOINT"},
		{name: "unknown backend", cfg: Config{Backend: "bedrock"}, wantErr: "unknown backend"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tc.cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("New() error = %v, want substring %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if p.Dimensions() != tc.wantDims {
				t.Errorf("Dimensions() = %d, want %d", p.Dimensions(), tc.wantDims)
			}
		})
	}
}

func TestValidate_WarnsOnChatModel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	if err := Validate(Config{Backend: "ollama", Model: "llama3:8b"}, log); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.Contains(buf.String(), "looks like a chat model") {
		t.Errorf("expected chat-model warning, got %q", buf.String())
	}

	buf.Reset()
	if err := Validate(Config{Backend: "openai", APIKey: "k", Model: "text-embedding-3-large"}, log); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected warning: %q", buf.String())
	}

	if err := Validate(Config{Backend: "azure"}, log); err == nil {
		t.Error("Validate() want error for azure without credentials")
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"gpt-4o":                 true,
		"llama3":                 true,
		"Mistral-7B":             true,
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
		"mxbai-embed-large":      false,
	}
	for model, want := range tests {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}
