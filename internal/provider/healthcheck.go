package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// defaultOpenAIBaseURL is used when ProviderOpenAI.BaseURL is empty.
const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// HealthCheckConfig probes a backend without generating tokens.
type HealthCheckConfig interface {
	HealthCheck(ctx context.Context) error
}

// httpHealthCheck issues a GET against a listing endpoint of the backend.
type httpHealthCheck struct {
	url    string
	header http.Header
	client *http.Client
}

// NewHealthCheck returns a token-free probe for cfg.Backend, or nil when the
// backend has no listing endpoint (Ark).
func NewHealthCheck(cfg *Config) HealthCheckConfig {
	h := http.Header{}
	var target string
	switch cfg.Backend {
	case BackendOllama:
		target = strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags"
	case BackendOpenAI:
		base := cfg.OpenAI.BaseURL
		if base == "" {
			base = defaultOpenAIBaseURL
		}
		target = strings.TrimRight(base, "/") + "/models"
		h.Set("Authorization", "Bearer "+cfg.OpenAI.APIKey)
	case BackendAzure:
		target = strings.TrimRight(cfg.AzureOpenAI.Endpoint, "/") + "/openai/models?api-version=" +
			url.QueryEscape(cfg.AzureOpenAI.APIVersion)
		h.Set("api-key", cfg.AzureOpenAI.APIKey)
	case BackendGemini:
		target = "https://generativelanguage.googleapis.com/v1beta/models?pageSize=1"
		h.Set("x-goog-api-key", cfg.Gemini.APIKey)
	default:
		return nil
	}
	return &httpHealthCheck{url: target, header: h, client: http.DefaultClient}
}

// HealthCheck returns nil when the endpoint answers 2xx.
func (c *httpHealthCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
