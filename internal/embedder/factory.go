package embedder

import (
	"fmt"
	"strings"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536

	defaultOllamaHost      = "http://localhost:11434"
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultAzureAPIVersion = "2025-04-01-preview"
)

// Config selects and configures an embedding backend.
type Config struct {
	// Backend is one of ollama, openai, azure.
	Backend string
	// Model is the embedding model or Azure deployment name. Empty selects the
	// backend default.
	Model string
	// APIKey authenticates against openai and azure.
	APIKey string
	// Endpoint overrides the backend base URL. Required for azure.
	Endpoint string
	// APIVersion is the Azure OpenAI api-version query parameter.
	APIVersion string
	// Dimensions is the expected vector length. Zero selects the backend default.
	Dimensions int
}

// DefaultModel returns the default embedding model for backend.
func DefaultModel(backend string) string {
	if backend == "ollama" {
		return defaultOllamaModel
	}
	return defaultOpenAIModel
}

// DefaultDimensions returns the default embedding vector size for backend.
// Callers that size a vector store before the first embed call should use
// this rather than hardcoding a value.
func DefaultDimensions(backend string) int {
	if backend == "ollama" {
		return defaultOllamaDimensions
	}
	return defaultOpenAIDimensions
}

// New constructs a Provider for cfg. Missing model and dimension settings
// fall back to the backend defaults.
func New(cfg Config) (*Provider, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel(cfg.Backend)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions(cfg.Backend)
	}

	switch cfg.Backend {
	case "ollama":
		host := cfg.Endpoint
		if host == "" {
			host = defaultOllamaHost
		}
		return NewProvider(NewOllamaEmbedder(&OllamaConfig{
			Host:  strings.TrimRight(host, "/"),
			Model: model,
		}), dims), nil

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		baseURL := cfg.Endpoint
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		return NewProvider(NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    strings.TrimRight(baseURL, "/"),
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: dims,
		}), dims), nil

	case "azure":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		apiVersion := cfg.APIVersion
		if apiVersion == "" {
			apiVersion = defaultAzureAPIVersion
		}
		return NewProvider(NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    strings.TrimRight(cfg.Endpoint, "/") + "/openai",
			APIKey:     cfg.APIKey,
			Model:      model,
			Dimensions: dims,
			Azure:      true,
			APIVersion: apiVersion,
		}), dims), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid values: ollama, openai, azure)", cfg.Backend)
	}
}
