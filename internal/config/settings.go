package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when neither env nor YAML set a value.
const (
	DefaultProvider          = "openai"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultOllamaModel       = "llama3"
	DefaultGeminiModel       = "gemini-1.5-pro"
	DefaultOllamaHost        = "http://localhost:11434"
	DefaultAzureAPIVersion   = "2024-10-21"
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultMaxContextTokens  = 6000
	DefaultVectorBackend     = "sqlite"
	DefaultTable             = "embeddings"
	DefaultPartitionInterval = 7 * 24 * time.Hour
	DefaultQdrantPort        = 6334
	DefaultServerHost        = "127.0.0.1"
	DefaultServerPort        = 8080
	DefaultRateLimit         = 10
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultLangfuseHost      = "http://localhost:3000"
)

// Settings is the fully resolved configuration. It is built once at startup
// by FromEnv and passed by value; nothing reads the environment afterwards.
type Settings struct {
	Model       ModelSettings
	Embedding   EmbeddingSettings
	VectorStore VectorStoreSettings
	Qdrant      QdrantSettings
	Synthesis   SynthesisSettings
	Server      ServerSettings
	Logging     LoggingSettings
	Tracing     TracingSettings
}

// ModelSettings configures the chat model used for synthesis.
type ModelSettings struct {
	// Provider is one of ollama, openai, azure, gemini, ark.
	Provider string
	// Name is the model (or Azure deployment) for the selected provider.
	Name        string
	Temperature float32
	// MaxTokens is zero when the provider default applies.
	MaxTokens  int
	MaxRetries int

	OllamaHost      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AzureAPIKey     string
	AzureEndpoint   string
	AzureAPIVersion string
	GoogleAPIKey    string
	ArkAPIKey       string
	ArkBaseURL      string
	ArkRegion       string
}

// EmbeddingSettings configures the embedding provider. Unset fields inherit
// the chat provider's credentials where the backends match.
type EmbeddingSettings struct {
	Provider string
	Model    string
	// Dimensions is zero when the backend default applies.
	Dimensions int
	APIKey     string
	Endpoint   string
	APIVersion string
}

// VectorStoreSettings selects the VectorIndex backend.
type VectorStoreSettings struct {
	Backend           string
	Table             string
	PartitionInterval time.Duration
	SQLitePath        string
	ServiceURL        string
}

// QdrantSettings locates a Qdrant instance.
type QdrantSettings struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	TLS        bool
}

// SynthesisSettings bounds prompt size and retry pacing.
type SynthesisSettings struct {
	MaxContextTokens int
	RetryBackoff     time.Duration
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Host      string
	Port      int
	APIKey    string
	RateLimit int
}

// LoggingSettings selects the slog handler.
type LoggingSettings struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is json or text.
	Format string
}

// TracingSettings configures the Langfuse callback handler. Tracing is off
// unless both keys are set.
type TracingSettings struct {
	Host      string
	PublicKey string
	SecretKey string
}

// Enabled reports whether both Langfuse keys are present.
func (t TracingSettings) Enabled() bool {
	return t.PublicKey != "" && t.SecretKey != ""
}

// FromEnv resolves Settings from the process environment. Malformed numeric
// or duration values are reported together rather than silently defaulted.
func FromEnv() (Settings, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Settings, error) {
	r := &envReader{lookup: lookup}

	provider := r.str("MODEL_PROVIDER", DefaultProvider)
	m := ModelSettings{
		Provider:        provider,
		Temperature:     r.number("MODEL_TEMPERATURE", 0),
		MaxTokens:       r.integer("MODEL_MAX_TOKENS", 0),
		MaxRetries:      r.integer("MODEL_MAX_RETRIES", DefaultMaxRetries),
		OllamaHost:      r.str("OLLAMA_HOST", DefaultOllamaHost),
		OpenAIAPIKey:    r.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   r.str("OPENAI_BASE_URL", ""),
		AzureAPIKey:     r.str("AZURE_OPENAI_API_KEY", ""),
		AzureEndpoint:   r.str("AZURE_OPENAI_ENDPOINT", ""),
		AzureAPIVersion: r.str("AZURE_OPENAI_API_VERSION", DefaultAzureAPIVersion),
		GoogleAPIKey:    r.str("GOOGLE_API_KEY", ""),
		ArkAPIKey:       r.str("ARK_API_KEY", ""),
		ArkBaseURL:      r.str("ARK_BASE_URL", ""),
		ArkRegion:       r.str("ARK_REGION", ""),
	}
	switch provider {
	case "ollama":
		m.Name = r.str("OLLAMA_MODEL", DefaultOllamaModel)
	case "azure":
		m.Name = r.str("AZURE_OPENAI_DEPLOYMENT", "")
	case "gemini":
		m.Name = r.str("GEMINI_MODEL", DefaultGeminiModel)
	case "ark":
		m.Name = r.str("ARK_MODEL", "")
	default:
		m.Name = r.str("OPENAI_MODEL", DefaultOpenAIModel)
	}

	s := Settings{
		Model:     m,
		Embedding: resolveEmbedding(r, m),
		VectorStore: VectorStoreSettings{
			Backend:           r.str("VECTOR_BACKEND", DefaultVectorBackend),
			Table:             r.str("VECTOR_TABLE", DefaultTable),
			PartitionInterval: r.interval("TIME_PARTITION_INTERVAL", DefaultPartitionInterval),
			SQLitePath:        r.str("SQLITE_PATH", ""),
			ServiceURL:        r.str("TIMESCALE_SERVICE_URL", ""),
		},
		Synthesis: SynthesisSettings{
			MaxContextTokens: r.integer("SYNTH_MAX_CONTEXT_TOKENS", DefaultMaxContextTokens),
			RetryBackoff:     r.interval("MODEL_RETRY_BACKOFF", DefaultRetryBackoff),
		},
		Server: ServerSettings{
			Host:      r.str("SERVER_HOST", DefaultServerHost),
			Port:      r.integer("SERVER_PORT", DefaultServerPort),
			APIKey:    r.str("RAGFAQ_API_KEY", ""),
			RateLimit: r.integer("RAGFAQ_RATE_LIMIT", DefaultRateLimit),
		},
		Logging: LoggingSettings{
			Level:  strings.ToLower(r.str("LOG_LEVEL", DefaultLogLevel)),
			Format: strings.ToLower(r.str("LOG_FORMAT", DefaultLogFormat)),
		},
		Tracing: TracingSettings{
			Host:      r.str("LANGFUSE_HOST", DefaultLangfuseHost),
			PublicKey: r.str("LANGFUSE_PUBLIC_KEY", ""),
			SecretKey: r.str("LANGFUSE_SECRET_KEY", ""),
		},
	}
	s.Qdrant = QdrantSettings{
		Host:       r.str("QDRANT_HOST", ""),
		Port:       r.integer("QDRANT_PORT", DefaultQdrantPort),
		Collection: r.str("QDRANT_COLLECTION", s.VectorStore.Table),
		APIKey:     r.str("QDRANT_API_KEY", ""),
		TLS:        r.boolean("QDRANT_TLS", false),
	}

	if err := errors.Join(r.errs...); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// resolveEmbedding applies the inheritance rules: EMBEDDING_PROVIDER falls
// back to MODEL_PROVIDER when that is an embedding-capable backend, and
// credentials fall back to the matching chat provider's.
func resolveEmbedding(r *envReader, m ModelSettings) EmbeddingSettings {
	fallback := "openai"
	switch m.Provider {
	case "ollama", "azure":
		fallback = m.Provider
	}
	e := EmbeddingSettings{
		Provider:   r.str("EMBEDDING_PROVIDER", fallback),
		Model:      r.str("EMBEDDING_MODEL", ""),
		Dimensions: r.integer("EMBEDDING_DIMENSIONS", 0),
		APIKey:     r.str("EMBEDDING_API_KEY", ""),
		Endpoint:   r.str("EMBEDDING_ENDPOINT", ""),
		APIVersion: m.AzureAPIVersion,
	}
	switch e.Provider {
	case "openai":
		e.APIKey = firstNonEmpty(e.APIKey, m.OpenAIAPIKey)
		e.Endpoint = firstNonEmpty(e.Endpoint, m.OpenAIBaseURL)
	case "azure":
		e.APIKey = firstNonEmpty(e.APIKey, m.AzureAPIKey)
		e.Endpoint = firstNonEmpty(e.Endpoint, m.AzureEndpoint)
	case "ollama":
		e.Endpoint = firstNonEmpty(e.Endpoint, m.OllamaHost)
	}
	return e
}

// Validate checks cross-field constraints that do not depend on any backend
// package.
func (s Settings) Validate() error {
	var errs []error
	if s.Model.MaxRetries < 0 {
		errs = append(errs, errors.New("MODEL_MAX_RETRIES must not be negative"))
	}
	if s.Model.Temperature < 0 {
		errs = append(errs, errors.New("MODEL_TEMPERATURE must not be negative"))
	}
	if s.Embedding.Dimensions < 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must not be negative"))
	}
	if s.VectorStore.PartitionInterval < time.Second {
		errs = append(errs, errors.New("TIME_PARTITION_INTERVAL must be at least 1s"))
	}
	switch s.VectorStore.Backend {
	case "sqlite":
	case "qdrant":
		if s.Qdrant.Host == "" {
			errs = append(errs, errors.New("VECTOR_BACKEND=qdrant requires QDRANT_HOST"))
		}
	case "timescale":
		if s.VectorStore.ServiceURL == "" {
			errs = append(errs, errors.New("VECTOR_BACKEND=timescale requires TIMESCALE_SERVICE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_BACKEND %q (valid values: sqlite, qdrant, timescale)", s.VectorStore.Backend))
	}
	if s.Synthesis.MaxContextTokens < 0 {
		errs = append(errs, errors.New("SYNTH_MAX_CONTEXT_TOKENS must not be negative"))
	}
	if s.Server.RateLimit < 0 {
		errs = append(errs, errors.New("RAGFAQ_RATE_LIMIT must not be negative"))
	}
	switch s.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q (valid values: debug, info, warn, error)", s.Logging.Level))
	}
	if s.Logging.Format != "json" && s.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q (valid values: json, text)", s.Logging.Format))
	}
	if (s.Tracing.PublicKey == "") != (s.Tracing.SecretKey == "") {
		errs = append(errs, errors.New("LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// envReader reads typed values and collects parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return fallback
	}
	return i
}

func (r *envReader) number(key string, fallback float32) float32 {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s=%q is not a number", key, v))
		return fallback
	}
	return float32(f)
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (r *envReader) interval(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := ParseInterval(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}

// ParseInterval parses a Go duration ("36h", "500ms") or a whole number of
// days with a "d" suffix ("7d").
func ParseInterval(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
