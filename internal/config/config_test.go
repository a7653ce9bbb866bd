package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: azure
  max_tokens: 1024
  temperature: 0.3
  max_retries: 5
  azure:
    endpoint: https://my-resource.openai.azure.com
    deployment: gpt-4o-mini
    api_version: "2024-10-21"
embedding:
  provider: ollama
  model: nomic-embed-text
vector_store:
  backend: timescale
  table: faq_embeddings
  partition_interval: 30d
  service_url: postgres://localhost/faq
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	envKeys := []string{
		"MODEL_PROVIDER", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE", "MODEL_MAX_RETRIES",
		"AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL",
		"VECTOR_BACKEND", "VECTOR_TABLE", "TIME_PARTITION_INTERVAL", "TIMESCALE_SERVICE_URL",
		"LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	loaded, err := Load(cfgPath, slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":          "azure",
		"MODEL_MAX_TOKENS":        "1024",
		"MODEL_TEMPERATURE":       "0.3",
		"MODEL_MAX_RETRIES":       "5",
		"AZURE_OPENAI_ENDPOINT":   "https://my-resource.openai.azure.com",
		"AZURE_OPENAI_DEPLOYMENT": "gpt-4o-mini",
		"EMBEDDING_PROVIDER":      "ollama",
		"VECTOR_BACKEND":          "timescale",
		"VECTOR_TABLE":            "faq_embeddings",
		"TIME_PARTITION_INTERVAL": "30d",
		"TIMESCALE_SERVICE_URL":   "postgres://localhost/faq",
		"LOG_LEVEL":               "debug",
	}
	for k, want := range checks {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("model:\n  provider: ollama\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env var BEFORE loading; it must not be overwritten.
	t.Setenv("MODEL_PROVIDER", "azure")

	if _, err := Load(cfgPath, slog.Default()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("MODEL_PROVIDER"); got != "azure" {
		t.Errorf("MODEL_PROVIDER: expected env override %q, got %q", "azure", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath, slog.Default()); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("VECTOR_TABLE=from_dotenv\nSQLITE_PATH=/tmp/faq.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VECTOR_TABLE", "from_env")
	t.Setenv("SQLITE_PATH", "")
	os.Unsetenv("SQLITE_PATH")

	if err := loadDotEnv(envPath, slog.Default()); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("VECTOR_TABLE"); got != "from_env" {
		t.Errorf("VECTOR_TABLE = %q, want env value to win", got)
	}
	if got := os.Getenv("SQLITE_PATH"); got != "/tmp/faq.db" {
		t.Errorf("SQLITE_PATH = %q, want value from .env", got)
	}

	if err := loadDotEnv(filepath.Join(dir, "missing.env"), slog.Default()); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestFloat32Str(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want string
	}{
		{0.0, ""},
		{0.2, "0.2"},
		{0.3, "0.3"},
		{1.0, "1"},
	}
	for _, tt := range tests {
		if got := float32Str(tt.in); got != tt.want {
			t.Errorf("float32Str(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// mapLookup adapts a map to the os.LookupEnv signature.
func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	t.Parallel()
	s, err := fromLookup(mapLookup(nil))
	if err != nil {
		t.Fatalf("fromLookup: %v", err)
	}
	if s.Model.Provider != "openai" || s.Model.Name != "gpt-4o-mini" {
		t.Errorf("model = %s/%s", s.Model.Provider, s.Model.Name)
	}
	if s.Model.Temperature != 0 || s.Model.MaxRetries != 3 {
		t.Errorf("temperature/retries = %v/%d", s.Model.Temperature, s.Model.MaxRetries)
	}
	if s.Embedding.Provider != "openai" || s.Embedding.Dimensions != 0 {
		t.Errorf("embedding = %+v", s.Embedding)
	}
	if s.VectorStore.Backend != "sqlite" || s.VectorStore.Table != "embeddings" {
		t.Errorf("vector store = %+v", s.VectorStore)
	}
	if s.VectorStore.PartitionInterval != 7*24*time.Hour {
		t.Errorf("partition interval = %v", s.VectorStore.PartitionInterval)
	}
	if s.Qdrant.Collection != "embeddings" || s.Qdrant.Port != 6334 {
		t.Errorf("qdrant = %+v", s.Qdrant)
	}
	if s.Server.Port != 8080 || s.Server.RateLimit != 10 {
		t.Errorf("server = %+v", s.Server)
	}
	if s.Logging.Level != "info" || s.Logging.Format != "json" {
		t.Errorf("logging = %+v", s.Logging)
	}
	if s.Tracing.Enabled() || s.Tracing.Host != "http://localhost:3000" {
		t.Errorf("tracing = %+v", s.Tracing)
	}
}

func TestFromLookup_EmbeddingInheritsCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		env          map[string]string
		wantProvider string
		wantKey      string
		wantEndpoint string
	}{
		{
			name:         "openai key inherited",
			env:          map[string]string{"OPENAI_API_KEY": "sk-chat"},
			wantProvider: "openai",
			wantKey:      "sk-chat",
		},
		{
			name:         "explicit embedding key wins",
			env:          map[string]string{"OPENAI_API_KEY": "sk-chat", "EMBEDDING_API_KEY": "sk-embed"},
			wantProvider: "openai",
			wantKey:      "sk-embed",
		},
		{
			name: "azure inherits provider and endpoint",
			env: map[string]string{
				"MODEL_PROVIDER":          "azure",
				"AZURE_OPENAI_DEPLOYMENT": "gpt-4o-mini",
				"AZURE_OPENAI_API_KEY":    "az",
				"AZURE_OPENAI_ENDPOINT":   "https://x.openai.azure.com",
			},
			wantProvider: "azure",
			wantKey:      "az",
			wantEndpoint: "https://x.openai.azure.com",
		},
		{
			name:         "gemini chat falls back to openai embeddings",
			env:          map[string]string{"MODEL_PROVIDER": "gemini", "OPENAI_API_KEY": "sk"},
			wantProvider: "openai",
			wantKey:      "sk",
		},
		{
			name:         "ollama host reused",
			env:          map[string]string{"MODEL_PROVIDER": "ollama", "OLLAMA_HOST": "http://gpu:11434"},
			wantProvider: "ollama",
			wantEndpoint: "http://gpu:11434",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := fromLookup(mapLookup(tc.env))
			if err != nil {
				t.Fatalf("fromLookup: %v", err)
			}
			e := s.Embedding
			if e.Provider != tc.wantProvider || e.APIKey != tc.wantKey || e.Endpoint != tc.wantEndpoint {
				t.Errorf("embedding = %+v, want provider=%s key=%s endpoint=%s",
					e, tc.wantProvider, tc.wantKey, tc.wantEndpoint)
			}
		})
	}
}

func TestFromLookup_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr []string
	}{
		{
			name:    "malformed numbers reported together",
			env:     map[string]string{"MODEL_TEMPERATURE": "warm", "MODEL_MAX_RETRIES": "many"},
			wantErr: []string{"MODEL_TEMPERATURE", "MODEL_MAX_RETRIES"},
		},
		{
			name:    "bad interval",
			env:     map[string]string{"TIME_PARTITION_INTERVAL": "weekly"},
			wantErr: []string{"TIME_PARTITION_INTERVAL"},
		},
		{
			name:    "sub-second interval",
			env:     map[string]string{"TIME_PARTITION_INTERVAL": "500ns"},
			wantErr: []string{"TIME_PARTITION_INTERVAL must be at least 1s"},
		},
		{
			name:    "negative retries",
			env:     map[string]string{"MODEL_MAX_RETRIES": "-1"},
			wantErr: []string{"must not be negative"},
		},
		{
			name:    "qdrant without host",
			env:     map[string]string{"VECTOR_BACKEND": "qdrant"},
			wantErr: []string{"QDRANT_HOST"},
		},
		{
			name:    "timescale without url",
			env:     map[string]string{"VECTOR_BACKEND": "timescale"},
			wantErr: []string{"TIMESCALE_SERVICE_URL"},
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"VECTOR_BACKEND": "redis"},
			wantErr: []string{"unknown VECTOR_BACKEND"},
		},
		{
			name:    "bad log settings",
			env:     map[string]string{"LOG_LEVEL": "loud", "LOG_FORMAT": "xml"},
			wantErr: []string{"LOG_LEVEL", "LOG_FORMAT"},
		},
		{
			name:    "half of the langfuse keys",
			env:     map[string]string{"LANGFUSE_PUBLIC_KEY": "pk"},
			wantErr: []string{"must be set together"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := fromLookup(mapLookup(tc.env))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err, want)
				}
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "36h", want: 36 * time.Hour},
		{in: "500ms", want: 500 * time.Millisecond},
		{in: "0d", wantErr: true},
		{in: "xd", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseInterval(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseInterval(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
