// Package tracing wires the optional Langfuse callback handler into eino so
// every chat model call made during synthesis is traced.
package tracing

import (
	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// Config locates a Langfuse project.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
	// Release tags every trace with the binary version.
	Release string
}

// Setup builds the Langfuse handler when both keys are set and registers it
// globally. The returned flush function must run before process exit so
// buffered traces are sent. When tracing is not configured it returns a
// no-op flush and false.
func Setup(cfg Config) (func(), bool) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return func() {}, false
	}

	handler, flush := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "ragfaq.answer",
		Release:   cfg.Release,
	})
	callbacks.AppendGlobalHandlers(handler)

	return flush, true
}
