package synth

import (
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/ragfaq/internal/rag"
)

// callOptions are the knobs that may be overridden per call.
type callOptions struct {
	modelName   string
	temperature float32
	maxTokens   int
	maxRetries  int
}

// Option overrides one knob for a single Synthesize call.
type Option func(*callOptions)

// WithModel overrides the model name.
func WithModel(name string) Option {
	return func(o *callOptions) { o.modelName = name }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *callOptions) { o.temperature = t }
}

// WithMaxTokens overrides the completion length cap.
func WithMaxTokens(n int) Option {
	return func(o *callOptions) { o.maxTokens = n }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *callOptions) { o.maxRetries = n }
}

func (o callOptions) validate() error {
	switch {
	case o.maxRetries < 0:
		return fmt.Errorf("%w: max retries %d is negative", rag.ErrInvalidArgument, o.maxRetries)
	case o.maxTokens < 0:
		return fmt.Errorf("%w: max tokens %d is negative", rag.ErrInvalidArgument, o.maxTokens)
	case o.temperature < 0 || o.temperature > 2:
		return fmt.Errorf("%w: temperature %.2f out of range [0, 2]", rag.ErrInvalidArgument, o.temperature)
	}
	return nil
}

// modelOptions translates the knobs into eino call options.
func (o callOptions) modelOptions() []model.Option {
	opts := []model.Option{model.WithTemperature(o.temperature)}
	if o.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(o.maxTokens))
	}
	if o.modelName != "" {
		opts = append(opts, model.WithModel(o.modelName))
	}
	return opts
}
