// Package synth turns a question and its retrieved context into a validated,
// structured answer using a tool-calling chat model.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sethvargo/go-retry"

	"github.com/54b3r/ragfaq/internal/budget"
	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

const (
	// DefaultMaxRetries is the retry budget used by callers that do not
	// configure one.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the first retry delay; later delays double.
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Config holds the dependencies and default knobs of a Synthesizer.
type Config struct {
	// ChatModel is the backend built by the provider factory. Required.
	ChatModel model.ToolCallingChatModel

	// ModelName, when set, is passed to every call as the model override.
	ModelName string

	// Temperature is the sampling temperature. Zero is deterministic.
	Temperature float32

	// MaxTokens caps the completion length. Zero leaves the backend default.
	MaxTokens int

	// MaxRetries is how many times a failed or invalid completion is retried
	// after the first attempt.
	MaxRetries int

	// RetryBackoff is the first retry delay. Defaults to DefaultRetryBackoff.
	RetryBackoff time.Duration

	// MaxContextTokens bounds the estimated prompt size; the farthest context
	// rows are dropped to fit. Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Synthesizer produces Answers. It holds no per-call state and is safe for
// concurrent use.
type Synthesizer struct {
	model            model.ToolCallingChatModel
	defaults         callOptions
	backoff          time.Duration
	maxContextTokens int
}

// New binds the answer tool to cfg.ChatModel and returns a Synthesizer.
func New(cfg *Config) (*Synthesizer, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("synth: ChatModel must not be nil")
	}
	defaults := callOptions{
		modelName:   cfg.ModelName,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
	}
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}

	bound, err := cfg.ChatModel.WithTools([]*schema.ToolInfo{answerTool})
	if err != nil {
		return nil, fmt.Errorf("synth: bind answer tool: %w", err)
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}

	return &Synthesizer{
		model:            bound,
		defaults:         defaults,
		backoff:          backoff,
		maxContextTokens: maxCtx,
	}, nil
}

// Synthesize answers question from the rows of table. Failed completions and
// completions that do not validate are retried with exponential backoff up
// to the retry budget; invalid ones are re-asked with the validation error.
// When the budget is exhausted the error wraps rag.ErrSynthesis. A canceled
// or expired ctx is returned as is.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, table *rag.Table, opts ...Option) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("synth: %w: question must not be empty", rag.ErrInvalidArgument)
	}
	co := s.defaults
	for _, opt := range opts {
		opt(&co)
	}
	if err := co.validate(); err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}

	log := logging.FromContext(ctx)

	msgs, kept, err := buildMessages(question, table, s.maxContextTokens)
	if err != nil {
		return nil, err
	}
	if table != nil && kept < table.Len() {
		log.Warn("budget: dropped context rows to fit context window",
			slog.Int("dropped", table.Len()-kept),
			slog.Int("retained", kept),
			slog.Int("max_tokens", s.maxContextTokens),
		)
	}

	var (
		answer   *Answer
		attempts int
	)
	backoff := retry.WithMaxRetries(uint64(co.maxRetries), retry.NewExponential(s.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		msg, err := s.model.Generate(ctx, msgs, co.modelOptions()...)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Warn("synth: completion failed, will retry", slog.Int("attempt", attempts), slog.Any("error", err))
			return retry.RetryableError(fmt.Errorf("completion: %w", err))
		}

		raw := completionText(msg)
		a, err := parseAnswer(raw)
		if err != nil {
			log.Warn("synth: invalid completion, re-asking", slog.Int("attempt", attempts), slog.Any("error", err))
			msgs = append(msgs, reask(raw, err)...)
			return retry.RetryableError(err)
		}
		answer = a
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(err, ctxErr) {
				return nil, fmt.Errorf("synth: %w", err)
			}
			return nil, fmt.Errorf("synth: %w: %v", ctxErr, err)
		}
		return nil, fmt.Errorf("synth: %w after %d attempt(s): %w", rag.ErrSynthesis, attempts, err)
	}

	log.Debug("synth: answer validated",
		slog.Int("attempts", attempts),
		slog.Int("context_rows", kept),
		slog.String("enough_context", string(answer.EnoughContext)),
	)
	return answer, nil
}
