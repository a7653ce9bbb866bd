// Package budget estimates prompt sizes and trims retrieved context to fit a
// token budget. The supported LLM backends use different tokenizers, so this
// package uses a conservative character heuristic: 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// perMessageOverhead approximates the role and framing tokens most chat
	// APIs add to every message.
	perMessageOverhead = 4

	// DefaultMaxContextTokens is the default input budget in tokens. It fits
	// 8k-context models while leaving room for the output.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Fit returns how many leading items fit alongside the fixed messages within
// maxTokens. Items are ordered by priority (for retrieved context: nearest
// first), so trimming drops from the tail. A non-positive maxTokens disables
// the limit.
//
// When the fixed messages alone exceed the budget, Fit returns 0. Fixed
// messages are never dropped here; callers should warn separately.
func Fit(fixed []*schema.Message, items []string, maxTokens int) int {
	if maxTokens <= 0 {
		return len(items)
	}
	used := EstimateMessages(fixed)
	for i, item := range items {
		used += Estimate(item)
		if used > maxTokens {
			return i
		}
	}
	return len(items)
}
