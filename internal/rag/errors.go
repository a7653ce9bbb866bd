package rag

import "errors"

// Error kinds shared by every retrieval and synthesis component. Callers test
// for them with errors.Is; implementations wrap them with context.
var (
	// ErrInvalidArgument reports a caller error: bad limit, bad filter,
	// reversed time range, wrong vector length. No external call is made.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAmbiguousDeletion reports a DeleteSelector with zero or several
	// selectors set. No record is deleted.
	ErrAmbiguousDeletion = errors.New("ambiguous deletion: exactly one of ids, filter or all must be set")

	// ErrSchema reports storage that does not match the configured layout,
	// such as an existing index with a different embedding dimension.
	ErrSchema = errors.New("schema mismatch")

	// ErrEmbeddingService reports a failed or malformed embedding call.
	ErrEmbeddingService = errors.New("embedding service failure")

	// ErrSynthesis reports that no schema-valid answer was produced within
	// the retry budget.
	ErrSynthesis = errors.New("synthesis failure")
)
