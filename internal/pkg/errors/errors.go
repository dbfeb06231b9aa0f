package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrMalformedInput is a generic sentinel for structurally invalid payloads.
	ErrMalformedInput = errors.New("malformed input")
	// ErrProviderUnavailable signals a failed or timed-out embedding provider call.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrNotReady signals a link operation attempted before the point has an embedding.
	ErrNotReady = errors.New("not ready")
	// ErrConflictRetry signals a write conflict that survived internal retries.
	// Callers should retry the whole operation, not just the failed write.
	ErrConflictRetry = errors.New("conflict, retry")
)
