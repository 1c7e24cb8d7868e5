package errors

import "fmt"

var (
	// ErrNotFound marks a channel, user or message that does not exist.
	// Callers must be able to distinguish it from a dependency failure.
	ErrNotFound = fmt.Errorf("not found")

	// ErrServiceUnavailable is the fast-fail fallback returned while a
	// circuit is open, instead of invoking the broken dependency.
	ErrServiceUnavailable = fmt.Errorf("service temporarily unavailable")

	// ErrCallTimeout marks a dependency call that exceeded its budget.
	// The late response, if any, is discarded.
	ErrCallTimeout = fmt.Errorf("dependency call timed out")

	ErrValidation = fmt.Errorf("validation failed")

	// ErrCacheInvalidation wraps a successful write whose cache
	// invalidation failed. The write happened; readers may observe
	// stale entries until TTL expiry.
	ErrCacheInvalidation = fmt.Errorf("cache invalidation failed")

	ErrWorkerPanic    = fmt.Errorf("worker panic")
	ErrQueueClosed    = fmt.Errorf("queue transport closed")
	ErrUnknownJobKind = fmt.Errorf("unknown job kind")
)
