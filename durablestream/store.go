package durablestream

import (
	"context"
	"time"
)

// StreamStore is the contract every substrate implements: pure in-process
// memory, an embedded row-store, a relational cloud database, an
// eventually-consistent two-object KV, or an object store. Implementations
// must be goroutine-safe and single-writer-per-path (Section 5): between
// the read of a path's buffer/next-offset/last-seq/waiters and the commit
// of an Append, no concurrent mutation of the same path may interleave.
type StreamStore interface {
	// Put creates a stream when absent. On a present stream it runs the
	// idempotent-create check and returns Created=false, or an error if
	// the declared content-type, TTL, or expiry conflicts with the
	// existing stream.
	Put(ctx context.Context, path string, opts PutOptions) (PutResult, error)

	// Append writes data to a stream. Fails with ErrNotFound if the
	// stream is absent or expired. Validates content-type and seq, then
	// commits and notifies matching waiters.
	Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error)

	// Get returns a snapshot read starting at offset (the zero value
	// means the initial offset).
	Get(ctx context.Context, path string, offset Offset) (GetResult, error)

	// Head returns stream metadata without a body.
	Head(ctx context.Context, path string) (HeadResult, error)

	// Delete removes a stream and resolves every pending waiter for its
	// path with an empty, non-timed-out result.
	Delete(ctx context.Context, path string) error

	// Has is a fast, possibly cache-hinted existence check. It is a
	// hint, not a guard: callers must not use it to reject work that a
	// subsequent truthful check would contradict (Section 9).
	Has(ctx context.Context, path string) bool

	// WaitForData blocks until bytes are available past offset, the
	// stream is deleted, or timeout elapses, whichever happens first.
	WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error)

	// FormatResponse renders messages as response bytes, content-type
	// aware: JSON streams get the trailing-comma-stripped `[...]` wrap,
	// raw streams get plain concatenation.
	FormatResponse(ctx context.Context, path string, messages []Message) []byte
}
