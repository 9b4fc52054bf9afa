// Package memstore exposes the in-process memory substrate as its own
// importable package, the way the teacher exposes memorystorage alongside
// its in-package reference implementation. It adds nothing: the
// authoritative semantics live in durablestream.MemoryStore, against
// which every other substrate is tested for behavioral parity.
package memstore

import (
	"log/slog"

	"github.com/flbn/durable-cf-streams/durablestream"
)

// Options configures a Store. A nil Options means all defaults.
type Options struct {
	Logger *slog.Logger
	Cursor *durablestream.CursorClock
}

// Store is the in-process memory StreamStore.
type Store = durablestream.MemoryStore

// New creates an empty in-process memory StreamStore.
func New(opts *Options) *Store {
	if opts == nil {
		return durablestream.NewMemoryStore(nil)
	}
	return durablestream.NewMemoryStore(&durablestream.MemoryStoreOptions{
		Logger: opts.Logger,
		Cursor: opts.Cursor,
	})
}
