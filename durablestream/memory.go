package durablestream

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go4org/hashtriemap"
)

// memStream is the in-memory representation of one stream: its full
// buffer, append count, and config. Each stream owns its own mutex,
// serving as the per-path critical section the concurrency model
// requires (Section 5).
type memStream struct {
	mu sync.Mutex

	contentType string
	ttlSeconds  *int64
	expiresAt   *time.Time
	createdAt   time.Time

	buffer      []byte
	appendCount uint64
	lastSeq     string
}

// MemoryStoreOptions configures a MemoryStore. A nil Options means all
// defaults.
type MemoryStoreOptions struct {
	// Logger receives background diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Cursor overrides the default epoch/interval cursor clock.
	Cursor *CursorClock
}

// MemoryStore is the reference StreamStore implementation: pure
// in-process memory, authoritative semantics every other substrate is
// tested against for behavioral parity.
type MemoryStore struct {
	streams   hashtriemap.HashTrieMap[string, *memStream]
	existence hashtriemap.HashTrieMap[string, string] // path -> contentType
	waiters   WaiterRegistry

	logger *slog.Logger
	cursor *CursorClock
}

// NewMemoryStore creates an empty in-memory stream store.
func NewMemoryStore(opts *MemoryStoreOptions) *MemoryStore {
	m := &MemoryStore{
		logger: slog.Default(),
		cursor: NewCursorClock(),
	}
	if opts != nil {
		if opts.Logger != nil {
			m.logger = opts.Logger
		}
		if opts.Cursor != nil {
			m.cursor = opts.Cursor
		}
	}
	return m
}

func isExpiredStream(s *memStream, now time.Time) bool {
	return IsExpired(s.createdAt.UnixMilli(), s.ttlSeconds, s.expiresAt, now)
}

// tombstone removes an expired stream and resolves its waiters, per I5:
// "expired reads synchronously remove the row." Callers hold s.mu when
// this is invoked; s.mu is never re-acquired afterward.
func (m *MemoryStore) tombstone(path string, s *memStream) {
	m.streams.Delete(path)
	m.existence.Delete(path)
	m.waiters.NotifyDelete(path)
	m.logger.Debug("durablestream: tombstoned expired stream", "path", path)
}

// Put implements the StreamStore contract's create operation.
func (m *MemoryStore) Put(ctx context.Context, path string, opts PutOptions) (PutResult, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	if existing, ok := m.streams.Load(path); ok {
		existing.mu.Lock()
		if !isExpiredStream(existing, time.Now()) {
			err := IdempotentCreate(
				StreamConfig{ContentType: existing.contentType, TTLSeconds: existing.ttlSeconds, ExpiresAt: existing.expiresAt},
				StreamConfig{ContentType: contentType, TTLSeconds: opts.TTLSeconds, ExpiresAt: opts.ExpiresAt},
			)
			next := FormatOffset(existing.appendCount, uint64(len(existing.buffer)))
			existing.mu.Unlock()
			if err != nil {
				return PutResult{}, err
			}
			return PutResult{Created: false, NextOffset: next}, nil
		}
		m.tombstone(path, existing)
		existing.mu.Unlock()
	}

	buffer, appendCount, next, err := PrepareInitialData(contentType, opts.Data)
	if err != nil {
		return PutResult{}, err
	}

	stream := &memStream{
		contentType: contentType,
		ttlSeconds:  opts.TTLSeconds,
		expiresAt:   opts.ExpiresAt,
		createdAt:   time.Now(),
		buffer:      buffer,
		appendCount: appendCount,
	}
	m.streams.Store(path, stream)
	m.existence.Store(path, contentType)

	return PutResult{Created: true, NextOffset: next}, nil
}

// Append implements the StreamStore contract's append operation.
func (m *MemoryStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	stream, ok := m.streams.Load(path)
	if !ok {
		return AppendResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if isExpiredStream(stream, time.Now()) {
		m.tombstone(path, stream)
		return AppendResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	if err := ValidateAppendContentType(stream.contentType, opts.ContentType); err != nil {
		return AppendResult{}, err
	}
	if err := ValidateAppendSeq(stream.lastSeq, opts.Seq); err != nil {
		return AppendResult{}, err
	}

	merged, err := MergeData(stream.contentType, stream.buffer, data)
	if err != nil {
		return AppendResult{}, err
	}

	stream.buffer = merged
	stream.appendCount++
	if opts.Seq != "" {
		stream.lastSeq = opts.Seq
	}

	newLen := uint64(len(stream.buffer))
	appendCount := stream.appendCount
	buffer := stream.buffer
	m.waiters.NotifyAppend(path, newLen, func(fromPos uint64) Message {
		return Message{
			Data:      append([]byte(nil), buffer[fromPos:]...),
			Offset:    FormatOffset(appendCount, fromPos),
			Timestamp: time.Now(),
		}
	})

	return AppendResult{NextOffset: FormatOffset(appendCount, newLen)}, nil
}

// Get implements the StreamStore contract's snapshot read.
func (m *MemoryStore) Get(ctx context.Context, path string, offset Offset) (GetResult, error) {
	stream, ok := m.streams.Load(path)
	if !ok {
		return GetResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	norm := normalizeReadOffset(offset)
	if !IsValidOffset(string(norm)) {
		return GetResult{}, newError(ErrInvalidOffset, codeBadRequest, "invalid offset")
	}
	_, pos, _ := ParseOffset(norm)

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if isExpiredStream(stream, time.Now()) {
		m.tombstone(path, stream)
		return GetResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	next := FormatOffset(stream.appendCount, uint64(len(stream.buffer)))

	var messages []Message
	if pos < uint64(len(stream.buffer)) {
		messages = []Message{{
			Data:      append([]byte(nil), stream.buffer[pos:]...),
			Offset:    norm,
			Timestamp: time.Now(),
		}}
	}

	return GetResult{
		Messages:    messages,
		NextOffset:  next,
		UpToDate:    true,
		Cursor:      m.cursor.Calculate(time.Now()),
		ETag:        FormatETag(path, norm, next),
		ContentType: stream.contentType,
	}, nil
}

// Head implements the StreamStore contract's metadata-only read.
func (m *MemoryStore) Head(ctx context.Context, path string) (HeadResult, error) {
	stream, ok := m.streams.Load(path)
	if !ok {
		return HeadResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if isExpiredStream(stream, time.Now()) {
		m.tombstone(path, stream)
		return HeadResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	next := FormatOffset(stream.appendCount, uint64(len(stream.buffer)))
	return HeadResult{
		ContentType: stream.contentType,
		NextOffset:  next,
		ETag:        FormatETag(path, ZeroOffset, next),
		TTLSeconds:  stream.ttlSeconds,
		ExpiresAt:   stream.expiresAt,
	}, nil
}

// Delete implements the StreamStore contract's delete operation.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	stream, ok := m.streams.LoadAndDelete(path)
	if !ok {
		return newError(ErrNotFound, codeNotFound, "stream not found")
	}
	_ = stream
	m.existence.Delete(path)
	m.waiters.NotifyDelete(path)
	return nil
}

// Has implements the StreamStore contract's existence check. For the
// in-memory substrate it is exact, not a hint (Section 9).
func (m *MemoryStore) Has(ctx context.Context, path string) bool {
	stream, ok := m.streams.Load(path)
	if !ok {
		return false
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if isExpiredStream(stream, time.Now()) {
		m.tombstone(path, stream)
		return false
	}
	return true
}

// WaitForData implements the StreamStore contract's live-tailing wait.
func (m *MemoryStore) WaitForData(ctx context.Context, path string, offset Offset, timeout time.Duration) (WaitResult, error) {
	stream, ok := m.streams.Load(path)
	if !ok {
		return WaitResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	norm := normalizeReadOffset(offset)
	if !IsValidOffset(string(norm)) {
		return WaitResult{}, newError(ErrInvalidOffset, codeBadRequest, "invalid offset")
	}
	_, pos, _ := ParseOffset(norm)

	stream.mu.Lock()
	if isExpiredStream(stream, time.Now()) {
		m.tombstone(path, stream)
		stream.mu.Unlock()
		return WaitResult{}, newError(ErrNotFound, codeNotFound, "stream not found")
	}

	if pos < uint64(len(stream.buffer)) {
		msg := Message{
			Data:      append([]byte(nil), stream.buffer[pos:]...),
			Offset:    norm,
			Timestamp: time.Now(),
		}
		stream.mu.Unlock()
		return WaitResult{Messages: []Message{msg}}, nil
	}

	w := m.waiters.Enroll(path, norm)
	stream.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.Chan():
		return res, nil
	case <-timer.C:
		m.waiters.Remove(path, w)
		return WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		m.waiters.Remove(path, w)
		return WaitResult{TimedOut: true}, nil
	}
}

// FormatResponse implements the StreamStore contract's content-type-aware
// framing. If the stream is unknown at format time, it returns zero
// bytes: the caller has already produced the ETag/offset it needs.
func (m *MemoryStore) FormatResponse(ctx context.Context, path string, messages []Message) []byte {
	contentType, ok := m.existence.Load(path)
	if !ok {
		return nil
	}

	bufs := make([][]byte, len(messages))
	for i, msg := range messages {
		bufs[i] = msg.Data
	}
	joined := bytes.Join(bufs, nil)

	if IsJSONContentType(contentType) {
		return FormatJSONRead(joined)
	}
	return joined
}

// normalizeReadOffset maps an empty or sentinel caller offset to the
// initial offset; any other value passes through for validation.
func normalizeReadOffset(offset Offset) Offset {
	if offset == "" {
		return ZeroOffset
	}
	return NormalizeOffset(offset)
}

var _ StreamStore = (*MemoryStore)(nil)
