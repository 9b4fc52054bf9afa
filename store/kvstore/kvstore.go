// Package kvstore implements a durablestream.StreamStore over an embedded
// badger LSM key-value store, generalizing the teacher's single-prefix
// storage/badgerstore scheme into two independent keys per stream: a small
// JSON metadata object and a raw data blob. The two keys are written in
// separate transactions, data before metadata, which means a crash or a
// concurrent reader can observe data that a metadata read doesn't yet know
// about - the inconsistency window a real eventually-consistent KV substrate
// would have, deliberately not papered over by badger's own transactions.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/flbn/durable-cf-streams/durablestream"
	"github.com/go4org/hashtriemap"
)

// Options configures a Store.
type Options struct {
	// Dir is the badger data directory. Required unless InMemory is set.
	Dir string

	// InMemory runs badger with no on-disk footprint, for tests and
	// ephemeral deployments.
	InMemory bool

	// Logger receives background diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Cursor overrides the default epoch/interval cursor clock.
	Cursor *durablestream.CursorClock
}

// Store is the eventually-consistent two-object KV StreamStore substrate.
type Store struct {
	db *badger.DB

	existence hashtriemap.HashTrieMap[string, string] // path -> content-type
	pathLocks hashtriemap.HashTrieMap[string, *sync.Mutex]
	waiters   durablestream.WaiterRegistry

	logger *slog.Logger
	cursor *durablestream.CursorClock
}

// lockPath returns the per-path mutex serializing Put/Append/Delete and the
// check-then-enroll step of WaitForData against each other, lazily created
// on first use. Badger gives no cross-key transaction here (writeData and
// writeMeta are independent updates by design), so this lock is the only
// thing preventing two concurrent Appends to the same path from both
// reading the same pre-state and losing one of their writes.
func (s *Store) lockPath(path string) *sync.Mutex {
	mu, _ := s.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu
}

// meta is the JSON shape stored at the stream's meta key. The data itself
// lives separately at the stream's data key.
type meta struct {
	ContentType string     `json:"content_type"`
	AppendCount uint64     `json:"append_count"`
	DataLen     uint64     `json:"data_len"`
	LastSeq     string     `json:"last_seq"`
	TTLSeconds  *int64     `json:"ttl_seconds,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func metaKey(path string) []byte { return []byte("stream:" + path + ":meta") }
func dataKey(path string) []byte { return []byte("stream:" + path + ":data") }

// Open opens (creating if necessary) the badger database described by opts.
func Open(opts Options) (*Store, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("kvstore: Dir is required unless InMemory is set")
		}
		badgerOpts = badger.DefaultOptions(opts.Dir)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening badger: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursor := opts.Cursor
	if cursor == nil {
		cursor = durablestream.NewCursorClock()
	}

	s := &Store{db: db, logger: logger, cursor: cursor}
	if err := s.loadExistence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadExistence() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		const suffix = ":meta"
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
				continue
			}
			path := key[len("stream:") : len(key)-len(suffix)]
			var m meta
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				continue
			}
			s.existence.Store(path, m.ContentType)
		}
		return nil
	})
}

func (s *Store) loadMeta(path string) (meta, bool, error) {
	var m meta
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	})
	if err != nil {
		return meta{}, false, fmt.Errorf("kvstore: loading meta for %s: %w", path, err)
	}
	return m, found, nil
}

func (s *Store) loadData(path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			data = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: loading data for %s: %w", path, err)
	}
	return data, nil
}

// writeData and writeMeta are deliberately two separate transactions: this
// substrate's documented inconsistency window exists between them.
func (s *Store) writeData(path string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dataKey(path), data)
	})
}

func (s *Store) writeMeta(path string, m meta) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(path), encoded)
	})
}

func (s *Store) tombstone(path string) {
	s.db.Update(func(txn *badger.Txn) error {
		txn.Delete(dataKey(path))
		return txn.Delete(metaKey(path))
	})
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	s.logger.Debug("kvstore: tombstoned expired stream", "path", path)
}

func isExpiredMeta(m meta, now time.Time) bool {
	return durablestream.IsExpired(m.CreatedAt.UnixMilli(), m.TTLSeconds, m.ExpiresAt, now)
}

// Put implements the StreamStore contract's create operation.
func (s *Store) Put(ctx context.Context, path string, opts durablestream.PutOptions) (durablestream.PutResult, error) {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	contentType := opts.ContentType
	if contentType == "" {
		contentType = durablestream.DefaultContentType
	}

	existing, ok, err := s.loadMeta(path)
	if err != nil {
		return durablestream.PutResult{}, err
	}
	if ok {
		if !isExpiredMeta(existing, time.Now()) {
			existingConfig := durablestream.StreamConfig{ContentType: existing.ContentType, TTLSeconds: existing.TTLSeconds, ExpiresAt: existing.ExpiresAt}
			requestConfig := durablestream.StreamConfig{ContentType: contentType, TTLSeconds: opts.TTLSeconds, ExpiresAt: opts.ExpiresAt}
			if cerr := durablestream.IdempotentCreate(existingConfig, requestConfig); cerr != nil {
				return durablestream.PutResult{}, cerr
			}
			next := durablestream.FormatOffset(existing.AppendCount, existing.DataLen)
			return durablestream.PutResult{Created: false, NextOffset: next}, nil
		}
		s.tombstone(path)
	}

	buffer, appendCount, next, err := durablestream.PrepareInitialData(contentType, opts.Data)
	if err != nil {
		return durablestream.PutResult{}, err
	}

	if err := s.writeData(path, buffer); err != nil {
		return durablestream.PutResult{}, fmt.Errorf("kvstore: writing data for %s: %w", path, err)
	}
	m := meta{
		ContentType: contentType,
		AppendCount: appendCount,
		DataLen:     uint64(len(buffer)),
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   time.Now(),
	}
	if err := s.writeMeta(path, m); err != nil {
		return durablestream.PutResult{}, fmt.Errorf("kvstore: writing meta for %s: %w", path, err)
	}
	s.existence.Store(path, contentType)

	return durablestream.PutResult{Created: true, NextOffset: next}, nil
}

// Append implements the StreamStore contract's append operation.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts durablestream.AppendOptions) (durablestream.AppendResult, error) {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	m, ok, err := s.loadMeta(path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	if !ok {
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(path)
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}

	if err := durablestream.ValidateAppendContentType(m.ContentType, opts.ContentType); err != nil {
		return durablestream.AppendResult{}, err
	}
	if err := durablestream.ValidateAppendSeq(m.LastSeq, opts.Seq); err != nil {
		return durablestream.AppendResult{}, err
	}

	buffer, err := s.loadData(path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	merged, err := durablestream.MergeData(m.ContentType, buffer, data)
	if err != nil {
		return durablestream.AppendResult{}, err
	}

	if err := s.writeData(path, merged); err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("kvstore: writing data for %s: %w", path, err)
	}

	m.AppendCount++
	m.DataLen = uint64(len(merged))
	if opts.Seq != "" {
		m.LastSeq = opts.Seq
	}
	if err := s.writeMeta(path, m); err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("kvstore: writing meta for %s: %w", path, err)
	}

	newLen := m.DataLen
	appendCount := m.AppendCount
	s.waiters.NotifyAppend(path, newLen, func(fromPos uint64) durablestream.Message {
		return durablestream.Message{
			Data:      append([]byte(nil), merged[fromPos:]...),
			Offset:    durablestream.FormatOffset(appendCount, fromPos),
			Timestamp: time.Now(),
		}
	})

	return durablestream.AppendResult{NextOffset: durablestream.FormatOffset(appendCount, newLen)}, nil
}

// Get implements the StreamStore contract's snapshot read.
func (s *Store) Get(ctx context.Context, path string, offset durablestream.Offset) (durablestream.GetResult, error) {
	norm := normalizeReadOffset(offset)
	if !durablestream.IsValidOffset(string(norm)) {
		return durablestream.GetResult{}, durablestream.ErrInvalidOffset
	}
	_, pos, _ := durablestream.ParseOffset(norm)

	m, ok, err := s.loadMeta(path)
	if err != nil {
		return durablestream.GetResult{}, err
	}
	if !ok {
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(path)
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}

	buffer, err := s.loadData(path)
	if err != nil {
		return durablestream.GetResult{}, err
	}
	next := durablestream.FormatOffset(m.AppendCount, uint64(len(buffer)))

	var messages []durablestream.Message
	if pos < uint64(len(buffer)) {
		messages = []durablestream.Message{{
			Data:      append([]byte(nil), buffer[pos:]...),
			Offset:    norm,
			Timestamp: time.Now(),
		}}
	}

	return durablestream.GetResult{
		Messages:    messages,
		NextOffset:  next,
		UpToDate:    true,
		Cursor:      s.cursor.Calculate(time.Now()),
		ETag:        durablestream.FormatETag(path, norm, next),
		ContentType: m.ContentType,
	}, nil
}

// Head implements the StreamStore contract's metadata-only read.
func (s *Store) Head(ctx context.Context, path string) (durablestream.HeadResult, error) {
	m, ok, err := s.loadMeta(path)
	if err != nil {
		return durablestream.HeadResult{}, err
	}
	if !ok {
		return durablestream.HeadResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(path)
		return durablestream.HeadResult{}, durablestream.ErrNotFound
	}

	next := durablestream.FormatOffset(m.AppendCount, m.DataLen)
	return durablestream.HeadResult{
		ContentType: m.ContentType,
		NextOffset:  next,
		ETag:        durablestream.FormatETag(path, durablestream.ZeroOffset, next),
		TTLSeconds:  m.TTLSeconds,
		ExpiresAt:   m.ExpiresAt,
	}, nil
}

// Delete implements the StreamStore contract's delete operation.
func (s *Store) Delete(ctx context.Context, path string) error {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	_, ok, err := s.loadMeta(path)
	if err != nil {
		return err
	}
	if !ok {
		return durablestream.ErrNotFound
	}
	s.tombstone(path)
	return nil
}

// Has implements the StreamStore contract's existence check. It is a hint,
// not exact (spec.md §9): it is served from the local existence cache and
// does not itself re-check expiry against badger.
func (s *Store) Has(ctx context.Context, path string) bool {
	_, ok := s.existence.Load(path)
	return ok
}

// WaitForData implements the StreamStore contract's live-tailing wait.
func (s *Store) WaitForData(ctx context.Context, path string, offset durablestream.Offset, timeout time.Duration) (durablestream.WaitResult, error) {
	norm := normalizeReadOffset(offset)
	if !durablestream.IsValidOffset(string(norm)) {
		return durablestream.WaitResult{}, durablestream.ErrInvalidOffset
	}
	_, pos, _ := durablestream.ParseOffset(norm)

	mu := s.lockPath(path)
	mu.Lock()

	m, ok, err := s.loadMeta(path)
	if err != nil {
		mu.Unlock()
		return durablestream.WaitResult{}, err
	}
	if !ok {
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(path)
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}

	if pos < m.DataLen {
		buffer, err := s.loadData(path)
		if err != nil {
			mu.Unlock()
			return durablestream.WaitResult{}, err
		}
		if pos < uint64(len(buffer)) {
			msg := durablestream.Message{
				Data:      append([]byte(nil), buffer[pos:]...),
				Offset:    norm,
				Timestamp: time.Now(),
			}
			mu.Unlock()
			return durablestream.WaitResult{Messages: []durablestream.Message{msg}}, nil
		}
	}

	// Enrolled while the path lock is still held, so Append (which takes
	// the same lock for its whole load-merge-commit-notify sequence)
	// cannot finish between the state check above and this enrollment.
	w := s.waiters.Enroll(path, norm)
	mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.Chan():
		return res, nil
	case <-timer.C:
		s.waiters.Remove(path, w)
		return durablestream.WaitResult{TimedOut: true}, nil
	case <-ctx.Done():
		s.waiters.Remove(path, w)
		return durablestream.WaitResult{TimedOut: true}, nil
	}
}

// FormatResponse implements the StreamStore contract's content-type-aware
// framing, consulting the existence cache rather than badger.
func (s *Store) FormatResponse(ctx context.Context, path string, messages []durablestream.Message) []byte {
	contentType, ok := s.existence.Load(path)
	if !ok {
		return nil
	}

	bufs := make([][]byte, len(messages))
	for i, msg := range messages {
		bufs[i] = msg.Data
	}
	joined := bytes.Join(bufs, nil)

	if durablestream.IsJSONContentType(contentType) {
		return durablestream.FormatJSONRead(joined)
	}
	return joined
}

func normalizeReadOffset(offset durablestream.Offset) durablestream.Offset {
	if offset == "" {
		return durablestream.ZeroOffset
	}
	return durablestream.NormalizeOffset(offset)
}

var _ durablestream.StreamStore = (*Store)(nil)
