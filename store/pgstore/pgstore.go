// Package pgstore implements a durablestream.StreamStore over a Postgres
// table, for deployments that want a managed relational database as the
// substrate rather than an embedded engine. Every operation is an async
// prepared statement executed through a pgxpool.Pool; Has is served purely
// from the local existence cache, never a round trip. The cache is filled
// from the table at Open and kept current by Put, Delete, and expiry
// tombstones; Get and Head do not add to it, so a path created by another
// process after Open reports absent.
package pgstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flbn/durable-cf-streams/durablestream"
	"github.com/go4org/hashtriemap"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	path         TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	buffer       BYTEA NOT NULL,
	append_count BIGINT NOT NULL,
	last_seq     TEXT NOT NULL DEFAULT '',
	ttl_seconds  BIGINT,
	expires_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
)`

// Options configures a Store.
type Options struct {
	// DSN is the pgx connection string. Required.
	DSN string

	// Logger receives background diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Cursor overrides the default epoch/interval cursor clock.
	Cursor *durablestream.CursorClock
}

// Store is the relational-cloud-database StreamStore substrate.
type Store struct {
	pool *pgxpool.Pool

	existence hashtriemap.HashTrieMap[string, string] // path -> content-type
	pathLocks hashtriemap.HashTrieMap[string, *sync.Mutex]
	waiters   durablestream.WaiterRegistry

	logger *slog.Logger
	cursor *durablestream.CursorClock
}

// lockPath returns the per-path mutex synchronizing Append's commit+notify
// against WaitForData's check-then-enroll, lazily created on first use.
// Postgres itself serializes the UPDATE, but that doesn't stop a local
// WaitForData goroutine from reading stale state and enrolling a waiter
// after a concurrent in-process Append has already committed and notified.
func (s *Store) lockPath(path string) *sync.Mutex {
	mu, _ := s.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu
}

// Open connects to Postgres at opts.DSN and ensures the streams table
// exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("pgstore: DSN is required")
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connecting: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: creating schema: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursor := opts.Cursor
	if cursor == nil {
		cursor = durablestream.NewCursorClock()
	}

	s := &Store{pool: pool, logger: logger, cursor: cursor}
	if err := s.loadExistence(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) loadExistence(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT path, content_type FROM streams`)
	if err != nil {
		return fmt.Errorf("pgstore: loading existence cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, contentType string
		if err := rows.Scan(&path, &contentType); err != nil {
			return fmt.Errorf("pgstore: scanning existence row: %w", err)
		}
		s.existence.Store(path, contentType)
	}
	return rows.Err()
}

type row struct {
	contentType string
	buffer      []byte
	appendCount uint64
	lastSeq     string
	ttlSeconds  *int64
	expiresAt   *time.Time
	createdAt   time.Time
}

func (s *Store) loadRow(ctx context.Context, path string) (row, bool, error) {
	var r row
	var appendCount int64

	err := s.pool.QueryRow(ctx,
		`SELECT content_type, buffer, append_count, last_seq, ttl_seconds, expires_at, created_at
		 FROM streams WHERE path = $1`, path,
	).Scan(&r.contentType, &r.buffer, &appendCount, &r.lastSeq, &r.ttlSeconds, &r.expiresAt, &r.createdAt)
	if err == pgx.ErrNoRows {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("pgstore: loading %s: %w", path, err)
	}
	r.appendCount = uint64(appendCount)
	return r, true, nil
}

func (s *Store) tombstone(ctx context.Context, path string) {
	s.pool.Exec(ctx, `DELETE FROM streams WHERE path = $1`, path)
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	s.logger.Debug("pgstore: tombstoned expired stream", "path", path)
}

// Put implements the StreamStore contract's create operation.
func (s *Store) Put(ctx context.Context, path string, opts durablestream.PutOptions) (durablestream.PutResult, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = durablestream.DefaultContentType
	}

	existing, ok, err := s.loadRow(ctx, path)
	if err != nil {
		return durablestream.PutResult{}, err
	}
	if ok {
		if !durablestream.IsExpired(existing.createdAt.UnixMilli(), existing.ttlSeconds, existing.expiresAt, time.Now()) {
			existingConfig := durablestream.StreamConfig{ContentType: existing.contentType, TTLSeconds: existing.ttlSeconds, ExpiresAt: existing.expiresAt}
			requestConfig := durablestream.StreamConfig{ContentType: contentType, TTLSeconds: opts.TTLSeconds, ExpiresAt: opts.ExpiresAt}
			if cerr := durablestream.IdempotentCreate(existingConfig, requestConfig); cerr != nil {
				return durablestream.PutResult{}, cerr
			}
			next := durablestream.FormatOffset(existing.appendCount, uint64(len(existing.buffer)))
			return durablestream.PutResult{Created: false, NextOffset: next}, nil
		}
		s.tombstone(ctx, path)
	}

	buffer, appendCount, next, err := durablestream.PrepareInitialData(contentType, opts.Data)
	if err != nil {
		return durablestream.PutResult{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO streams (path, content_type, buffer, append_count, last_seq, ttl_seconds, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, '', $5, $6, $7)
		 ON CONFLICT (path) DO UPDATE SET
			content_type=excluded.content_type, buffer=excluded.buffer, append_count=excluded.append_count,
			last_seq='', ttl_seconds=excluded.ttl_seconds, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		path, contentType, buffer, int64(appendCount), opts.TTLSeconds, opts.ExpiresAt, time.Now(),
	)
	if err != nil {
		return durablestream.PutResult{}, fmt.Errorf("pgstore: inserting %s: %w", path, err)
	}
	s.existence.Store(path, contentType)

	return durablestream.PutResult{Created: true, NextOffset: next}, nil
}

// Append implements the StreamStore contract's append operation.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts durablestream.AppendOptions) (durablestream.AppendResult, error) {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	if !ok {
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(ctx, path)
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}

	if err := durablestream.ValidateAppendContentType(r.contentType, opts.ContentType); err != nil {
		return durablestream.AppendResult{}, err
	}
	if err := durablestream.ValidateAppendSeq(r.lastSeq, opts.Seq); err != nil {
		return durablestream.AppendResult{}, err
	}

	merged, err := durablestream.MergeData(r.contentType, r.buffer, data)
	if err != nil {
		return durablestream.AppendResult{}, err
	}

	newAppendCount := r.appendCount + 1
	lastSeq := r.lastSeq
	if opts.Seq != "" {
		lastSeq = opts.Seq
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE streams SET buffer = $1, append_count = $2, last_seq = $3 WHERE path = $4`,
		merged, int64(newAppendCount), lastSeq, path,
	)
	if err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("pgstore: appending to %s: %w", path, err)
	}

	newLen := uint64(len(merged))
	s.waiters.NotifyAppend(path, newLen, func(fromPos uint64) durablestream.Message {
		return durablestream.Message{
			Data:      append([]byte(nil), merged[fromPos:]...),
			Offset:    durablestream.FormatOffset(newAppendCount, fromPos),
			Timestamp: time.Now(),
		}
	})

	return durablestream.AppendResult{NextOffset: durablestream.FormatOffset(newAppendCount, newLen)}, nil
}

// Get implements the StreamStore contract's snapshot read.
func (s *Store) Get(ctx context.Context, path string, offset durablestream.Offset) (durablestream.GetResult, error) {
	norm := normalizeReadOffset(offset)
	if !durablestream.IsValidOffset(string(norm)) {
		return durablestream.GetResult{}, durablestream.ErrInvalidOffset
	}
	_, pos, _ := durablestream.ParseOffset(norm)

	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		return durablestream.GetResult{}, err
	}
	if !ok {
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(ctx, path)
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}

	next := durablestream.FormatOffset(r.appendCount, uint64(len(r.buffer)))

	var messages []durablestream.Message
	if pos < uint64(len(r.buffer)) {
		messages = []durablestream.Message{{
			Data:      append([]byte(nil), r.buffer[pos:]...),
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
		ContentType: r.contentType,
	}, nil
}

// Head implements the StreamStore contract's metadata-only read.
func (s *Store) Head(ctx context.Context, path string) (durablestream.HeadResult, error) {
	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		return durablestream.HeadResult{}, err
	}
	if !ok {
		return durablestream.HeadResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(ctx, path)
		return durablestream.HeadResult{}, durablestream.ErrNotFound
	}

	next := durablestream.FormatOffset(r.appendCount, uint64(len(r.buffer)))
	return durablestream.HeadResult{
		ContentType: r.contentType,
		NextOffset:  next,
		ETag:        durablestream.FormatETag(path, durablestream.ZeroOffset, next),
		TTLSeconds:  r.ttlSeconds,
		ExpiresAt:   r.expiresAt,
	}, nil
}

// Delete implements the StreamStore contract's delete operation.
func (s *Store) Delete(ctx context.Context, path string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("pgstore: deleting %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return durablestream.ErrNotFound
	}
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	return nil
}

// Has implements the StreamStore contract's existence check, cache-only per
// spec's documented relational-substrate caveat: never a round trip.
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

	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		mu.Unlock()
		return durablestream.WaitResult{}, err
	}
	if !ok {
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(ctx, path)
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}

	if pos < uint64(len(r.buffer)) {
		msg := durablestream.Message{
			Data:      append([]byte(nil), r.buffer[pos:]...),
			Offset:    norm,
			Timestamp: time.Now(),
		}
		mu.Unlock()
		return durablestream.WaitResult{Messages: []durablestream.Message{msg}}, nil
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
// framing, consulting the existence cache rather than Postgres.
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
