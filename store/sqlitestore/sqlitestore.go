// Package sqlitestore implements a durablestream.StreamStore over a single
// SQLite table, for deployments that want the embedded-row-store substrate
// without standing up a separate database service. It uses the pure-Go
// modernc.org/sqlite driver through database/sql, and serializes every
// write behind a single mutex: SQLite itself only ever allows one writer,
// so there is no benefit in pretending otherwise at this layer.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flbn/durable-cf-streams/durablestream"
	"github.com/go4org/hashtriemap"
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	path         TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	buffer       BLOB NOT NULL,
	append_count INTEGER NOT NULL,
	last_seq     TEXT NOT NULL DEFAULT '',
	ttl_seconds  INTEGER,
	expires_at   INTEGER,
	created_at   INTEGER NOT NULL
)`

// Options configures a Store.
type Options struct {
	// DSN is the modernc.org/sqlite data source name, e.g. "file:streams.db"
	// or ":memory:" for an ephemeral in-process database. Required.
	DSN string

	// Logger receives background diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Cursor overrides the default epoch/interval cursor clock.
	Cursor *durablestream.CursorClock
}

// Store is the embedded row-store StreamStore substrate.
type Store struct {
	db *sql.DB
	mu sync.Mutex // single SQLite writer

	existence hashtriemap.HashTrieMap[string, string] // path -> content-type
	waiters   durablestream.WaiterRegistry

	logger *slog.Logger
	cursor *durablestream.CursorClock
}

// Open opens (creating if necessary) the SQLite database at opts.DSN and
// ensures the streams table exists.
func Open(opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("sqlitestore: DSN is required")
	}

	db, err := sql.Open("sqlite", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", opts.DSN, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: creating schema: %w", err)
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

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadExistence() error {
	rows, err := s.db.Query(`SELECT path, content_type FROM streams`)
	if err != nil {
		return fmt.Errorf("sqlitestore: loading existence cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, contentType string
		if err := rows.Scan(&path, &contentType); err != nil {
			return fmt.Errorf("sqlitestore: scanning existence row: %w", err)
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
	var ttl sql.NullInt64
	var expires sql.NullInt64
	var created int64

	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, buffer, append_count, last_seq, ttl_seconds, expires_at, created_at
		 FROM streams WHERE path = ?`, path,
	).Scan(&r.contentType, &r.buffer, &r.appendCount, &r.lastSeq, &ttl, &expires, &created)
	if err == sql.ErrNoRows {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("sqlitestore: loading %s: %w", path, err)
	}

	if ttl.Valid {
		v := ttl.Int64
		r.ttlSeconds = &v
	}
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		r.expiresAt = &t
	}
	r.createdAt = time.UnixMilli(created)
	return r, true, nil
}

// tombstone deletes an expired row and resolves its waiters. Callers hold
// s.mu: write paths and WaitForData call it directly under the lock, and
// Has/Get/Head reach it through tombstoneLocked, which takes s.mu first.
func (s *Store) tombstone(path string) {
	s.db.Exec(`DELETE FROM streams WHERE path = ?`, path)
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	s.logger.Debug("sqlitestore: tombstoned expired stream", "path", path)
}

// Put implements the StreamStore contract's create operation.
func (s *Store) Put(ctx context.Context, path string, opts durablestream.PutOptions) (durablestream.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		s.tombstone(path)
	}

	buffer, appendCount, next, err := durablestream.PrepareInitialData(contentType, opts.Data)
	if err != nil {
		return durablestream.PutResult{}, err
	}

	var ttlVal sql.NullInt64
	if opts.TTLSeconds != nil {
		ttlVal = sql.NullInt64{Int64: *opts.TTLSeconds, Valid: true}
	}
	var expiresVal sql.NullInt64
	if opts.ExpiresAt != nil {
		expiresVal = sql.NullInt64{Int64: opts.ExpiresAt.UnixMilli(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO streams (path, content_type, buffer, append_count, last_seq, ttl_seconds, expires_at, created_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			content_type=excluded.content_type, buffer=excluded.buffer, append_count=excluded.append_count,
			last_seq='', ttl_seconds=excluded.ttl_seconds, expires_at=excluded.expires_at, created_at=excluded.created_at`,
		path, contentType, buffer, appendCount, ttlVal, expiresVal, time.Now().UnixMilli(),
	)
	if err != nil {
		return durablestream.PutResult{}, fmt.Errorf("sqlitestore: inserting %s: %w", path, err)
	}
	s.existence.Store(path, contentType)

	return durablestream.PutResult{Created: true, NextOffset: next}, nil
}

// Append implements the StreamStore contract's append operation.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts durablestream.AppendOptions) (durablestream.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	if !ok {
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(path)
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

	_, err = s.db.ExecContext(ctx,
		`UPDATE streams SET buffer = ?, append_count = ?, last_seq = ? WHERE path = ?`,
		merged, newAppendCount, lastSeq, path,
	)
	if err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("sqlitestore: appending to %s: %w", path, err)
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
		s.tombstoneLocked(path)
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
		s.tombstoneLocked(path)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("sqlitestore: deleting %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return durablestream.ErrNotFound
	}
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	return nil
}

// Has implements the StreamStore contract's existence check.
func (s *Store) Has(ctx context.Context, path string) bool {
	return s.hasRow(ctx, path)
}

func (s *Store) hasRow(ctx context.Context, path string) bool {
	r, ok, err := s.loadRow(ctx, path)
	if err != nil || !ok {
		return false
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstoneLocked(path)
		return false
	}
	return true
}

// tombstoneLocked acquires s.mu before tombstoning; used from read paths
// that don't already hold it.
func (s *Store) tombstoneLocked(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstone(path)
}

// WaitForData implements the StreamStore contract's live-tailing wait.
func (s *Store) WaitForData(ctx context.Context, path string, offset durablestream.Offset, timeout time.Duration) (durablestream.WaitResult, error) {
	norm := normalizeReadOffset(offset)
	if !durablestream.IsValidOffset(string(norm)) {
		return durablestream.WaitResult{}, durablestream.ErrInvalidOffset
	}
	_, pos, _ := durablestream.ParseOffset(norm)

	s.mu.Lock()
	r, ok, err := s.loadRow(ctx, path)
	if err != nil {
		s.mu.Unlock()
		return durablestream.WaitResult{}, err
	}
	if !ok {
		s.mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}
	if durablestream.IsExpired(r.createdAt.UnixMilli(), r.ttlSeconds, r.expiresAt, time.Now()) {
		s.tombstone(path)
		s.mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}

	if pos < uint64(len(r.buffer)) {
		msg := durablestream.Message{
			Data:      append([]byte(nil), r.buffer[pos:]...),
			Offset:    norm,
			Timestamp: time.Now(),
		}
		s.mu.Unlock()
		return durablestream.WaitResult{Messages: []durablestream.Message{msg}}, nil
	}

	// Enrolled while s.mu is still held, so no concurrent Append (which
	// also takes s.mu for its whole commit+notify) can finish between the
	// state check above and this enrollment.
	w := s.waiters.Enroll(path, norm)
	s.mu.Unlock()

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
// framing, consulting the existence cache rather than the database.
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
