// Package objectstore implements a durablestream.StreamStore over an
// S3-compatible object store, for deployments where stream data is large
// enough that it belongs in blob storage rather than a database row. It
// mirrors kvstore's two-key layout - a small JSON metadata object and a
// separate data object - written data-then-metadata in two independent
// calls, so the same eventually-consistent inconsistency window applies.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/flbn/durable-cf-streams/durablestream"
	"github.com/go4org/hashtriemap"
)

// Options configures a Store.
type Options struct {
	// Endpoint is the S3-compatible server address (host:port, no scheme).
	Endpoint string

	// AccessKey and SecretKey are static credentials.
	AccessKey string
	SecretKey string

	// UseSSL selects https vs http for Endpoint.
	UseSSL bool

	// Bucket holds every stream's meta and data objects. Required.
	Bucket string

	// Logger receives background diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Cursor overrides the default epoch/interval cursor clock.
	Cursor *durablestream.CursorClock
}

// Store is the object-store StreamStore substrate.
type Store struct {
	client *minio.Client
	bucket string

	existence hashtriemap.HashTrieMap[string, string] // path -> content-type
	pathLocks hashtriemap.HashTrieMap[string, *sync.Mutex]
	waiters   durablestream.WaiterRegistry

	logger *slog.Logger
	cursor *durablestream.CursorClock
}

// lockPath returns the per-path mutex serializing Put/Append/Delete and the
// check-then-enroll step of WaitForData against each other, lazily created
// on first use. writeData and writeMeta are independent PutObject calls by
// design, so this lock is what keeps two concurrent Appends to the same
// path from both reading the same pre-state and losing one of their writes.
func (s *Store) lockPath(path string) *sync.Mutex {
	mu, _ := s.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu
}

// meta is the JSON shape stored at the stream's meta object.
type meta struct {
	ContentType string     `json:"content_type"`
	AppendCount uint64     `json:"append_count"`
	DataLen     uint64     `json:"data_len"`
	LastSeq     string     `json:"last_seq"`
	TTLSeconds  *int64     `json:"ttl_seconds,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func metaObjectKey(path string) string { return "stream:" + path + ":meta" }
func dataObjectKey(path string) string { return "stream:" + path + ":data" }

// Open connects to the S3-compatible endpoint described by opts and
// ensures opts.Bucket exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("objectstore: Bucket is required")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: creating client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: checking bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objectstore: creating bucket %s: %w", opts.Bucket, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursor := opts.Cursor
	if cursor == nil {
		cursor = durablestream.NewCursorClock()
	}

	s := &Store{client: client, bucket: opts.Bucket, logger: logger, cursor: cursor}
	if err := s.loadExistence(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExistence(ctx context.Context) error {
	const suffix = ":meta"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: "stream:", Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("objectstore: listing bucket %s: %w", s.bucket, obj.Err)
		}
		key := obj.Key
		if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		path := key[len("stream:") : len(key)-len(suffix)]
		m, ok, err := s.loadMeta(ctx, path)
		if err != nil || !ok {
			continue
		}
		s.existence.Store(path, m.ContentType)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

func (s *Store) loadMeta(ctx context.Context, path string) (meta, bool, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, metaObjectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return meta{}, false, fmt.Errorf("objectstore: opening meta for %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return meta{}, false, nil
		}
		return meta{}, false, fmt.Errorf("objectstore: reading meta for %s: %w", path, err)
	}

	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, false, fmt.Errorf("objectstore: decoding meta for %s: %w", path, err)
	}
	return m, true, nil
}

func (s *Store) loadData(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, dataObjectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: opening data for %s: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: reading data for %s: %w", path, err)
	}
	return data, nil
}

// writeData and writeMeta are two independent PutObject calls: the same
// inconsistency window kvstore documents applies here.
func (s *Store) writeData(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, dataObjectKey(path), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *Store) writeMeta(ctx context.Context, path string, m meta) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, metaObjectKey(path), bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *Store) tombstone(ctx context.Context, path string) {
	s.client.RemoveObject(ctx, s.bucket, dataObjectKey(path), minio.RemoveObjectOptions{})
	s.client.RemoveObject(ctx, s.bucket, metaObjectKey(path), minio.RemoveObjectOptions{})
	s.existence.Delete(path)
	s.waiters.NotifyDelete(path)
	s.logger.Debug("objectstore: tombstoned expired stream", "path", path)
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

	existing, ok, err := s.loadMeta(ctx, path)
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
		s.tombstone(ctx, path)
	}

	buffer, appendCount, next, err := durablestream.PrepareInitialData(contentType, opts.Data)
	if err != nil {
		return durablestream.PutResult{}, err
	}

	if err := s.writeData(ctx, path, buffer); err != nil {
		return durablestream.PutResult{}, fmt.Errorf("objectstore: writing data for %s: %w", path, err)
	}
	m := meta{
		ContentType: contentType,
		AppendCount: appendCount,
		DataLen:     uint64(len(buffer)),
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
		CreatedAt:   time.Now(),
	}
	if err := s.writeMeta(ctx, path, m); err != nil {
		return durablestream.PutResult{}, fmt.Errorf("objectstore: writing meta for %s: %w", path, err)
	}
	s.existence.Store(path, contentType)

	return durablestream.PutResult{Created: true, NextOffset: next}, nil
}

// Append implements the StreamStore contract's append operation.
func (s *Store) Append(ctx context.Context, path string, data []byte, opts durablestream.AppendOptions) (durablestream.AppendResult, error) {
	mu := s.lockPath(path)
	mu.Lock()
	defer mu.Unlock()

	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	if !ok {
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(ctx, path)
		return durablestream.AppendResult{}, durablestream.ErrNotFound
	}

	if err := durablestream.ValidateAppendContentType(m.ContentType, opts.ContentType); err != nil {
		return durablestream.AppendResult{}, err
	}
	if err := durablestream.ValidateAppendSeq(m.LastSeq, opts.Seq); err != nil {
		return durablestream.AppendResult{}, err
	}

	buffer, err := s.loadData(ctx, path)
	if err != nil {
		return durablestream.AppendResult{}, err
	}
	merged, err := durablestream.MergeData(m.ContentType, buffer, data)
	if err != nil {
		return durablestream.AppendResult{}, err
	}

	if err := s.writeData(ctx, path, merged); err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("objectstore: writing data for %s: %w", path, err)
	}

	m.AppendCount++
	m.DataLen = uint64(len(merged))
	if opts.Seq != "" {
		m.LastSeq = opts.Seq
	}
	if err := s.writeMeta(ctx, path, m); err != nil {
		return durablestream.AppendResult{}, fmt.Errorf("objectstore: writing meta for %s: %w", path, err)
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

	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return durablestream.GetResult{}, err
	}
	if !ok {
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(ctx, path)
		return durablestream.GetResult{}, durablestream.ErrNotFound
	}

	buffer, err := s.loadData(ctx, path)
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
	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return durablestream.HeadResult{}, err
	}
	if !ok {
		return durablestream.HeadResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(ctx, path)
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

	_, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return durablestream.ErrNotFound
	}
	s.tombstone(ctx, path)
	return nil
}

// Has implements the StreamStore contract's existence check. Like kvstore,
// it is a hint served from the local cache, not exact.
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

	m, ok, err := s.loadMeta(ctx, path)
	if err != nil {
		mu.Unlock()
		return durablestream.WaitResult{}, err
	}
	if !ok {
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}
	if isExpiredMeta(m, time.Now()) {
		s.tombstone(ctx, path)
		mu.Unlock()
		return durablestream.WaitResult{}, durablestream.ErrNotFound
	}

	if pos < m.DataLen {
		buffer, err := s.loadData(ctx, path)
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
// framing, consulting the existence cache rather than the object store.
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
