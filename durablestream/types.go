package durablestream

import "time"

// StreamConfig is the creation-time configuration of a stream: its content
// type and, optionally, exactly one of a relative TTL or an absolute expiry.
type StreamConfig struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
}

// Message is one unit of stream data as returned by Get or WaitForData: a
// single synthesized message covering the buffer from the requested byte
// position to its end.
type Message struct {
	Data      []byte
	Offset    Offset
	Timestamp time.Time
}

// PutOptions carries the body supplied with a Put call, if any.
type PutOptions struct {
	StreamConfig
	Data []byte
}

// PutResult reports whether Put created the stream and its resulting next
// offset, whether newly created or idempotently matched.
type PutResult struct {
	Created    bool
	NextOffset Offset
}

// AppendOptions carries the optional content-type assertion and dedup
// sequence token supplied with an Append call.
type AppendOptions struct {
	ContentType string
	Seq         string
}

// AppendResult reports the offset after a successful append.
type AppendResult struct {
	NextOffset Offset
}

// GetResult is the response to a snapshot Get.
type GetResult struct {
	Messages    []Message
	NextOffset  Offset
	UpToDate    bool
	Cursor      string
	ETag        string
	ContentType string
}

// HeadResult is the response to Head: the content type, next offset, and
// ETag of GetResult plus the stream's TTL or absolute expiry, with no body,
// cursor, or up-to-date flag.
type HeadResult struct {
	ContentType string
	NextOffset  Offset
	ETag        string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
}

// WaitResult is the response to WaitForData.
type WaitResult struct {
	Messages []Message
	TimedOut bool
}
