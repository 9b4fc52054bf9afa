package durablestream

import (
	"errors"
	"testing"
	"time"
)

// Test helper functions shared across test files

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestIdempotentCreateMatchingConfig(t *testing.T) {
	existing := StreamConfig{ContentType: "application/json"}
	request := StreamConfig{ContentType: "application/json; charset=utf-8"}
	if err := IdempotentCreate(existing, request); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIdempotentCreateContentTypeMismatch(t *testing.T) {
	existing := StreamConfig{ContentType: "application/json"}
	request := StreamConfig{ContentType: "text/plain"}
	err := IdempotentCreate(existing, request)
	if !errors.Is(err, ErrContentTypeMismatch) {
		t.Fatalf("err = %v, want ErrContentTypeMismatch", err)
	}
}

func TestIdempotentCreateTTLConflict(t *testing.T) {
	existing := StreamConfig{ContentType: "text/plain", TTLSeconds: int64Ptr(60)}
	request := StreamConfig{ContentType: "text/plain", TTLSeconds: int64Ptr(120)}
	err := IdempotentCreate(existing, request)
	if !errors.Is(err, ErrStreamConflict) {
		t.Fatalf("err = %v, want ErrStreamConflict", err)
	}
}

func TestIdempotentCreateExpiresAtConflict(t *testing.T) {
	t1 := timePtr(time.Unix(1000, 0))
	t2 := timePtr(time.Unix(2000, 0))
	existing := StreamConfig{ContentType: "text/plain", ExpiresAt: t1}
	request := StreamConfig{ContentType: "text/plain", ExpiresAt: t2}
	err := IdempotentCreate(existing, request)
	if !errors.Is(err, ErrStreamConflict) {
		t.Fatalf("err = %v, want ErrStreamConflict", err)
	}
}

func TestPrepareInitialDataEmptyBody(t *testing.T) {
	buffer, count, next, err := PrepareInitialData(DefaultContentType, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buffer != nil || count != 0 || next != FormatOffset(0, 0) {
		t.Fatalf("got (%q, %d, %q), want (nil, 0, zero)", buffer, count, next)
	}
}

func TestPrepareInitialDataRawBody(t *testing.T) {
	buffer, count, next, err := PrepareInitialData("text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buffer) != "hello" || count != 1 {
		t.Fatalf("got (%q, %d), want (\"hello\", 1)", buffer, count)
	}
	if next != FormatOffset(1, 5) {
		t.Fatalf("next = %q, want %q", next, FormatOffset(1, 5))
	}
}

func TestPrepareInitialDataJSONBody(t *testing.T) {
	buffer, count, _, err := PrepareInitialData("application/json", []byte(`[1,2]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (one stitched buffer)", count)
	}
	if string(buffer) != "1,2," {
		t.Fatalf("buffer = %q, want %q", buffer, "1,2,")
	}
}

func TestPrepareInitialDataJSONEmptyArray(t *testing.T) {
	buffer, count, next, err := PrepareInitialData("application/json", []byte(`[]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buffer != nil || count != 0 || next != FormatOffset(0, 0) {
		t.Fatalf("got (%q, %d, %q), want empty stream", buffer, count, next)
	}
}

func TestValidateAppendContentTypeEmptyAssertionAllowed(t *testing.T) {
	if err := ValidateAppendContentType("application/json", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAppendContentTypeMismatch(t *testing.T) {
	err := ValidateAppendContentType("application/json", "text/plain")
	if !errors.Is(err, ErrContentTypeMismatch) {
		t.Fatalf("err = %v, want ErrContentTypeMismatch", err)
	}
}

func TestValidateAppendSeqOrdering(t *testing.T) {
	if err := ValidateAppendSeq("", "any"); err != nil {
		t.Fatalf("unexpected error when lastSeq is empty: %v", err)
	}
	if err := ValidateAppendSeq("a", ""); err != nil {
		t.Fatalf("unexpected error when requestSeq is empty: %v", err)
	}
	if err := ValidateAppendSeq("a", "b"); err != nil {
		t.Fatalf("unexpected error for strictly increasing seq: %v", err)
	}
	if err := ValidateAppendSeq("b", "b"); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v, want ErrSequenceConflict for equal seq", err)
	}
	if err := ValidateAppendSeq("b", "a"); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v, want ErrSequenceConflict for decreasing seq", err)
	}
}

func TestMergeDataRawConcatenates(t *testing.T) {
	merged, err := MergeData("text/plain", []byte("ab"), []byte("cd"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(merged) != "abcd" {
		t.Fatalf("merged = %q, want %q", merged, "abcd")
	}
}

func TestMergeDataJSONStitches(t *testing.T) {
	merged, err := MergeData("application/json", []byte(`{"a":1},`), []byte(`{"b":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(merged) != `{"a":1},{"b":2},` {
		t.Fatalf("merged = %q, want %q", merged, `{"a":1},{"b":2},`)
	}
}

func TestMergeDataJSONRejectsInvalid(t *testing.T) {
	_, err := MergeData("application/json", nil, []byte("not json"))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("err = %v, want ErrInvalidJSON", err)
	}
}
