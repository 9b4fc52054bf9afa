package pgstore

import (
	"strings"
	"testing"

	"github.com/flbn/durable-cf-streams/durablestream"
)

func TestSchemaDeclaresExpectedColumns(t *testing.T) {
	for _, col := range []string{"path", "content_type", "buffer", "append_count", "last_seq", "ttl_seconds", "expires_at", "created_at"} {
		if !strings.Contains(schema, col) {
			t.Errorf("schema is missing expected column %q", col)
		}
	}
	if !strings.Contains(schema, "PRIMARY KEY") {
		t.Error("schema should declare path as a primary key")
	}
}

func TestNormalizeReadOffset(t *testing.T) {
	if got := normalizeReadOffset(""); got != durablestream.ZeroOffset {
		t.Fatalf("normalizeReadOffset(\"\") = %q, want zero offset", got)
	}
	if got := normalizeReadOffset("-1"); got != durablestream.ZeroOffset {
		t.Fatalf("normalizeReadOffset(sentinel) = %q, want zero offset", got)
	}
	other := durablestream.FormatOffset(2, 4)
	if got := normalizeReadOffset(other); got != other {
		t.Fatalf("normalizeReadOffset(%q) = %q, want unchanged", other, got)
	}
}

func TestLockPathReturnsTheSameMutexForTheSamePath(t *testing.T) {
	s := &Store{}
	a := s.lockPath("p")
	b := s.lockPath("p")
	if a != b {
		t.Fatal("lockPath should return the same mutex instance for the same path, or a concurrent Append and WaitForData on that path would not be serialized")
	}
	other := s.lockPath("q")
	if a == other {
		t.Fatal("lockPath should return distinct mutexes for distinct paths")
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(nil, Options{})
	if err == nil {
		t.Fatal("expected an error opening with no DSN")
	}
}
