package objectstore

import (
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/flbn/durable-cf-streams/durablestream"
)

func TestMetaAndDataObjectKeysAreDistinctAndNamespaced(t *testing.T) {
	mk := metaObjectKey("a/b")
	dk := dataObjectKey("a/b")
	if mk == dk {
		t.Fatal("meta and data object keys must differ for the same path")
	}
	if mk != "stream:a/b:meta" {
		t.Fatalf("metaObjectKey = %q, want %q", mk, "stream:a/b:meta")
	}
	if dk != "stream:a/b:data" {
		t.Fatalf("dataObjectKey = %q, want %q", dk, "stream:a/b:data")
	}
}

func TestIsNoSuchKey(t *testing.T) {
	noSuchKey := minio.ErrorResponse{Code: "NoSuchKey", Message: "not found"}
	if !isNoSuchKey(noSuchKey) {
		t.Fatal("expected isNoSuchKey to recognize a NoSuchKey error response")
	}

	other := minio.ErrorResponse{Code: "AccessDenied", Message: "nope"}
	if isNoSuchKey(other) {
		t.Fatal("isNoSuchKey should not match an unrelated error code")
	}
}

func TestNormalizeReadOffset(t *testing.T) {
	if got := normalizeReadOffset(""); got != durablestream.ZeroOffset {
		t.Fatalf("normalizeReadOffset(\"\") = %q, want zero offset", got)
	}
	if got := normalizeReadOffset("-1"); got != durablestream.ZeroOffset {
		t.Fatalf("normalizeReadOffset(sentinel) = %q, want zero offset", got)
	}
}

func TestLockPathReturnsTheSameMutexForTheSamePath(t *testing.T) {
	s := &Store{}
	a := s.lockPath("p")
	b := s.lockPath("p")
	if a != b {
		t.Fatal("lockPath should return the same mutex instance for the same path, or concurrent Put/Append/Delete/WaitForData calls on that path would not be serialized")
	}
	other := s.lockPath("q")
	if a == other {
		t.Fatal("lockPath should return distinct mutexes for distinct paths")
	}
}

func TestOpenRejectsEmptyBucket(t *testing.T) {
	_, err := Open(nil, Options{})
	if err == nil {
		t.Fatal("expected an error opening with no bucket")
	}
}
