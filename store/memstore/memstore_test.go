package memstore

import (
	"context"
	"testing"

	"github.com/flbn/durable-cf-streams/durablestream"
)

func TestNewWithNilOptionsUsesDefaults(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	if _, err := s.Put(ctx, "s1", durablestream.PutOptions{
		StreamConfig: durablestream.StreamConfig{ContentType: "text/plain"},
		Data:         []byte("hi"),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Has(ctx, "s1") {
		t.Fatal("expected Has = true right after put")
	}
}

func TestNewWithOptions(t *testing.T) {
	cursor := durablestream.NewCursorClock()
	s := New(&Options{Cursor: cursor})
	ctx := context.Background()

	if _, err := s.Put(ctx, "s1", durablestream.PutOptions{
		StreamConfig: durablestream.StreamConfig{ContentType: "text/plain"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	result, err := s.Get(ctx, "s1", durablestream.ZeroOffset)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Cursor == "" {
		t.Fatal("expected a non-empty cursor value")
	}
}

var _ durablestream.StreamStore = (*Store)(nil)
