package durablestream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flbn/durable-cf-streams/durablestream/internal/protocol"
)

func newTestHandler() (*Handler, *MemoryStore) {
	store := NewMemoryStore(nil)
	return NewHandler(store, nil), store
}

func TestHandlerPutCreatesAndReturns201(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/s1", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if rec.Header().Get(protocol.HeaderStreamNextOffset) == "" {
		t.Fatal("expected Stream-Next-Offset header to be set")
	}
}

func TestHandlerPutRepeatReturns200(t *testing.T) {
	h, _ := newTestHandler()

	for i, wantStatus := range []int{http.StatusCreated, http.StatusOK} {
		req := httptest.NewRequest(http.MethodPut, "/s1", nil)
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != wantStatus {
			t.Fatalf("put #%d status = %d, want %d", i, rec.Code, wantStatus)
		}
	}
}

func TestHandlerPutConflictReturns409(t *testing.T) {
	h, _ := newTestHandler()

	put := func(contentType string) int {
		req := httptest.NewRequest(http.MethodPut, "/s1", nil)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := put("text/plain"); got != http.StatusCreated {
		t.Fatalf("first put status = %d, want 201", got)
	}
	if got := put("application/json"); got != http.StatusConflict {
		t.Fatalf("conflicting put status = %d, want 409", got)
	}
}

func TestHandlerPutRejectsBothTTLAndExpiresAt(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPut, "/s1", nil)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(protocol.HeaderStreamTTL, "60")
	req.Header.Set(protocol.HeaderStreamExpiresAt, "2030-01-01T00:00:00Z")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerAppendRequiresContentType(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodPost, "/s1", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerAppendRejectsEmptyBody(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodPost, "/s1", strings.NewReader(""))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = 0
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerAppendThenGetRoundTrip(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	appendReq := httptest.NewRequest(http.MethodPost, "/s1", strings.NewReader("payload"))
	appendReq.Header.Set("Content-Type", "text/plain")
	appendRec := httptest.NewRecorder()
	h.ServeHTTP(appendRec, appendReq)
	if appendRec.Code != http.StatusOK {
		t.Fatalf("append status = %d, want 200; body=%s", appendRec.Code, appendRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/s1?offset=-1", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200; body=%s", getRec.Code, getRec.Body.String())
	}
	if getRec.Body.String() != "payload" {
		t.Fatalf("body = %q, want %q", getRec.Body.String(), "payload")
	}
	if getRec.Header().Get(protocol.HeaderStreamUpToDate) != "true" {
		t.Fatal("expected Stream-Up-To-Date: true on a snapshot read that reaches the end")
	}
}

func TestHandlerGetNotFoundReturns404(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerGetIfNoneMatchReturns304(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	first := httptest.NewRequest(http.MethodGet, "/s1?offset=-1", nil)
	firstRec := httptest.NewRecorder()
	h.ServeHTTP(firstRec, first)
	etag := firstRec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag on the first response")
	}

	second := httptest.NewRequest(http.MethodGet, "/s1?offset=-1", nil)
	second.Header.Set("If-None-Match", etag)
	secondRec := httptest.NewRecorder()
	h.ServeHTTP(secondRec, second)
	if secondRec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", secondRec.Code)
	}
}

func TestHandlerGetRejectsDuplicateQueryParam(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodGet, "/s1?offset=-1&offset=0", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerGetRejectsInvalidLiveParam(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodGet, "/s1?offset=-1&live=bogus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerLongPollRequiresOffset(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodGet, "/s1?live=long-poll", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerLongPollReturnsImmediatelyWithData(t *testing.T) {
	h, store := newTestHandler()
	if _, err := store.Put(context.Background(), "/s1", PutOptions{StreamConfig: StreamConfig{ContentType: "text/plain"}, Data: []byte("hello")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/s1?live=long-poll&offset=-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandlerHeadReturnsMetadataNoBody(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	req := httptest.NewRequest(http.MethodHead, "/s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected an empty body for HEAD, got %d bytes", rec.Body.Len())
	}
	if rec.Header().Get("ETag") == "" {
		t.Fatal("expected an ETag header")
	}
}

func TestHandlerDeleteReturns204ThenMissingReturns404(t *testing.T) {
	h, store := newTestHandler()
	mustPut(t, store, "s1", "text/plain")

	delReq := httptest.NewRequest(http.MethodDelete, "/s1", nil)
	delRec := httptest.NewRecorder()
	h.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/s1?offset=-1", nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", getRec.Code)
	}
}

func TestHandlerUnsupportedMethodReturns400(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPatch, "/s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWriteStoreErrorMapsDriverTooLargeMessageTo413(t *testing.T) {
	cases := []string{
		"sqlitestore: appending to s1: row too big to fit",
		"objectstore: writing data for s1: entity too large",
	}
	for _, msg := range cases {
		rec := httptest.NewRecorder()
		writeStoreError(rec, fmt.Errorf("%s", msg))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("writeStoreError(%q) status = %d, want %d", msg, rec.Code, http.StatusRequestEntityTooLarge)
		}
	}
}

func TestWriteStoreErrorMapsUnrecognizedErrorTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	writeStoreError(rec, fmt.Errorf("sqlitestore: appending to s1: disk I/O error"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func mustPut(t *testing.T, store *MemoryStore, path, contentType string) {
	t.Helper()
	if _, err := store.Put(context.Background(), "/"+path, PutOptions{StreamConfig: StreamConfig{ContentType: contentType}}); err != nil {
		t.Fatalf("mustPut(%q): %v", path, err)
	}
}
