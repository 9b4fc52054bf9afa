package durablestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flbn/durable-cf-streams/durablestream/internal/protocol"
)

const (
	defaultMaxAppendSize   = 10 * 1024 * 1024 // 10MB
	defaultLongPollTimeout = 30 * time.Second
	sseWaitTimeout         = 30 * time.Second
	sseHeartbeatInterval   = 15 * time.Second
)

// HandlerConfig configures a Handler. A nil config uses defaults.
type HandlerConfig struct {
	// PathExtractor extracts the stream path from the request. Default:
	// uses r.URL.Path.
	PathExtractor func(*http.Request) string

	// LongPollTimeout bounds a single long-poll wait. Default: 30s.
	LongPollTimeout time.Duration

	// MaxAppendSize rejects appends larger than this with
	// ErrPayloadTooLarge. Default: 10MB.
	MaxAppendSize int64
}

// Handler is a reference net/http.Handler over a StreamStore, implementing
// the verb-to-store-call mapping, live-mode framing, and error-to-status
// mapping of Section 6. It is a convenience, not the core: the StreamStore
// contract is fully usable without it.
type Handler struct {
	store           StreamStore
	pathExtractor   func(*http.Request) string
	longPollTimeout time.Duration
	maxAppendSize   int64
}

// NewHandler creates a Handler backed by store. Pass nil for cfg to use
// defaults.
func NewHandler(store StreamStore, cfg *HandlerConfig) *Handler {
	h := &Handler{
		store:           store,
		pathExtractor:   func(r *http.Request) string { return r.URL.Path },
		longPollTimeout: defaultLongPollTimeout,
		maxAppendSize:   defaultMaxAppendSize,
	}
	if cfg != nil {
		if cfg.PathExtractor != nil {
			h.pathExtractor = cfg.PathExtractor
		}
		if cfg.LongPollTimeout > 0 {
			h.longPollTimeout = cfg.LongPollTimeout
		}
		if cfg.MaxAppendSize > 0 {
			h.maxAppendSize = cfg.MaxAppendSize
		}
	}
	return h
}

// ServeHTTP routes to the appropriate store call based on method, per
// Section 6's verb mapping.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := h.pathExtractor(r)

	switch r.Method {
	case http.MethodPut:
		h.handlePut(w, r, path)
	case http.MethodPost:
		h.handleAppend(w, r, path)
	case http.MethodGet:
		h.handleGet(w, r, path)
	case http.MethodHead:
		h.handleHead(w, r, path)
	case http.MethodDelete:
		h.handleDelete(w, r, path)
	default:
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "method not allowed"))
	}
}

// handlePut implements PUT (Section 5.1/6).
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	cfg := StreamConfig{ContentType: contentType}

	ttlHeader := r.Header.Get(protocol.HeaderStreamTTL)
	expiresHeader := r.Header.Get(protocol.HeaderStreamExpiresAt)
	if ttlHeader != "" && expiresHeader != "" {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At"))
		return
	}
	if ttlHeader != "" {
		seconds, ok := ParseTTLSeconds(ttlHeader)
		if !ok {
			writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "invalid Stream-TTL header"))
			return
		}
		cfg.TTLSeconds = &seconds
	}
	if expiresHeader != "" {
		t, ok := ParseExpiresAt(expiresHeader)
		if !ok {
			writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "invalid Stream-Expires-At header"))
			return
		}
		cfg.ExpiresAt = &t
	}

	var body []byte
	if r.ContentLength > 0 || r.TransferEncoding != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, h.maxAppendSize+1))
		if err != nil {
			writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "failed to read request body"))
			return
		}
		if int64(len(data)) > h.maxAppendSize {
			writeErrorResponse(w, newError(ErrPayloadTooLarge, codePayloadTooLarge, "request body too large"))
			return
		}
		body = data
	}

	result, err := h.store.Put(r.Context(), path, PutOptions{StreamConfig: cfg, Data: body})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	w.Header().Set("Location", scheme+"://"+r.Host+r.URL.Path)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(protocol.HeaderStreamNextOffset, result.NextOffset.String())

	if result.Created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

// handleAppend implements POST (Section 5.2/6).
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "Content-Type header required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxAppendSize+1))
	if err != nil {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "failed to read request body"))
		return
	}
	if len(body) == 0 {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "empty body not allowed"))
		return
	}
	if int64(len(body)) > h.maxAppendSize {
		writeErrorResponse(w, newError(ErrPayloadTooLarge, codePayloadTooLarge, "request body too large"))
		return
	}

	seq := r.Header.Get(protocol.HeaderStreamSeq)
	result, err := h.store.Append(r.Context(), path, body, AppendOptions{ContentType: contentType, Seq: seq})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set(protocol.HeaderStreamNextOffset, result.NextOffset.String())
	w.WriteHeader(http.StatusOK)
}

// handleGet implements GET (Sections 5.5-5.7/6).
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, path string) {
	query := r.URL.Query()
	if len(query[protocol.QueryOffset]) > 1 || len(query[protocol.QueryLive]) > 1 {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "duplicate query parameter"))
		return
	}

	offsetStr := query.Get(protocol.QueryOffset)
	if strings.ContainsAny(offsetStr, ", \t\n\r") {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "invalid offset format"))
		return
	}
	offset := Offset(offsetStr)

	switch query.Get(protocol.QueryLive) {
	case "":
		h.handleCatchupRead(w, r, path, offset)
	case protocol.LiveModeLongPoll:
		h.handleLongPoll(w, r, path, offset)
	case protocol.LiveModeSSE:
		h.handleSSE(w, r, path, offset, query.Get(protocol.QueryCursor))
	default:
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "invalid live parameter"))
	}
}

func (h *Handler) writeGetResult(w http.ResponseWriter, r *http.Request, path string, result GetResult) {
	if ifNoneMatch := r.Header.Get("If-None-Match"); MatchETag(ifNoneMatch, result.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set(protocol.HeaderStreamNextOffset, result.NextOffset.String())
	w.Header().Set(protocol.HeaderStreamCursor, result.Cursor)
	w.Header().Set(protocol.HeaderStreamUpToDate, strconv.FormatBool(result.UpToDate))
	w.Header().Set("ETag", result.ETag)
	w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")

	body := h.store.FormatResponse(r.Context(), path, result.Messages)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCatchupRead implements the snapshot read path of Section 5.5.
func (h *Handler) handleCatchupRead(w http.ResponseWriter, r *http.Request, path string, offset Offset) {
	result, err := h.store.Get(r.Context(), path, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.writeGetResult(w, r, path, result)
}

// handleLongPoll implements the single-cycle long-poll read of Section 6.
func (h *Handler) handleLongPoll(w http.ResponseWriter, r *http.Request, path string, offset Offset) {
	if offset == "" {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "offset required for long-poll"))
		return
	}

	timeout := h.longPollTimeout
	waitCtx := r.Context()
	if deadline, ok := r.Context().Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	wait, err := h.store.WaitForData(waitCtx, path, offset, timeout)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if !wait.TimedOut {
		head, err := h.store.Head(r.Context(), path)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		body := h.store.FormatResponse(r.Context(), path, wait.Messages)
		w.Header().Set("Content-Type", head.ContentType)
		w.Header().Set(protocol.HeaderStreamNextOffset, head.NextOffset.String())
		w.Header().Set(protocol.HeaderStreamUpToDate, "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	result, err := h.store.Get(r.Context(), path, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set(protocol.HeaderStreamNextOffset, result.NextOffset.String())
	w.Header().Set(protocol.HeaderStreamUpToDate, "true")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.store.FormatResponse(r.Context(), path, result.Messages))
}

// handleSSE implements the server-sent-events live mode of Section 6:
// heartbeats every 15s, a 30s waitForData cycle, a control event on
// timeout, and a data event when bytes arrive.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset Offset, clientCursor string) {
	if offset == "" {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeBadRequest, "offset required for sse"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, newError(ErrInvalidOffset, codeInternal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	current := offset
	for {
		type outcome struct {
			wait WaitResult
			err  error
		}
		resultCh := make(chan outcome, 1)
		waitCtx, cancel := context.WithCancel(r.Context())

		go func(o Offset) {
			res, err := h.store.WaitForData(waitCtx, path, o, sseWaitTimeout)
			resultCh <- outcome{res, err}
		}(current)

		resolved := false
		for !resolved {
			select {
			case <-r.Context().Done():
				cancel()
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case out := <-resultCh:
				cancel()
				resolved = true
				if out.err != nil {
					fmt.Fprintf(w, "event: error\ndata: %s\n\n", out.err.Error())
					flusher.Flush()
					return
				}
				if !out.wait.TimedOut && len(out.wait.Messages) > 0 {
					body := h.store.FormatResponse(r.Context(), path, out.wait.Messages)
					fmt.Fprint(w, "event: data\n")
					for _, line := range strings.Split(string(body), "\n") {
						fmt.Fprintf(w, "data: %s\n", line)
					}
					fmt.Fprint(w, "\n")

					if head, err := h.store.Head(r.Context(), path); err == nil {
						current = head.NextOffset
					}
				}
				cursorResp := NewCursorClock().GenerateResponse(clientCursor, time.Now())
				fmt.Fprintf(w, "event: control\ndata: {\"streamNextOffset\":%q,\"streamCursor\":%q}\n\n", current.String(), cursorResp)
				flusher.Flush()
			}
		}
	}
}

// handleHead implements HEAD (Section 5.4/6).
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) {
	result, err := h.store.Head(r.Context(), path)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set(protocol.HeaderStreamNextOffset, result.NextOffset.String())
	w.Header().Set("ETag", result.ETag)
	if result.TTLSeconds != nil {
		w.Header().Set(protocol.HeaderStreamTTL, strconv.FormatInt(*result.TTLSeconds, 10))
	}
	if result.ExpiresAt != nil {
		w.Header().Set(protocol.HeaderStreamExpiresAt, result.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// handleDelete implements DELETE (Section 5.3/6).
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) {
	if err := h.store.Delete(r.Context(), path); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorBody is the wire shape of an error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorResponse(w http.ResponseWriter, err *protoError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(err.code), Message: err.message})
}

// writeStoreError maps a StreamStore error to an HTTP response per
// Section 6's error-to-status table.
func writeStoreError(w http.ResponseWriter, err error) {
	var pe *protoError
	if errors.As(err, &pe) {
		writeErrorResponse(w, pe)
		return
	}

	status := HTTPStatus(err)
	code := "internal"
	if status == 500 && isPayloadTooLargeMessage(err.Error()) {
		status = 413
		code = string(codePayloadTooLarge)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: err.Error()})
}

// isPayloadTooLargeMessage recognizes the substrate driver error messages
// Section 6 calls out for the 413 mapping (e.g. SQLite's "row too big to
// fit") that don't wrap ErrPayloadTooLarge and so wouldn't otherwise be
// caught by HTTPStatus's errors.Is checks.
func isPayloadTooLargeMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too large") || strings.Contains(lower, "row too big")
}
