package durablestream

import "time"

// IdempotentCreate checks a Put against an already-present stream's
// config. It returns nil if the request matches exactly (the caller
// should report Created=false), or the conflict error otherwise. Exported
// so every substrate package shares the same idempotency rule rather than
// reimplementing it (mirrors the shared WaiterRegistry's export rationale).
func IdempotentCreate(existing, request StreamConfig) error {
	if NormalizeContentType(existing.ContentType) != NormalizeContentType(request.ContentType) {
		return newError(ErrContentTypeMismatch, codeConflict, "content-type mismatch on idempotent put")
	}
	if !int64PtrEqual(existing.TTLSeconds, request.TTLSeconds) || !timePtrEqual(existing.ExpiresAt, request.ExpiresAt) {
		return newError(ErrStreamConflict, codeConflict, "stream exists with conflicting configuration")
	}
	return nil
}

// PrepareInitialData validates and formats the optional body supplied to
// Put, returning the stream's initial internal representation, append
// count, and next offset.
func PrepareInitialData(contentType string, data []byte) (buffer []byte, appendCount uint64, next Offset, err error) {
	if len(data) == 0 {
		return nil, 0, FormatOffset(0, 0), nil
	}

	if IsJSONContentType(contentType) {
		stored, itemCount, err := StitchCreate(data)
		if err != nil {
			return nil, 0, ZeroOffset, err
		}
		if itemCount == 0 {
			return nil, 0, FormatOffset(0, 0), nil
		}
		return stored, 1, FormatOffset(1, uint64(len(stored))), nil
	}

	return data, 1, FormatOffset(1, uint64(len(data))), nil
}

// ValidateAppendContentType requires that a declared content-type, if
// non-empty, normalizes to the stream's normalized content-type.
func ValidateAppendContentType(streamContentType, requestContentType string) error {
	if requestContentType == "" {
		return nil
	}
	if NormalizeContentType(streamContentType) != NormalizeContentType(requestContentType) {
		return newError(ErrContentTypeMismatch, codeConflict, "content-type mismatch")
	}
	return nil
}

// ValidateAppendSeq requires a non-empty request seq to sort strictly
// after lastSeq, string-wise. Callers choose their own token format
// (zero-padded integers, ULIDs, ISO timestamps); the store never
// interprets them.
func ValidateAppendSeq(lastSeq, requestSeq string) error {
	if requestSeq == "" || lastSeq == "" {
		return nil
	}
	if requestSeq <= lastSeq {
		return newError(ErrSequenceConflict, codeConflict, "sequence conflict: expected > "+lastSeq+", received "+requestSeq)
	}
	return nil
}

// MergeData applies the append convention for a content-type: for JSON,
// the trailing-comma stitching convention; for everything else, plain
// byte concatenation.
func MergeData(contentType string, buffer, appendData []byte) ([]byte, error) {
	if IsJSONContentType(contentType) {
		delta, _, err := StitchAppend(appendData)
		if err != nil {
			return nil, err
		}
		return append(buffer, delta...), nil
	}
	return append(buffer, appendData...), nil
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}
