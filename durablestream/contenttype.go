package durablestream

import "strings"

// DefaultContentType is applied to a put that does not specify one.
const DefaultContentType = "application/octet-stream"

// NormalizeContentType lowercases a content-type and strips any parameters
// (everything from the first ';' inclusive).
func NormalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// IsJSONContentType reports whether a normalized content-type is JSON:
// exactly "application/json" or ending in "+json".
func IsJSONContentType(ct string) bool {
	norm := NormalizeContentType(ct)
	return norm == "application/json" || strings.HasSuffix(norm, "+json")
}

// ContentTypesMatch compares two content types after normalization.
func ContentTypesMatch(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}
