package durablestream

import (
	"encoding/base64"
	"strings"
)

// FormatETag builds the quoted, path-qualified weak identity string used for
// conditional reads: "base64(path):startOffset:endOffset".
func FormatETag(path string, start, end Offset) string {
	encodedPath := base64.RawURLEncoding.EncodeToString([]byte(path))
	var b strings.Builder
	b.WriteByte('"')
	b.WriteString(encodedPath)
	b.WriteByte(':')
	b.WriteString(string(start))
	b.WriteByte(':')
	b.WriteString(string(end))
	b.WriteByte('"')
	return b.String()
}

// ParseETag splits a quoted ETag back into its three fields. ok is false if
// the value isn't quoted or doesn't have exactly three colon-separated
// fields.
func ParseETag(s string) (path string, start, end Offset, ok bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", "", "", false
	}
	inner := s[1 : len(s)-1]
	parts := strings.Split(inner, ":")
	if len(parts) != 3 {
		return "", "", "", false
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", "", false
	}
	return string(decoded), Offset(parts[1]), Offset(parts[2]), true
}

// MatchETag reports whether an If-None-Match value exactly equals the
// freshly computed ETag for the same (path, start, end) triple.
func MatchETag(ifNoneMatch, computed string) bool {
	return ifNoneMatch != "" && ifNoneMatch == computed
}
