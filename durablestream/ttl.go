package durablestream

import (
	"regexp"
	"time"
)

var ttlPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

// expiresAtPattern matches ISO 8601 with mandatory seconds and a mandatory Z
// or ±HH:MM offset, before we hand the string to time.Parse.
var expiresAtPattern = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// ParseTTLSeconds validates and parses a TTL header/field value. Only
// positive decimal integers are accepted, per the protocol.
func ParseTTLSeconds(s string) (int64, bool) {
	if !ttlPattern.MatchString(s) {
		return 0, false
	}
	var seconds int64
	for i := 0; i < len(s); i++ {
		seconds = seconds*10 + int64(s[i]-'0')
	}
	return seconds, true
}

// ParseExpiresAt validates and parses an absolute expiry timestamp. The
// string must match a strict ISO 8601 shape before it is handed to
// time.Parse, so "2024-10-09T00:00:00" (no offset) is rejected even though
// Go's RFC3339 parser would otherwise fail on its own terms.
func ParseExpiresAt(s string) (time.Time, bool) {
	if !expiresAtPattern.MatchString(s) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsExpired reports whether a stream created at createdAtMillis (ms since
// Unix epoch) with the given optional TTL/absolute-expiry has expired as of
// now. At most one of ttlSeconds/expiresAt is ever set by a well-formed
// create; both nil means no expiry.
func IsExpired(createdAtMillis int64, ttlSeconds *int64, expiresAt *time.Time, now time.Time) bool {
	if expiresAt != nil && !now.Before(*expiresAt) {
		return true
	}
	if ttlSeconds != nil {
		deadline := createdAtMillis + *ttlSeconds*1000
		if deadline <= now.UnixMilli() {
			return true
		}
	}
	return false
}
