package durablestream

import (
	"testing"
	"time"
)

func TestParseTTLSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantOK  bool
	}{
		{"60", 60, true},
		{"1", 1, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"abc", 0, false},
		{"", 0, false},
		{"007", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseTTLSeconds(tc.in)
		if ok != tc.wantOK {
			t.Errorf("ParseTTLSeconds(%q) ok = %v, want %v", tc.in, ok, tc.wantOK)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("ParseTTLSeconds(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseExpiresAt(t *testing.T) {
	tests := []struct {
		in     string
		wantOK bool
	}{
		{"2024-10-09T00:00:00Z", true},
		{"2024-10-09T00:00:00.123Z", true},
		{"2024-10-09T00:00:00+02:00", true},
		{"2024-10-09T00:00:00", false},
		{"2024-10-09", false},
		{"not-a-date", false},
	}
	for _, tc := range tests {
		_, ok := ParseExpiresAt(tc.in)
		if ok != tc.wantOK {
			t.Errorf("ParseExpiresAt(%q) ok = %v, want %v", tc.in, ok, tc.wantOK)
		}
	}
}

func TestIsExpiredByAbsoluteExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if !IsExpired(0, nil, &past, now) {
		t.Fatal("expected expired when expiresAt is in the past")
	}
	if IsExpired(0, nil, &future, now) {
		t.Fatal("expected not expired when expiresAt is in the future")
	}
	if !IsExpired(0, nil, &now, now) {
		t.Fatal("expiresAt exactly at now should count as expired")
	}
}

func TestIsExpiredByTTL(t *testing.T) {
	createdAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	ttl := int64(60)

	beforeDeadline := time.UnixMilli(createdAt + 59_000)
	atDeadline := time.UnixMilli(createdAt + 60_000)

	if IsExpired(createdAt, &ttl, nil, beforeDeadline) {
		t.Fatal("should not be expired before the deadline")
	}
	if !IsExpired(createdAt, &ttl, nil, atDeadline) {
		t.Fatal("should be expired at the deadline")
	}
}

func TestIsExpiredNoExpiry(t *testing.T) {
	if IsExpired(0, nil, nil, time.Now()) {
		t.Fatal("a stream with no TTL or ExpiresAt never expires")
	}
}
