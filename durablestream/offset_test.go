package durablestream

import "testing"

func TestParseOffset(t *testing.T) {
	tests := []struct {
		name    string
		offset  Offset
		wantSeq uint64
		wantPos uint64
		wantOK  bool
	}{
		{"zero", ZeroOffset, 0, 0, true},
		{"sentinel", Offset("-1"), 0, 0, true},
		{"nonzero", Offset("0000000000000001_000000000000002a"), 1, 42, true},
		{"uppercase hex rejected", Offset("0000000000000001_000000000000002A"), 0, 0, false},
		{"missing underscore", Offset("00000000000000010000000000000002"), 0, 0, false},
		{"too short", Offset("1_2"), 0, 0, false},
		{"garbage seq", Offset("zzzzzzzzzzzzzzzz_0000000000000000"), 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seq, pos, ok := ParseOffset(tc.offset)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if seq != tc.wantSeq || pos != tc.wantPos {
				t.Fatalf("got (%d, %d), want (%d, %d)", seq, pos, tc.wantSeq, tc.wantPos)
			}
		})
	}
}

func TestFormatOffsetRoundTrip(t *testing.T) {
	o := FormatOffset(3, 1024)
	seq, pos, ok := ParseOffset(o)
	if !ok {
		t.Fatalf("ParseOffset(%q) failed", o)
	}
	if seq != 3 || pos != 1024 {
		t.Fatalf("got (%d, %d), want (3, 1024)", seq, pos)
	}
	if len(string(o)) != offsetHalfWidth*2+1 {
		t.Fatalf("offset %q has unexpected length %d", o, len(string(o)))
	}
}

func TestIsValidOffset(t *testing.T) {
	if !IsValidOffset("-1") {
		t.Fatal("sentinel should be valid")
	}
	if !IsValidOffset(string(ZeroOffset)) {
		t.Fatal("zero offset should be valid")
	}
	if IsValidOffset("not-an-offset") {
		t.Fatal("garbage should be invalid")
	}
	if IsValidOffset("0000000000000000_000000000000000") {
		t.Fatal("short byte-position half should be invalid")
	}
}

func TestNormalizeOffset(t *testing.T) {
	if got := NormalizeOffset("-1"); got != ZeroOffset {
		t.Fatalf("NormalizeOffset(-1) = %q, want %q", got, ZeroOffset)
	}
	other := FormatOffset(5, 5)
	if got := NormalizeOffset(other); got != other {
		t.Fatalf("NormalizeOffset(%q) = %q, want unchanged", other, got)
	}
}

func TestOffsetCompare(t *testing.T) {
	a := FormatOffset(1, 100)
	b := FormatOffset(1, 200)
	c := FormatOffset(2, 0)

	if a.Compare(a) != 0 {
		t.Fatal("offset should equal itself")
	}
	if a.Compare(b) >= 0 {
		t.Fatal("a should sort before b (same seq, lower pos)")
	}
	if b.Compare(c) >= 0 {
		t.Fatal("b should sort before c (lower seq)")
	}
	if c.Compare(a) <= 0 {
		t.Fatal("c should sort after a")
	}
}

func TestOffsetAdvanceAndIncrementSeq(t *testing.T) {
	o := FormatOffset(1, 100)
	advanced := o.Advance(50)
	if seq, pos, _ := ParseOffset(advanced); seq != 1 || pos != 150 {
		t.Fatalf("Advance got (%d, %d), want (1, 150)", seq, pos)
	}

	bumped := o.IncrementSeq()
	if seq, pos, _ := ParseOffset(bumped); seq != 2 || pos != 100 {
		t.Fatalf("IncrementSeq got (%d, %d), want (2, 100)", seq, pos)
	}
}

func TestOffsetIsZero(t *testing.T) {
	if !ZeroOffset.IsZero() {
		t.Fatal("ZeroOffset.IsZero() should be true")
	}
	if FormatOffset(0, 1).IsZero() {
		t.Fatal("nonzero offset should not report IsZero")
	}
}

func TestOffsetSeqAndPos(t *testing.T) {
	o := FormatOffset(7, 9)
	if o.Seq() != 7 {
		t.Fatalf("Seq() = %d, want 7", o.Seq())
	}
	if o.Pos() != 9 {
		t.Fatalf("Pos() = %d, want 9", o.Pos())
	}
}
