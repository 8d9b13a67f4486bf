package replay

import (
	"math"
	"testing"
)

func TestPositionOrder(t *testing.T) {
	tests := []struct {
		a, b Position
		want int
	}{
		{Position{1, 0}, Position{1, 0}, 0},
		{Position{1, 0}, Position{1, 1}, -1},
		{Position{2, 0}, Position{1, 100}, +1},
		{PositionMin, Position{0, 1}, -1},
	}
	for _, tc := range tests {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Errorf("%v.Compare(%v) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPositionPrev(t *testing.T) {
	if got := (Position{5, 3}).Prev(); got != (Position{5, 2}) {
		t.Fatalf("unexpected prev %v", got)
	}
	got := (Position{5, 0}).Prev()
	if got.Seq != 4 || got.Step != math.MaxUint64 {
		t.Fatalf("unexpected prev across sequences %#v", got)
	}
	if !got.Less(Position{5, 0}) {
		t.Fatalf("prev does not precede its origin")
	}
	if PositionMin.Prev() != PositionMin {
		t.Fatalf("prev of the first position moved")
	}
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		in   string
		want Position
	}{
		{"1A:3", Position{0x1a, 3}},
		{"0x1a:0x3", Position{0x1a, 3}},
		{" 2F ", Position{0x2f, 0}},
	}
	for _, tc := range tests {
		got, err := ParsePosition(tc.in)
		if err != nil {
			t.Fatalf("ParsePosition(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParsePosition(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if back, _ := ParsePosition(got.String()); back != got {
			t.Errorf("String/ParsePosition mismatch for %v", got)
		}
	}
	for _, bad := range []string{"", "xyz", "1:zz"} {
		if _, err := ParsePosition(bad); err == nil {
			t.Errorf("ParsePosition(%q) succeeded", bad)
		}
	}
}

func TestWatchpointCovers(t *testing.T) {
	wp := Watchpoint{Addr: 0x1000, Size: 8, Kind: AccessWrite}
	if !wp.Covers(0x1004, 4) || !wp.Covers(0xffc, 8) {
		t.Fatal("overlapping ranges not covered")
	}
	if wp.Covers(0x1008, 4) || wp.Covers(0xff8, 8) {
		t.Fatal("adjacent ranges covered")
	}
	all := Watchpoint{Kind: AccessExecute}
	if !all.Covers(0x401000, 1) {
		t.Fatal("whole address space watchpoint missed an address")
	}
}
