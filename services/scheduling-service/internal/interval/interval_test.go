package interval

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, time.March, 2, h, m, 0, 0, time.UTC)
}

func TestNewRejectsEmptyAndInverted(t *testing.T) {
	if _, err := New(at(10, 0), at(10, 0)); err == nil {
		t.Fatal("expected zero-length interval to be rejected")
	}
	if _, err := New(at(11, 0), at(10, 0)); err == nil {
		t.Fatal("expected inverted interval to be rejected")
	}
	if _, err := New(at(10, 0), at(10, 30)); err != nil {
		t.Fatalf("valid interval rejected: %v", err)
	}
}

func TestNewRejectsSubMinutePrecision(t *testing.T) {
	if _, err := New(at(16, 30).Add(30*time.Second), at(17, 0).Add(30*time.Second)); err != ErrNotMinuteAligned {
		t.Fatalf("got %v, want ErrNotMinuteAligned for second-offset bounds", err)
	}
	if _, err := New(at(16, 30), at(17, 0).Add(30*time.Second)); err != ErrNotMinuteAligned {
		t.Fatalf("got %v, want ErrNotMinuteAligned for second-offset end", err)
	}
	if _, err := New(at(16, 30), at(17, 0).Add(time.Nanosecond)); err != ErrNotMinuteAligned {
		t.Fatalf("got %v, want ErrNotMinuteAligned for nanosecond-offset end", err)
	}
}

func TestOverlapsHalfOpen(t *testing.T) {
	cases := []struct {
		name string
		a, b Interval
		want bool
	}{
		{"identical", Interval{at(9, 0), at(10, 0)}, Interval{at(9, 0), at(10, 0)}, true},
		{"partial", Interval{at(9, 0), at(10, 0)}, Interval{at(9, 30), at(10, 30)}, true},
		{"contained", Interval{at(9, 0), at(12, 0)}, Interval{at(10, 0), at(11, 0)}, true},
		{"back to back", Interval{at(9, 0), at(10, 0)}, Interval{at(10, 0), at(11, 0)}, false},
		{"back to back reversed", Interval{at(10, 0), at(11, 0)}, Interval{at(9, 0), at(10, 0)}, false},
		{"disjoint", Interval{at(9, 0), at(10, 0)}, Interval{at(13, 0), at(14, 0)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Overlaps(tc.b); got != tc.want {
				t.Fatalf("Overlaps = %v, want %v", got, tc.want)
			}
			if got := tc.b.Overlaps(tc.a); got != tc.want {
				t.Fatalf("Overlaps not symmetric: %v, want %v", got, tc.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	iv := Interval{at(9, 0), at(10, 0)}
	if !iv.Contains(at(9, 0)) {
		t.Fatal("start instant should be contained")
	}
	if iv.Contains(at(10, 0)) {
		t.Fatal("end instant should not be contained")
	}
}

func TestOverlapsAny(t *testing.T) {
	busy := []Interval{
		{at(9, 0), at(10, 0)},
		{at(11, 0), at(12, 0)},
	}
	if OverlapsAny(Interval{at(10, 0), at(11, 0)}, busy) {
		t.Fatal("gap between busy intervals should be free")
	}
	if !OverlapsAny(Interval{at(11, 30), at(12, 30)}, busy) {
		t.Fatal("expected overlap with second busy interval")
	}
}
