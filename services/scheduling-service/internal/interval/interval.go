package interval

import (
	"errors"
	"time"
)

var (
	ErrInvalid          = errors.New("interval end must be after start")
	ErrNotMinuteAligned = errors.New("interval must start and end on whole minutes")
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// New validates the bounds. Appointments live on a whole-minute grid; times
// carrying seconds would slip past window edges once truncated to minutes, so
// they are rejected here rather than silently rounded.
func New(start, end time.Time) (Interval, error) {
	if !end.After(start) {
		return Interval{}, ErrInvalid
	}
	if !minuteAligned(start) || !minuteAligned(end) {
		return Interval{}, ErrNotMinuteAligned
	}
	return Interval{Start: start, End: end}, nil
}

func minuteAligned(t time.Time) bool {
	return t.Second() == 0 && t.Nanosecond() == 0
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether two half-open intervals share any instant.
// Back-to-back intervals (one ends exactly when the other starts) do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func OverlapsAny(iv Interval, others []Interval) bool {
	for _, o := range others {
		if iv.Overlaps(o) {
			return true
		}
	}
	return false
}
