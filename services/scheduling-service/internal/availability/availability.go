package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
)

const minutesPerDay = 24 * 60

var (
	ErrSpansMidnight = errors.New("interval spans midnight")
	ErrOutsideHours  = errors.New("interval is outside working hours")
	ErrExcluded      = errors.New("interval falls on an availability exclusion")
)

// Window is a half-open [StartMinute, EndMinute) range within a single day,
// in minutes from midnight. EndMinute may be 1440 (end of day).
type Window struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w Window) Validate() error {
	if w.StartMinute < 0 || w.EndMinute > minutesPerDay || w.StartMinute >= w.EndMinute {
		return fmt.Errorf("invalid window [%d,%d)", w.StartMinute, w.EndMinute)
	}
	return nil
}

// WeeklyTemplate holds a staff member's working windows per weekday.
// A weekday with no entry means no availability that day.
type WeeklyTemplate map[time.Weekday][]Window

func (t WeeklyTemplate) Validate() error {
	for day, windows := range t {
		for _, w := range windows {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("%s: %w", day, err)
			}
		}
		sorted := normalize(windows)
		for i := 1; i < len(sorted); i++ {
			if sorted[i].StartMinute < sorted[i-1].EndMinute {
				return fmt.Errorf("%s: windows overlap", day)
			}
		}
	}
	return nil
}

// Exclusion blocks time on a specific date. A nil Window blocks the whole day.
type Exclusion struct {
	Date   string  `json:"date"` // YYYY-MM-DD in the clinic timezone
	Window *Window `json:"window,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Resolve reports whether the candidate interval lies inside the template's
// working windows for its date and clear of exclusions. The interval must not
// cross midnight in loc; an end at exactly midnight counts as end of day.
func Resolve(t WeeklyTemplate, exclusions []Exclusion, iv interval.Interval, loc *time.Location) error {
	date, startMin, endMin, err := minuteSpan(iv, loc)
	if err != nil {
		return err
	}

	day := iv.Start.In(loc).Weekday()
	if !covered(merge(normalize(t[day])), startMin, endMin) {
		return ErrOutsideHours
	}

	for _, ex := range exclusions {
		if ex.Date != date {
			continue
		}
		if ex.Window == nil {
			return ErrExcluded
		}
		if startMin < ex.Window.EndMinute && ex.Window.StartMinute < endMin {
			return ErrExcluded
		}
	}
	return nil
}

// WindowsOn returns the template windows applying on the given date, with the
// date's exclusions carved out. Used for slot listing.
func WindowsOn(t WeeklyTemplate, exclusions []Exclusion, date time.Time) []Window {
	windows := merge(normalize(t[date.Weekday()]))
	day := date.Format("2006-01-02")
	for _, ex := range exclusions {
		if ex.Date != day {
			continue
		}
		if ex.Window == nil {
			return nil
		}
		windows = subtract(windows, *ex.Window)
	}
	return windows
}

func minuteSpan(iv interval.Interval, loc *time.Location) (date string, startMin, endMin int, err error) {
	start := iv.Start.In(loc)
	end := iv.End.In(loc)

	startMin = start.Hour()*60 + start.Minute()
	date = start.Format("2006-01-02")

	endDate := end.Format("2006-01-02")
	switch {
	case endDate == date:
		endMin = end.Hour()*60 + end.Minute()
	case end.Hour() == 0 && end.Minute() == 0 && end.AddDate(0, 0, -1).Format("2006-01-02") == date:
		endMin = minutesPerDay
	default:
		return "", 0, 0, ErrSpansMidnight
	}
	return date, startMin, endMin, nil
}

func covered(windows []Window, startMin, endMin int) bool {
	for _, w := range windows {
		if startMin >= w.StartMinute && endMin <= w.EndMinute {
			return true
		}
	}
	return false
}

func normalize(windows []Window) []Window {
	out := make([]Window, len(windows))
	copy(out, windows)
	sort.Slice(out, func(i, j int) bool { return out[i].StartMinute < out[j].StartMinute })
	return out
}

// merge collapses touching or overlapping windows so a candidate spanning two
// adjacent windows still counts as covered.
func merge(sorted []Window) []Window {
	if len(sorted) == 0 {
		return nil
	}
	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if w.StartMinute <= last.EndMinute {
			if w.EndMinute > last.EndMinute {
				last.EndMinute = w.EndMinute
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

func subtract(windows []Window, block Window) []Window {
	var out []Window
	for _, w := range windows {
		if block.EndMinute <= w.StartMinute || w.EndMinute <= block.StartMinute {
			out = append(out, w)
			continue
		}
		if block.StartMinute > w.StartMinute {
			out = append(out, Window{StartMinute: w.StartMinute, EndMinute: block.StartMinute})
		}
		if block.EndMinute < w.EndMinute {
			out = append(out, Window{StartMinute: block.EndMinute, EndMinute: w.EndMinute})
		}
	}
	return out
}
