package availability

import (
	"errors"
	"testing"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
)

var weekdays = WeeklyTemplate{
	// Monday 09:00-12:00 and 13:00-17:00.
	time.Monday: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 780, EndMinute: 1020}},
	// Tuesday 09:00-17:00 as two touching windows.
	time.Tuesday: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 720, EndMinute: 1020}},
}

func monday(h, m int) time.Time {
	// 2026-03-02 is a Monday.
	return time.Date(2026, time.March, 2, h, m, 0, 0, time.UTC)
}

func span(start, end time.Time) interval.Interval {
	iv, err := interval.New(start, end)
	if err != nil {
		panic(err)
	}
	return iv
}

func TestResolveInsideWindow(t *testing.T) {
	iv := span(monday(9, 0), monday(9, 30))
	if err := Resolve(weekdays, nil, iv, time.UTC); err != nil {
		t.Fatalf("expected available, got %v", err)
	}
}

func TestResolveOutsideHours(t *testing.T) {
	cases := []struct {
		name string
		iv   interval.Interval
	}{
		{"before opening", span(monday(8, 0), monday(8, 30))},
		{"straddles lunch gap", span(monday(11, 30), monday(13, 30))},
		{"after closing", span(monday(17, 0), monday(18, 0))},
		{"sunday", span(monday(9, 0).AddDate(0, 0, -1), monday(10, 0).AddDate(0, 0, -1))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Resolve(weekdays, nil, tc.iv, time.UTC); !errors.Is(err, ErrOutsideHours) {
				t.Fatalf("got %v, want ErrOutsideHours", err)
			}
		})
	}
}

func TestResolveTouchingWindowsAreContinuous(t *testing.T) {
	// Tuesday's windows touch at 12:00; a booking across the seam is fine.
	iv := span(monday(11, 0).AddDate(0, 0, 1), monday(13, 0).AddDate(0, 0, 1))
	if err := Resolve(weekdays, nil, iv, time.UTC); err != nil {
		t.Fatalf("expected seam of touching windows to be available, got %v", err)
	}
}

func TestResolveSpansMidnight(t *testing.T) {
	iv := span(monday(23, 0), monday(1, 0).AddDate(0, 0, 1))
	if err := Resolve(weekdays, nil, iv, time.UTC); !errors.Is(err, ErrSpansMidnight) {
		t.Fatalf("got %v, want ErrSpansMidnight", err)
	}
}

func TestResolveEndAtMidnight(t *testing.T) {
	allDay := WeeklyTemplate{time.Monday: {{StartMinute: 0, EndMinute: 1440}}}
	iv := span(monday(23, 0), monday(0, 0).AddDate(0, 0, 1))
	if err := Resolve(allDay, nil, iv, time.UTC); err != nil {
		t.Fatalf("end at midnight should count as end of day, got %v", err)
	}
}

func TestResolveExclusions(t *testing.T) {
	fullDay := []Exclusion{{Date: "2026-03-02", Reason: "public holiday"}}
	iv := span(monday(9, 0), monday(9, 30))
	if err := Resolve(weekdays, fullDay, iv, time.UTC); !errors.Is(err, ErrExcluded) {
		t.Fatalf("got %v, want ErrExcluded for full-day exclusion", err)
	}

	partial := []Exclusion{{Date: "2026-03-02", Window: &Window{StartMinute: 600, EndMinute: 660}}}
	if err := Resolve(weekdays, partial, iv, time.UTC); err != nil {
		t.Fatalf("booking before partial exclusion should pass, got %v", err)
	}
	inside := span(monday(10, 0), monday(10, 30))
	if err := Resolve(weekdays, partial, inside, time.UTC); !errors.Is(err, ErrExcluded) {
		t.Fatalf("got %v, want ErrExcluded for partial exclusion", err)
	}

	otherDate := []Exclusion{{Date: "2026-03-03", Window: &Window{StartMinute: 540, EndMinute: 1020}}}
	if err := Resolve(weekdays, otherDate, iv, time.UTC); err != nil {
		t.Fatalf("exclusion on a different date must not apply, got %v", err)
	}
}

func TestWindowsOnSubtractsExclusions(t *testing.T) {
	date := monday(0, 0)
	got := WindowsOn(weekdays, []Exclusion{
		{Date: "2026-03-02", Window: &Window{StartMinute: 600, EndMinute: 660}},
	}, date)
	want := []Window{
		{StartMinute: 540, EndMinute: 600},
		{StartMinute: 660, EndMinute: 720},
		{StartMinute: 780, EndMinute: 1020},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if got := WindowsOn(weekdays, []Exclusion{{Date: "2026-03-02"}}, date); got != nil {
		t.Fatalf("full-day exclusion should leave no windows, got %v", got)
	}
}

func TestTemplateValidate(t *testing.T) {
	bad := WeeklyTemplate{time.Monday: {{StartMinute: 540, EndMinute: 500}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected inverted window to fail validation")
	}
	overlapping := WeeklyTemplate{time.Monday: {{StartMinute: 540, EndMinute: 720}, {StartMinute: 700, EndMinute: 800}}}
	if err := overlapping.Validate(); err == nil {
		t.Fatal("expected overlapping windows to fail validation")
	}
	if err := weekdays.Validate(); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}
}
