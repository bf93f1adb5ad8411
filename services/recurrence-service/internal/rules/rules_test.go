package rules

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWeeklyOccurrences(t *testing.T) {
	r := Rule{
		Frequency:       "weekly",
		Interval:        1,
		Weekdays:        []int{1, 3}, // Mon, Wed
		StartMinute:     600,         // 10:00
		DurationMinutes: 30,
		StartDate:       date(2026, time.March, 2), // a Monday
	}

	got := Occurrences(r, date(2026, time.March, 1), date(2026, time.March, 15))
	want := []time.Time{
		time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 9, 10, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if !got[i].Start.Equal(w) {
			t.Errorf("occurrence %d: expected %v, got %v", i, w, got[i].Start)
		}
	}
	if !got[0].End.Equal(got[0].Start.Add(30 * time.Minute)) {
		t.Errorf("expected 30 minute duration, got %v", got[0].End.Sub(got[0].Start))
	}
}

func TestBiweeklySkipsAlternateWeeks(t *testing.T) {
	r := Rule{
		Frequency:       "weekly",
		Interval:        2,
		Weekdays:        []int{2}, // Tue
		StartMinute:     540,
		DurationMinutes: 60,
		StartDate:       date(2026, time.March, 3), // a Tuesday
	}

	got := Occurrences(r, date(2026, time.March, 1), date(2026, time.April, 1))
	want := []time.Time{
		time.Date(2026, time.March, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 17, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 31, 9, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if !got[i].Start.Equal(w) {
			t.Errorf("occurrence %d: expected %v, got %v", i, w, got[i].Start)
		}
	}
}

func TestMonthlySkipsShortMonths(t *testing.T) {
	r := Rule{
		Frequency:       "monthly",
		Interval:        1,
		StartMinute:     720,
		DurationMinutes: 45,
		StartDate:       date(2026, time.January, 31),
	}

	got := Occurrences(r, date(2026, time.January, 1), date(2026, time.June, 1))
	// February and April have no 31st.
	want := []time.Time{
		time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2026, time.May, 31, 12, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if !got[i].Start.Equal(w) {
			t.Errorf("occurrence %d: expected %v, got %v", i, w, got[i].Start)
		}
	}
}

func TestOccurrencesHonorBounds(t *testing.T) {
	end := date(2026, time.March, 10)
	r := Rule{
		Frequency:       "weekly",
		Interval:        1,
		Weekdays:        []int{1},
		StartMinute:     600,
		DurationMinutes: 30,
		StartDate:       date(2026, time.March, 2),
		EndDate:         &end,
	}

	got := Occurrences(r, date(2026, time.February, 1), date(2026, time.May, 1))
	if len(got) != 2 {
		t.Fatalf("expected 2 occurrences inside [start_date, end_date], got %d: %v", len(got), got)
	}
	if !got[1].Start.Equal(time.Date(2026, time.March, 9, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected last occurrence %v", got[1].Start)
	}

	// Window entirely after end_date.
	if got := Occurrences(r, date(2026, time.April, 1), date(2026, time.May, 1)); len(got) != 0 {
		t.Errorf("expected no occurrences after end_date, got %v", got)
	}
}

func TestFromEventDefaultsInterval(t *testing.T) {
	raw := []byte(`{"rule_id":"r1","clinic_id":"c1","staff_id":"s1","patient_id":"p1","service_id":"svc1","frequency":"weekly","weekdays":[4],"start_minute":480,"duration_minutes":30,"start_date":"2026-03-05T00:00:00Z"}`)
	r, err := FromEvent(raw)
	if err != nil {
		t.Fatalf("FromEvent failed: %v", err)
	}
	if r.Interval != 1 {
		t.Errorf("expected interval default 1, got %d", r.Interval)
	}
	if !r.Active {
		t.Error("expected decoded rule to be active")
	}
	if r.ID != "r1" || r.ClinicID != "c1" {
		t.Errorf("unexpected identifiers: %+v", r)
	}
}
