package rules

import (
	"encoding/json"
	"time"
)

// Rule mirrors the recurrence rule event payload published by the
// scheduling service. Dates are UTC midnight; StartMinute is minutes
// from midnight on the occurrence day.
type Rule struct {
	ID              string
	ClinicID        string
	StaffID         string
	PatientID       string
	ServiceID       string
	Frequency       string
	Interval        int
	Weekdays        []int
	StartMinute     int
	DurationMinutes int
	StartDate       time.Time
	EndDate         *time.Time
	Active          bool

	// MaterializedThrough is how far ahead booking jobs exist for this
	// rule. The materializer only expands past it.
	MaterializedThrough time.Time
}

type eventPayload struct {
	RuleID          string     `json:"rule_id"`
	ClinicID        string     `json:"clinic_id"`
	StaffID         string     `json:"staff_id"`
	PatientID       string     `json:"patient_id"`
	ServiceID       string     `json:"service_id"`
	Frequency       string     `json:"frequency"`
	Interval        int        `json:"interval"`
	Weekdays        []int      `json:"weekdays,omitempty"`
	StartMinute     int        `json:"start_minute"`
	DurationMinutes int        `json:"duration_minutes"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         *time.Time `json:"end_date,omitempty"`
}

// FromEvent decodes a scheduling.recurrence_rule.created.v1 payload.
func FromEvent(raw []byte) (Rule, error) {
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Rule{}, err
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 1
	}
	return Rule{
		ID:              p.RuleID,
		ClinicID:        p.ClinicID,
		StaffID:         p.StaffID,
		PatientID:       p.PatientID,
		ServiceID:       p.ServiceID,
		Frequency:       p.Frequency,
		Interval:        interval,
		Weekdays:        p.Weekdays,
		StartMinute:     p.StartMinute,
		DurationMinutes: p.DurationMinutes,
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		Active:          true,
	}, nil
}

// Occurrence is one concrete slot expanded from a rule.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Occurrences expands the rule into slots with start times in [from, to).
// Weekly rules fire on the listed weekdays of every Interval-th week,
// counting weeks from the Monday-aligned week of StartDate. Monthly rules
// fire on StartDate's day of month every Interval-th month; months without
// that day are skipped rather than clamped. Slots before StartDate or on
// days after EndDate are never produced.
func Occurrences(r Rule, from, to time.Time) []Occurrence {
	if !to.After(from) || r.DurationMinutes <= 0 {
		return nil
	}

	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}

	var out []Occurrence
	emit := func(day time.Time) {
		start := day.Add(time.Duration(r.StartMinute) * time.Minute)
		if start.Before(from) || !start.Before(to) {
			return
		}
		if start.Before(r.StartDate) {
			return
		}
		if r.EndDate != nil && day.After(*r.EndDate) {
			return
		}
		out = append(out, Occurrence{
			Start: start,
			End:   start.Add(time.Duration(r.DurationMinutes) * time.Minute),
		})
	}

	switch r.Frequency {
	case "weekly":
		wanted := map[time.Weekday]bool{}
		for _, d := range r.Weekdays {
			if d >= 0 && d <= 6 {
				wanted[time.Weekday(d)] = true
			}
		}
		if len(wanted) == 0 {
			return nil
		}
		anchor := weekStart(r.StartDate)
		for day := dayOf(maxTime(r.StartDate, weekStart(from))); day.Before(to); day = day.AddDate(0, 0, 1) {
			if !wanted[day.Weekday()] {
				continue
			}
			weeks := int(day.Sub(anchor).Hours() / (24 * 7))
			if weeks%interval != 0 {
				continue
			}
			emit(day)
		}
	case "monthly":
		dom := r.StartDate.Day()
		year, month, _ := r.StartDate.UTC().Date()
		firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		for months := 0; ; months += interval {
			day := firstOfMonth.AddDate(0, months, dom-1)
			if !day.Before(to) {
				break
			}
			if r.EndDate != nil && day.After(*r.EndDate) {
				break
			}
			// AddDate normalizes day overflow into the next month; that
			// means this month has no such day.
			if day.Day() != dom {
				continue
			}
			emit(day)
		}
	}
	return out
}

// weekStart returns the Monday 00:00 UTC of t's week.
func weekStart(t time.Time) time.Time {
	d := dayOf(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
