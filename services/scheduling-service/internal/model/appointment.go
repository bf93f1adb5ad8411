package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s != StatusScheduled
}

// CanTransitionTo reports whether s -> next is a legal move. Only scheduled
// appointments move, and only into a terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusScheduled && next.Terminal()
}

type Appointment struct {
	ID        string
	ClinicID  string
	StaffID   string
	PatientID string
	ServiceID string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
	// GroupSession marks appointments for services with capacity above one.
	// The storage-level staff no-overlap constraint skips these rows; the
	// staff row lock serializes their capacity accounting instead.
	GroupSession bool
	RuleID       string // recurrence rule this appointment was materialized from, if any
	Notes        string
	CancelReason string
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecurrenceRule describes a repeating appointment series. Materialization
// into concrete appointments happens out of process.
type RecurrenceRule struct {
	ID              string
	ClinicID        string
	StaffID         string
	PatientID       string
	ServiceID       string
	Frequency       string // weekly or monthly
	Interval        int    // every N weeks/months
	Weekdays        []time.Weekday
	StartMinute     int
	DurationMinutes int
	StartDate       time.Time
	EndDate         *time.Time
	Active          bool
	CreatedAt       time.Time
}
