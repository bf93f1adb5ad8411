package conflict

import (
	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
)

type Reason string

const (
	ReasonStaffDoubleBooked   Reason = "staff_double_booked"
	ReasonPatientDoubleBooked Reason = "patient_double_booked"
	ReasonCapacityExceeded    Reason = "capacity_exceeded"
)

// Candidate is a prospective booking to test against existing appointments.
// ExcludeID skips one appointment id, so a reschedule does not collide with
// itself. Capacity comes from the service definition; values above 1 allow
// group sessions.
type Candidate struct {
	StaffID   string
	PatientID string
	ServiceID string
	Span      interval.Interval
	ExcludeID string
	Capacity  int
}

// Detect tests the candidate against existing scheduled appointments and
// returns the first blocking reason found. Terminal appointments never
// conflict and must be filtered out by the caller's query.
//
// An overlap with the same staff member is normally a conflict. The one
// exception is a group session: same service, capacity above one, and the
// exact same time span. Those share the slot until capacity is reached.
// A patient overlap is always a conflict, group session or not.
func Detect(c Candidate, existing []model.Appointment) (Reason, bool) {
	groupmates := 0
	for _, appt := range existing {
		if appt.ID == c.ExcludeID || appt.Status != model.StatusScheduled {
			continue
		}
		span := interval.Interval{Start: appt.StartTime, End: appt.EndTime}
		if !c.Span.Overlaps(span) {
			continue
		}

		if appt.PatientID == c.PatientID {
			return ReasonPatientDoubleBooked, true
		}
		if appt.StaffID != c.StaffID {
			continue
		}

		sameSlot := appt.StartTime.Equal(c.Span.Start) && appt.EndTime.Equal(c.Span.End)
		if c.Capacity > 1 && appt.ServiceID == c.ServiceID && sameSlot {
			groupmates++
			continue
		}
		return ReasonStaffDoubleBooked, true
	}

	if c.Capacity > 1 && groupmates >= c.Capacity {
		return ReasonCapacityExceeded, true
	}
	return "", false
}
