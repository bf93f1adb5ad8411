package conflict

import (
	"testing"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2026, time.March, 2, h, m, 0, 0, time.UTC)
}

func scheduled(id, staffID, patientID, serviceID string, start, end time.Time) model.Appointment {
	return model.Appointment{
		ID:        id,
		StaffID:   staffID,
		PatientID: patientID,
		ServiceID: serviceID,
		StartTime: start,
		EndTime:   end,
		Status:    model.StatusScheduled,
	}
}

func TestDetectStaffDoubleBooked(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-checkup", at(9, 0), at(10, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-2",
		ServiceID: "svc-checkup",
		Span:      interval.Interval{Start: at(9, 30), End: at(10, 30)},
		Capacity:  1,
	}
	reason, found := Detect(c, existing)
	if !found || reason != ReasonStaffDoubleBooked {
		t.Fatalf("got (%v,%v), want staff_double_booked", reason, found)
	}
}

func TestDetectPatientDoubleBookedAcrossStaff(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-checkup", at(9, 0), at(10, 0)),
	}
	c := Candidate{
		StaffID:   "dr-kim",
		PatientID: "pat-1",
		ServiceID: "svc-physio",
		Span:      interval.Interval{Start: at(9, 0), End: at(9, 30)},
		Capacity:  1,
	}
	reason, found := Detect(c, existing)
	if !found || reason != ReasonPatientDoubleBooked {
		t.Fatalf("got (%v,%v), want patient_double_booked", reason, found)
	}
}

func TestDetectBackToBackIsFree(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-checkup", at(9, 0), at(10, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-2",
		ServiceID: "svc-checkup",
		Span:      interval.Interval{Start: at(10, 0), End: at(11, 0)},
		Capacity:  1,
	}
	if reason, found := Detect(c, existing); found {
		t.Fatalf("back-to-back should not conflict, got %v", reason)
	}
}

func TestDetectExcludesOwnID(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-checkup", at(9, 0), at(10, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-1",
		ServiceID: "svc-checkup",
		Span:      interval.Interval{Start: at(9, 15), End: at(10, 15)},
		ExcludeID: "a1",
		Capacity:  1,
	}
	if reason, found := Detect(c, existing); found {
		t.Fatalf("reschedule must not collide with itself, got %v", reason)
	}
}

func TestDetectGroupSessionSharesSlot(t *testing.T) {
	slotStart, slotEnd := at(14, 0), at(15, 0)
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-group", slotStart, slotEnd),
		scheduled("a2", "dr-lee", "pat-2", "svc-group", slotStart, slotEnd),
	}

	// Third participant fits in a capacity-3 group.
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-3",
		ServiceID: "svc-group",
		Span:      interval.Interval{Start: slotStart, End: slotEnd},
		Capacity:  3,
	}
	if reason, found := Detect(c, existing); found {
		t.Fatalf("capacity 3 with 2 groupmates should fit, got %v", reason)
	}

	// Fourth participant would exceed capacity 3.
	existing = append(existing, scheduled("a3", "dr-lee", "pat-3", "svc-group", slotStart, slotEnd))
	c.PatientID = "pat-4"
	reason, found := Detect(c, existing)
	if !found || reason != ReasonCapacityExceeded {
		t.Fatalf("got (%v,%v), want capacity_exceeded", reason, found)
	}
}

func TestDetectGroupExceptionRequiresExactSlot(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-group", at(14, 0), at(15, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-2",
		ServiceID: "svc-group",
		Span:      interval.Interval{Start: at(14, 30), End: at(15, 30)},
		Capacity:  3,
	}
	reason, found := Detect(c, existing)
	if !found || reason != ReasonStaffDoubleBooked {
		t.Fatalf("partial overlap must not use the group exception, got (%v,%v)", reason, found)
	}
}

func TestDetectGroupExceptionRequiresSameService(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-group", at(14, 0), at(15, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-2",
		ServiceID: "svc-other",
		Span:      interval.Interval{Start: at(14, 0), End: at(15, 0)},
		Capacity:  3,
	}
	reason, found := Detect(c, existing)
	if !found || reason != ReasonStaffDoubleBooked {
		t.Fatalf("different service must not share a group slot, got (%v,%v)", reason, found)
	}
}

func TestDetectSamePatientTwiceInGroup(t *testing.T) {
	existing := []model.Appointment{
		scheduled("a1", "dr-lee", "pat-1", "svc-group", at(14, 0), at(15, 0)),
	}
	c := Candidate{
		StaffID:   "dr-lee",
		PatientID: "pat-1",
		ServiceID: "svc-group",
		Span:      interval.Interval{Start: at(14, 0), End: at(15, 0)},
		Capacity:  5,
	}
	reason, found := Detect(c, existing)
	if !found || reason != ReasonPatientDoubleBooked {
		t.Fatalf("same patient joining a group twice must conflict, got (%v,%v)", reason, found)
	}
}
