package main

import (
	"strings"
	"testing"
	"time"
)

func TestMessageFor(t *testing.T) {
	appt := appointmentPayload{
		AppointmentID: "appt-1",
		StartTime:     time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		EndTime:       time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC),
	}

	subject, body := messageFor("booked", appt, "Ana", "Dr. Lee")
	if subject != "Appointment confirmed" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "Ana") || !strings.Contains(body, "Dr. Lee") {
		t.Errorf("body missing names: %q", body)
	}
	if !strings.Contains(body, "Monday, 2 March 2026") {
		t.Errorf("body missing date: %q", body)
	}

	appt.CancelReason = "patient request"
	_, body = messageFor("cancelled", appt, "Ana", "Dr. Lee")
	if !strings.Contains(body, "cancelled") || !strings.Contains(body, "patient request") {
		t.Errorf("cancellation body incomplete: %q", body)
	}
}
