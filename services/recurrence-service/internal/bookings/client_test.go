package bookings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBookOutcomes(t *testing.T) {
	var gotClinic, gotRule, gotIdemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClinic = r.Header.Get("X-Clinic-Id")
		gotIdemKey = r.Header.Get("X-Idempotency-Key")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotRule, _ = body["rule_id"].(string)

		switch body["staff_id"] {
		case "busy":
			http.Error(w, "staff is double booked", http.StatusConflict)
		case "closed":
			http.Error(w, "outside working hours", http.StatusUnprocessableEntity)
		case "down":
			http.Error(w, "oops", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"appointment_id": "appt-1"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	params := BookParams{
		ClinicID:       "clinic-1",
		StaffID:        "dr-lee",
		PatientID:      "pat-1",
		ServiceID:      "svc-1",
		Start:          time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
		End:            time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC),
		RuleID:         "rule-1",
		IdempotencyKey: "rule-1|2026-03-02T10:00:00Z",
	}

	res, err := c.Book(context.Background(), params)
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if res.Outcome != Booked || res.AppointmentID != "appt-1" {
		t.Fatalf("expected booked appt-1, got %+v", res)
	}
	if gotClinic != "clinic-1" {
		t.Errorf("expected clinic header clinic-1, got %q", gotClinic)
	}
	if gotRule != "rule-1" {
		t.Errorf("expected rule_id rule-1 in body, got %q", gotRule)
	}
	if gotIdemKey != "rule-1|2026-03-02T10:00:00Z" {
		t.Errorf("expected idempotency key header, got %q", gotIdemKey)
	}

	params.StaffID = "busy"
	res, err = c.Book(context.Background(), params)
	if err != nil || res.Outcome != Rejected {
		t.Fatalf("expected rejected on 409, got %+v err=%v", res, err)
	}

	params.StaffID = "closed"
	res, err = c.Book(context.Background(), params)
	if err != nil || res.Outcome != Rejected {
		t.Fatalf("expected rejected on 422, got %+v err=%v", res, err)
	}

	params.StaffID = "down"
	res, err = c.Book(context.Background(), params)
	if err != nil || res.Outcome != Failed {
		t.Fatalf("expected failed on 500, got %+v err=%v", res, err)
	}
}
