package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/availability"
	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
	"github.com/medsched/medsched/services/scheduling-service/internal/scheduler"
)

// Minimal in-memory Store/Directory fakes; transaction isolation is covered
// by the storage layer, these exercise the HTTP surface.

type stubStore struct {
	appts  map[string]model.Appointment
	idem   map[string]string
	events int
}

func (s *stubStore) Begin(context.Context) (scheduler.Tx, error) { return &stubTx{s: s}, nil }

func (s *stubStore) Get(_ context.Context, clinicID, id string) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok || appt.ClinicID != clinicID {
		return model.Appointment{}, scheduler.ErrNotFound
	}
	return appt, nil
}

func (s *stubStore) ListRange(_ context.Context, q scheduler.RangeQuery) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.ClinicID != q.ClinicID {
			continue
		}
		if q.StaffID != "" && appt.StaffID != q.StaffID {
			continue
		}
		if !q.From.IsZero() && !appt.EndTime.After(q.From) {
			continue
		}
		if !q.To.IsZero() && !appt.StartTime.Before(q.To) {
			continue
		}
		if len(q.Statuses) > 0 {
			ok := false
			for _, st := range q.Statuses {
				if appt.Status == st {
					ok = true
				}
			}
			if !ok {
				continue
			}
		}
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *stubStore) ListScheduledOverlapping(_ context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range s.appts {
		if appt.ClinicID != clinicID || appt.Status != model.StatusScheduled {
			continue
		}
		if appt.StaffID != staffID && appt.PatientID != patientID {
			continue
		}
		if iv.Overlaps(interval.Interval{Start: appt.StartTime, End: appt.EndTime}) {
			out = append(out, appt)
		}
	}
	return out, nil
}

type stubTx struct {
	s *stubStore
}

func (t *stubTx) LockStaff(context.Context, string, string) error { return nil }

func (t *stubTx) LockIdempotencyKey(_ context.Context, clinicID, key string) (string, bool, error) {
	k := clinicID + "|" + key
	if id, ok := t.s.idem[k]; ok {
		return id, true, nil
	}
	t.s.idem[k] = ""
	return "", false, nil
}

func (t *stubTx) FinalizeIdempotency(_ context.Context, clinicID, key, appointmentID string) error {
	t.s.idem[clinicID+"|"+key] = appointmentID
	return nil
}

func (t *stubTx) ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	return t.s.ListScheduledOverlapping(ctx, clinicID, staffID, patientID, iv)
}

func (t *stubTx) Insert(_ context.Context, appt *model.Appointment) error {
	t.s.appts[appt.ID] = *appt
	return nil
}

func (t *stubTx) GetForUpdate(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	return t.s.Get(ctx, clinicID, id)
}

func (t *stubTx) UpdateSlot(_ context.Context, appt model.Appointment) error {
	t.s.appts[appt.ID] = appt
	return nil
}

func (t *stubTx) SetStatus(_ context.Context, clinicID, id string, status model.Status, reason string, at time.Time) error {
	appt := t.s.appts[id]
	appt.Status = status
	if status == model.StatusCancelled {
		appt.CancelReason = reason
		appt.CancelledAt = &at
	}
	t.s.appts[id] = appt
	return nil
}

func (t *stubTx) Delete(_ context.Context, _, id string) error {
	delete(t.s.appts, id)
	return nil
}

func (t *stubTx) CountScheduledBetween(context.Context, string, time.Time, time.Time) (int, error) {
	return 0, nil
}

func (t *stubTx) InsertRule(context.Context, *model.RecurrenceRule) error { return nil }

func (t *stubTx) InsertEvent(context.Context, string, string, []byte) error {
	t.s.events++
	return nil
}

func (t *stubTx) Commit(context.Context) error   { return nil }
func (t *stubTx) Rollback(context.Context) error { return nil }

type stubDirectory struct{}

func (stubDirectory) Staff(_ context.Context, _, staffID string) (scheduler.Staff, error) {
	if staffID != "dr-lee" {
		return scheduler.Staff{}, fmt.Errorf("staff %s: %w", staffID, scheduler.ErrNotFound)
	}
	return scheduler.Staff{ID: staffID, Active: true}, nil
}

func (stubDirectory) Patient(_ context.Context, _, patientID string) (scheduler.Patient, error) {
	return scheduler.Patient{ID: patientID, Active: true}, nil
}

func (stubDirectory) Service(_ context.Context, _, serviceID string) (scheduler.Service, error) {
	return scheduler.Service{ID: serviceID, DurationMinutes: 30, Capacity: 1}, nil
}

func (stubDirectory) Template(context.Context, string, string) (availability.WeeklyTemplate, error) {
	t := availability.WeeklyTemplate{}
	for day := time.Monday; day <= time.Friday; day++ {
		t[day] = []availability.Window{{StartMinute: 540, EndMinute: 1020}}
	}
	return t, nil
}

func (stubDirectory) Exclusions(context.Context, string, string, time.Time, time.Time) ([]availability.Exclusion, error) {
	return nil, nil
}

type stubEntitlements struct{}

func (stubEntitlements) MaxMonthlyAppointments(context.Context, string) (int, error) { return 0, nil }

func newTestMux(t *testing.T) (*http.ServeMux, *stubStore) {
	return newTestMuxAt(t, time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
}

func newTestMuxAt(t *testing.T, now time.Time) (*http.ServeMux, *stubStore) {
	t.Helper()
	store := &stubStore{appts: map[string]model.Appointment{}, idem: map[string]string{}}
	logger := slog.New(slog.DiscardHandler)
	sched := scheduler.New(store, stubDirectory{}, stubEntitlements{}, logger).WithClock(func() time.Time {
		return now
	})
	h := NewSchedulingHandler(sched, stubDirectory{}, logger)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, store
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Clinic-Id", "clinic-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func bookBody(staff, patient string, start string) map[string]string {
	return map[string]string{
		"staff_id":   staff,
		"patient_id": patient,
		"service_id": "svc-checkup",
		"start_time": start,
	}
}

func TestBookEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AppointmentID string `json:"appointment_id"`
		EndTime       string `json:"end_time"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AppointmentID == "" {
		t.Fatal("missing appointment_id")
	}
	if resp.EndTime != "2026-03-02T10:30:00Z" {
		t.Fatalf("end_time = %s, want computed 10:30", resp.EndTime)
	}
}

func TestBookConflictIs409(t *testing.T) {
	mux, _ := newTestMux(t)
	if rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z")); rec.Code != http.StatusCreated {
		t.Fatalf("first booking: %d", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-2", "2026-03-02T10:15:00Z"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestBookOutsideHoursIs422(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T07:00:00Z"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestBookUnknownStaffIs404(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-ghost", "pat-1", "2026-03-02T10:00:00Z"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBookBadPayloadIs400(t *testing.T) {
	mux, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Clinic-Id", "clinic-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "not-a-time"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad start_time", rec.Code)
	}
}

func TestMissingClinicIs400(t *testing.T) {
	mux, _ := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without clinic id", rec.Code)
	}
}

func TestCancelAndTerminalTransitions(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z"))
	var created struct {
		AppointmentID string `json:"appointment_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/appointments/"+created.AppointmentID+"/cancel", map[string]string{"reason": "patient request"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/appointments/"+created.AppointmentID+"/complete", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("complete after cancel = %d, want 400", rec.Code)
	}
}

func TestDeleteRequiresAdminRole(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z"))
	var created struct {
		AppointmentID string `json:"appointment_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/appointments/"+created.AppointmentID, nil)
	req.Header.Set("X-Clinic-Id", "clinic-1")
	req.Header.Set("X-Role", "staff")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("delete as staff = %d, want 403", rec2.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/appointments/"+created.AppointmentID, nil)
	req.Header.Set("X-Clinic-Id", "clinic-1")
	req.Header.Set("X-Role", "admin")
	rec3 := httptest.NewRecorder()
	mux.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("delete as admin = %d, want 204", rec3.Code)
	}
}

func TestListIsOrderedByStart(t *testing.T) {
	mux, _ := newTestMux(t)
	for _, start := range []string{"2026-03-02T15:00:00Z", "2026-03-02T09:00:00Z", "2026-03-02T11:00:00Z"} {
		patient := "pat-" + start[11:13]
		if rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", patient, start)); rec.Code != http.StatusCreated {
			t.Fatalf("booking %s failed: %d", start, rec.Code)
		}
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/appointments?staff_id=dr-lee", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp struct {
		Appointments []struct {
			StartTime string `json:"start_time"`
		} `json:"appointments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Appointments) != 3 {
		t.Fatalf("got %d appointments, want 3", len(resp.Appointments))
	}
	for i := 1; i < len(resp.Appointments); i++ {
		if resp.Appointments[i].StartTime < resp.Appointments[i-1].StartTime {
			t.Fatalf("list not ordered: %v", resp.Appointments)
		}
	}
}

func TestAvailabilityEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/api/v1/availability?staff_id=dr-lee&start=2026-03-02T10:00:00Z&end=2026-03-02T10:30:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp["available"] {
		t.Fatal("expected available inside working hours")
	}

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/availability?staff_id=dr-lee&start=2026-03-02T07:00:00Z&end=2026-03-02T07:30:00Z", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["available"] {
		t.Fatal("expected unavailable before opening")
	}
}

func TestCheckConflictEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	if rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z")); rec.Code != http.StatusCreated {
		t.Fatalf("booking failed: %d", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments/check", bookBody("dr-lee", "pat-2", "2026-03-02T10:15:00Z"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Conflict bool   `json:"conflict"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Conflict || resp.Reason != "staff_double_booked" {
		t.Fatalf("got %+v, want staff_double_booked conflict", resp)
	}
}

func TestBookIdempotencyHeaderReplays(t *testing.T) {
	mux, store := newTestMux(t)
	body := bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z")

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", &buf)
		req.Header.Set("X-Clinic-Id", "clinic-1")
		req.Header.Set("X-Idempotency-Key", "client-retry-1")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first booking = %d, body %s", first.Code, first.Body.String())
	}
	replay := send()
	if replay.Code != http.StatusCreated {
		t.Fatalf("replay = %d, body %s", replay.Code, replay.Body.String())
	}

	var a, b struct {
		AppointmentID string `json:"appointment_id"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(replay.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if a.AppointmentID == "" || a.AppointmentID != b.AppointmentID {
		t.Fatalf("replay id %q, want original %q", b.AppointmentID, a.AppointmentID)
	}
	if len(store.appts) != 1 {
		t.Fatalf("expected one stored appointment, got %d", len(store.appts))
	}
}

func TestBookCarriesNotes(t *testing.T) {
	mux, _ := newTestMux(t)
	body := bookBody("dr-lee", "pat-1", "2026-03-02T10:00:00Z")
	body["notes"] = "wheelchair access needed"
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Notes string `json:"notes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Notes != "wheelchair access needed" {
		t.Fatalf("notes = %q", resp.Notes)
	}
}

func TestSlotsOmitPastStarts(t *testing.T) {
	// Clock pinned to Monday noon; the morning slots of the same day are gone.
	mux, _ := newTestMuxAt(t, time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC))
	rec := doJSON(t, mux, http.MethodGet, "/api/v1/public/slots?staff_id=dr-lee&service_id=svc-checkup&date=2026-03-02", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Slots []struct {
			StartTime string `json:"start_time"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Template runs 09:00-17:00 in 30 minute steps; from noon that leaves
	// 12:00 through 16:30.
	if len(resp.Slots) != 10 {
		t.Fatalf("got %d slots, want 10 from noon onward", len(resp.Slots))
	}
	if resp.Slots[0].StartTime != "2026-03-02T12:00:00Z" {
		t.Fatalf("first slot = %s, want 12:00", resp.Slots[0].StartTime)
	}
}
