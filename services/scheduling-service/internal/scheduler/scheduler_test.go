package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/availability"
	"github.com/medsched/medsched/services/scheduling-service/internal/conflict"
	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
)

// In-memory Store/Tx fakes. Commit is a no-op because every operation applies
// directly; the tests here exercise scheduling semantics, not transaction
// isolation (the pgx repository owns that).

type memEvent struct {
	aggregateID string
	eventType   string
	payload     []byte
}

type memStore struct {
	mu         sync.Mutex
	appts      map[string]model.Appointment
	rules      map[string]model.RecurrenceRule
	idem       map[string]string
	staffLocks []string
	events     []memEvent
}

func newMemStore() *memStore {
	return &memStore{
		appts: map[string]model.Appointment{},
		rules: map[string]model.RecurrenceRule{},
		idem:  map[string]string{},
	}
}

func (m *memStore) Begin(context.Context) (Tx, error) { return &memTx{s: m}, nil }

func (m *memStore) Get(_ context.Context, clinicID, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt, ok := m.appts[id]
	if !ok || appt.ClinicID != clinicID {
		return model.Appointment{}, ErrNotFound
	}
	return appt, nil
}

func (m *memStore) ListRange(_ context.Context, q RangeQuery) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, appt := range m.appts {
		if appt.ClinicID != q.ClinicID {
			continue
		}
		if q.StaffID != "" && appt.StaffID != q.StaffID {
			continue
		}
		if q.PatientID != "" && appt.PatientID != q.PatientID {
			continue
		}
		if !q.From.IsZero() && !appt.EndTime.After(q.From) {
			continue
		}
		if !q.To.IsZero() && !appt.StartTime.Before(q.To) {
			continue
		}
		if len(q.Statuses) > 0 {
			match := false
			for _, st := range q.Statuses {
				if appt.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, appt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) ListScheduledOverlapping(_ context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, appt := range m.appts {
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

type memTx struct {
	s *memStore
}

func (t *memTx) LockStaff(_ context.Context, clinicID, staffID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.staffLocks = append(t.s.staffLocks, clinicID+"/"+staffID)
	return nil
}

func (t *memTx) LockIdempotencyKey(_ context.Context, clinicID, key string) (string, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := clinicID + "|" + key
	if id, ok := t.s.idem[k]; ok {
		return id, true, nil
	}
	t.s.idem[k] = ""
	return "", false, nil
}

func (t *memTx) FinalizeIdempotency(_ context.Context, clinicID, key, appointmentID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.idem[clinicID+"|"+key] = appointmentID
	return nil
}

func (t *memTx) ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	return t.s.ListScheduledOverlapping(ctx, clinicID, staffID, patientID, iv)
}

// Insert mirrors the exclusion constraints on the appointments table: no
// patient overlap among scheduled rows, and no staff overlap among scheduled
// non-group rows. Group rows share the staff side freely; capacity is the
// conflict detector's job under the staff lock.
func (t *memTx) Insert(_ context.Context, appt *model.Appointment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	span := interval.Interval{Start: appt.StartTime, End: appt.EndTime}
	for _, other := range t.s.appts {
		if other.ClinicID != appt.ClinicID || other.Status != model.StatusScheduled {
			continue
		}
		if !span.Overlaps(interval.Interval{Start: other.StartTime, End: other.EndTime}) {
			continue
		}
		if other.PatientID == appt.PatientID {
			return &ConflictError{Reason: conflict.ReasonPatientDoubleBooked}
		}
		if other.StaffID == appt.StaffID && !appt.GroupSession && !other.GroupSession {
			return &ConflictError{Reason: conflict.ReasonStaffDoubleBooked}
		}
	}
	t.s.appts[appt.ID] = *appt
	return nil
}

func (t *memTx) GetForUpdate(_ context.Context, clinicID, id string) (model.Appointment, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	appt, ok := t.s.appts[id]
	if !ok || appt.ClinicID != clinicID {
		return model.Appointment{}, ErrNotFound
	}
	return appt, nil
}

func (t *memTx) UpdateSlot(_ context.Context, appt model.Appointment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.appts[appt.ID] = appt
	return nil
}

func (t *memTx) SetStatus(_ context.Context, clinicID, id string, status model.Status, reason string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	appt, ok := t.s.appts[id]
	if !ok || appt.ClinicID != clinicID {
		return ErrNotFound
	}
	appt.Status = status
	appt.UpdatedAt = at
	if status == model.StatusCancelled {
		appt.CancelReason = reason
		appt.CancelledAt = &at
	}
	t.s.appts[id] = appt
	return nil
}

func (t *memTx) Delete(_ context.Context, clinicID, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.appts, id)
	return nil
}

func (t *memTx) CountScheduledBetween(_ context.Context, clinicID string, from, to time.Time) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	count := 0
	for _, appt := range t.s.appts {
		if appt.ClinicID == clinicID && appt.Status == model.StatusScheduled &&
			!appt.StartTime.Before(from) && appt.StartTime.Before(to) {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertRule(_ context.Context, rule *model.RecurrenceRule) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.rules[rule.ID] = *rule
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, aggregateID, eventType string, payload []byte) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.events = append(t.s.events, memEvent{aggregateID: aggregateID, eventType: eventType, payload: payload})
	return nil
}

func (t *memTx) Commit(context.Context) error   { return nil }
func (t *memTx) Rollback(context.Context) error { return nil }

type fakeDirectory struct {
	staff      map[string]Staff
	patients   map[string]Patient
	services   map[string]Service
	templates  map[string]availability.WeeklyTemplate
	exclusions map[string][]availability.Exclusion
}

func (d *fakeDirectory) Staff(_ context.Context, _, staffID string) (Staff, error) {
	st, ok := d.staff[staffID]
	if !ok {
		return Staff{}, fmt.Errorf("staff %s: %w", staffID, ErrNotFound)
	}
	return st, nil
}

func (d *fakeDirectory) Patient(_ context.Context, _, patientID string) (Patient, error) {
	p, ok := d.patients[patientID]
	if !ok {
		return Patient{}, fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	return p, nil
}

func (d *fakeDirectory) Service(_ context.Context, _, serviceID string) (Service, error) {
	svc, ok := d.services[serviceID]
	if !ok {
		return Service{}, fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	return svc, nil
}

func (d *fakeDirectory) Template(_ context.Context, _, staffID string) (availability.WeeklyTemplate, error) {
	return d.templates[staffID], nil
}

func (d *fakeDirectory) Exclusions(_ context.Context, _, staffID string, _, _ time.Time) ([]availability.Exclusion, error) {
	return d.exclusions[staffID], nil
}

type fakeEntitlements struct {
	limit int
}

func (e *fakeEntitlements) MaxMonthlyAppointments(context.Context, string) (int, error) {
	return e.limit, nil
}

// Fixture: the clock is pinned to Sunday 2026-03-01 noon UTC; bookings target
// Monday 2026-03-02.

const clinic = "clinic-1"

func fixedNow() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func monday(h, m int) time.Time {
	return time.Date(2026, time.March, 2, h, m, 0, 0, time.UTC)
}

func newFixture(t *testing.T) (*Scheduler, *memStore, *fakeDirectory, *fakeEntitlements) {
	t.Helper()
	dir := &fakeDirectory{
		staff: map[string]Staff{
			"dr-lee": {ID: "dr-lee", Active: true},
			"dr-kim": {ID: "dr-kim", Active: true},
			"dr-old": {ID: "dr-old", Active: false},
		},
		patients: map[string]Patient{
			"pat-1": {ID: "pat-1", Active: true},
			"pat-2": {ID: "pat-2", Active: true},
			"pat-3": {ID: "pat-3", Active: true},
			"pat-4": {ID: "pat-4", Active: true},
		},
		services: map[string]Service{
			"svc-checkup": {ID: "svc-checkup", DurationMinutes: 30, Capacity: 1},
			"svc-group":   {ID: "svc-group", DurationMinutes: 60, Capacity: 3},
		},
		templates: map[string]availability.WeeklyTemplate{
			// Mon-Fri 09:00-17:00 for both doctors.
			"dr-lee": weekdayTemplate(540, 1020),
			"dr-kim": weekdayTemplate(540, 1020),
		},
		exclusions: map[string][]availability.Exclusion{},
	}
	store := newMemStore()
	ent := &fakeEntitlements{}
	sched := New(store, dir, ent, slog.New(slog.DiscardHandler)).WithClock(fixedNow)
	return sched, store, dir, ent
}

func weekdayTemplate(startMin, endMin int) availability.WeeklyTemplate {
	t := availability.WeeklyTemplate{}
	for day := time.Monday; day <= time.Friday; day++ {
		t[day] = []availability.Window{{StartMinute: startMin, EndMinute: endMin}}
	}
	return t
}

func mustBook(t *testing.T, s *Scheduler, req BookRequest) model.Appointment {
	t.Helper()
	appt, err := s.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	return appt
}

func TestBookComputesEndFromServiceDuration(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(9, 0),
	})
	if !appt.EndTime.Equal(monday(9, 30)) {
		t.Fatalf("end = %v, want 09:30", appt.EndTime)
	}
	if appt.Status != model.StatusScheduled {
		t.Fatalf("status = %v, want scheduled", appt.Status)
	}
}

func TestStaffDoubleBookingRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(10, 15), End: monday(10, 45),
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonStaffDoubleBooked {
		t.Fatalf("got %v, want staff double-booked conflict", err)
	}
}

func TestPatientExclusivityAcrossStaff(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-kim", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 15), End: monday(10, 45),
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonPatientDoubleBooked {
		t.Fatalf("got %v, want patient double-booked conflict", err)
	}
}

func TestBackToBackBookingsSucceed(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(10, 30), End: monday(11, 0),
	})
}

func TestAvailabilityGating(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	// Sunday 2026-03-08 has no template window.
	sunday := time.Date(2026, time.March, 8, 10, 0, 0, 0, time.UTC)
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: sunday, End: sunday.Add(30 * time.Minute),
	})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("got %v, want UnavailableError", err)
	}
}

func TestExclusionOverridesTemplate(t *testing.T) {
	sched, _, dir, _ := newFixture(t)
	dir.exclusions["dr-lee"] = []availability.Exclusion{
		{Date: "2026-03-02", Window: &availability.Window{StartMinute: 780, EndMinute: 840}}, // 13:00-14:00
	}

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(13, 15), End: monday(13, 45),
	})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("got %v, want UnavailableError inside exclusion", err)
	}

	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(12, 0), End: monday(12, 30),
	})
}

func TestGroupCapacity(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	for _, patient := range []string{"pat-1", "pat-2", "pat-3"} {
		mustBook(t, sched, BookRequest{
			ClinicID: clinic, StaffID: "dr-lee", PatientID: patient, ServiceID: "svc-group",
			Start: monday(14, 0), End: monday(15, 0),
		})
	}

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-4", ServiceID: "svc-group",
		Start: monday(14, 0), End: monday(15, 0),
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonCapacityExceeded {
		t.Fatalf("got %v, want capacity exceeded", err)
	}
}

func TestGroupCoOccupantsSurviveStorageBackstop(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	// The fake Insert enforces the same no-overlap constraints as the
	// appointments table. Filling a group slot below capacity must pass both
	// the detector and that backstop.
	first := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-group",
		Start: monday(14, 0), End: monday(15, 0),
	})
	second := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-group",
		Start: monday(14, 0), End: monday(15, 0),
	})
	if !first.GroupSession || !second.GroupSession {
		t.Fatal("group service bookings should be marked as group sessions")
	}
	if len(store.appts) != 2 {
		t.Fatalf("expected both co-occupants stored, got %d", len(store.appts))
	}

	// A solo service overlapping the group slot still loses the staff side.
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-3", ServiceID: "svc-checkup",
		Start: monday(14, 0), End: monday(14, 30),
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonStaffDoubleBooked {
		t.Fatalf("got %v, want staff double-booked for solo overlap", err)
	}
}

func TestBookingPathsLockTheStaffRow(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	if len(store.staffLocks) != 1 || store.staffLocks[0] != clinic+"/dr-lee" {
		t.Fatalf("Book staff locks = %v, want one lock on dr-lee", store.staffLocks)
	}

	if _, err := sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{StaffID: "dr-kim"}); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if len(store.staffLocks) != 2 || store.staffLocks[1] != clinic+"/dr-kim" {
		t.Fatalf("Reschedule staff locks = %v, want lock on the target staff", store.staffLocks)
	}
}

func TestBookIdempotencyReplay(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	req := BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
		IdempotencyKey: "retry-1",
	}
	first := mustBook(t, sched, req)
	replay := mustBook(t, sched, req)
	if replay.ID != first.ID {
		t.Fatalf("replay returned %s, want original %s", replay.ID, first.ID)
	}
	if len(store.appts) != 1 {
		t.Fatalf("expected one stored appointment, got %d", len(store.appts))
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one booked event, got %d", len(store.events))
	}

	// A different key for a free slot books normally.
	req.PatientID = "pat-2"
	req.Start, req.End = monday(11, 0), monday(11, 30)
	req.IdempotencyKey = "retry-2"
	other := mustBook(t, sched, req)
	if other.ID == first.ID || len(store.appts) != 2 {
		t.Fatalf("distinct key should create a new appointment, got %d stored", len(store.appts))
	}
}

func TestNotesCarriedAndEditable(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
		Notes: "bring referral letter",
	})
	if appt.Notes != "bring referral letter" {
		t.Fatalf("notes = %q", appt.Notes)
	}

	moved, err := sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{Start: monday(11, 0)})
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if moved.Notes != "bring referral letter" {
		t.Fatalf("reschedule without override dropped notes: %q", moved.Notes)
	}

	updated := "fasting bloodwork"
	moved, err = sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{Notes: &updated})
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if moved.Notes != updated {
		t.Fatalf("notes override not applied: %q", moved.Notes)
	}
}

func TestSubMinuteTimesRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(16, 30).Add(30 * time.Second), End: monday(17, 0).Add(30 * time.Second),
	})
	var invalid *InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidIntervalError for second-offset times", err)
	}
}

func TestRescheduleExcludesSelf(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	// Shift by 15 minutes; overlaps the old slot, which must not count.
	moved, err := sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{Start: monday(10, 15)})
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if !moved.StartTime.Equal(monday(10, 15)) || !moved.EndTime.Equal(monday(10, 45)) {
		t.Fatalf("moved to %v-%v, want 10:15-10:45 (duration preserved)", moved.StartTime, moved.EndTime)
	}
}

func TestRescheduleStillConflictsWithOthers(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	other := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(11, 0), End: monday(11, 30),
	})

	_, err := sched.Reschedule(context.Background(), clinic, other.ID, RescheduleRequest{Start: monday(10, 15)})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("got %v, want conflict against the other appointment", err)
	}
}

func TestTerminalImmutability(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	if _, err := sched.Cancel(context.Background(), clinic, appt.ID, "patient request"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, err := sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{Start: monday(11, 0)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reschedule of cancelled: got %v, want ErrInvalidTransition", err)
	}
	if _, err := sched.Complete(context.Background(), clinic, appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete after cancel: got %v, want ErrInvalidTransition", err)
	}
}

func TestCancelTwiceRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	if _, err := sched.Cancel(context.Background(), clinic, appt.ID, "first"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := sched.Cancel(context.Background(), clinic, appt.ID, "second"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second cancel: got %v, want ErrInvalidTransition", err)
	}
}

func TestWorkedScenario(t *testing.T) {
	sched, _, dir, _ := newFixture(t)
	// Staff template Mon 09:00-12:00 only.
	dir.templates["dr-lee"] = availability.WeeklyTemplate{
		time.Monday: {{StartMinute: 540, EndMinute: 720}},
	}

	first := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(9, 0),
	})
	if !first.EndTime.Equal(monday(9, 30)) {
		t.Fatalf("end = %v, want computed 09:30", first.EndTime)
	}

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(9, 15),
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonStaffDoubleBooked {
		t.Fatalf("second booking: got %v, want staff double-booked", err)
	}

	_, err = sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-kim", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(9, 15),
	})
	if !errors.As(err, &conflictErr) || conflictErr.Reason != conflict.ReasonPatientDoubleBooked {
		t.Fatalf("third booking: got %v, want patient double-booked", err)
	}
}

func TestPastBookingRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	past := fixedNow().Add(-24 * time.Hour)
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: past, End: past.Add(30 * time.Minute),
	})
	var invalid *InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidIntervalError for past start", err)
	}
}

func TestInvalidIntervalRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 0),
	})
	var invalid *InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidIntervalError for zero-length interval", err)
	}
}

func TestMidnightSpanningRejected(t *testing.T) {
	sched, _, dir, _ := newFixture(t)
	dir.templates["dr-lee"] = availability.WeeklyTemplate{
		time.Monday:  {{StartMinute: 0, EndMinute: 1440}},
		time.Tuesday: {{StartMinute: 0, EndMinute: 1440}},
	}
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(23, 30), End: monday(0, 30).AddDate(0, 0, 1),
	})
	var invalid *InvalidIntervalError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidIntervalError for midnight-spanning interval", err)
	}
}

func TestUnknownEntitiesRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	cases := []BookRequest{
		{ClinicID: clinic, StaffID: "dr-ghost", PatientID: "pat-1", ServiceID: "svc-checkup", Start: monday(10, 0)},
		{ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-ghost", ServiceID: "svc-checkup", Start: monday(10, 0)},
		{ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-ghost", Start: monday(10, 0)},
	}
	for _, req := range cases {
		if _, err := sched.Book(context.Background(), req); !errors.Is(err, ErrNotFound) {
			t.Fatalf("req %+v: got %v, want ErrNotFound", req, err)
		}
	}
}

func TestInactiveStaffRejected(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-old", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0),
	})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("got %v, want UnavailableError for inactive staff", err)
	}
}

func TestMonthlyCapEnforced(t *testing.T) {
	sched, _, _, ent := newFixture(t)
	ent.limit = 2
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(9, 0), End: monday(9, 30),
	})
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	_, err := sched.Book(context.Background(), BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-3", ServiceID: "svc-checkup",
		Start: monday(11, 0), End: monday(11, 30),
	})
	var limited *LimitExceededError
	if !errors.As(err, &limited) || limited.Limit != 2 {
		t.Fatalf("got %v, want LimitExceededError{2}", err)
	}
}

func TestQueryRangeOrderingAndBounds(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	late := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(15, 0), End: monday(15, 30),
	})
	early := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(9, 0), End: monday(9, 30),
	})

	all, err := sched.QueryRange(context.Background(), RangeQuery{ClinicID: clinic, StaffID: "dr-lee"})
	if err != nil {
		t.Fatalf("QueryRange failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != early.ID || all[1].ID != late.ID {
		t.Fatalf("expected [early, late], got %d results", len(all))
	}

	morning, err := sched.QueryRange(context.Background(), RangeQuery{
		ClinicID: clinic, StaffID: "dr-lee", From: monday(8, 0), To: monday(12, 0),
	})
	if err != nil {
		t.Fatalf("QueryRange failed: %v", err)
	}
	if len(morning) != 1 || morning[0].ID != early.ID {
		t.Fatalf("bounded query: got %d results", len(morning))
	}

	if _, err := sched.QueryRange(context.Background(), RangeQuery{
		ClinicID: clinic, From: monday(12, 0), To: monday(9, 0),
	}); err == nil {
		t.Fatal("inverted range should be rejected")
	}
}

func TestDeleteRemovesTerminalAppointments(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	if _, err := sched.Cancel(context.Background(), clinic, appt.ID, "dup"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := sched.Delete(context.Background(), clinic, appt.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := sched.Get(context.Background(), clinic, appt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}

	last := store.events[len(store.events)-1]
	if last.eventType != EventDeleted {
		t.Fatalf("last event = %s, want %s", last.eventType, EventDeleted)
	}
}

func TestEveryMutationEmitsAnEvent(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	appt := mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})
	if _, err := sched.Reschedule(context.Background(), clinic, appt.ID, RescheduleRequest{Start: monday(11, 0)}); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if _, err := sched.Complete(context.Background(), clinic, appt.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	want := []string{EventBooked, EventRescheduled, EventCompleted}
	if len(store.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(store.events), len(want))
	}
	for i, evt := range store.events {
		if evt.eventType != want[i] {
			t.Fatalf("event %d = %s, want %s", i, evt.eventType, want[i])
		}
		if evt.aggregateID != appt.ID {
			t.Fatalf("event %d aggregate = %s, want %s", i, evt.aggregateID, appt.ID)
		}
	}
}

func TestCheckConflictAdvisory(t *testing.T) {
	sched, _, _, _ := newFixture(t)
	mustBook(t, sched, BookRequest{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Start: monday(10, 0), End: monday(10, 30),
	})

	reason, found, err := sched.CheckConflict(context.Background(), clinic, BookRequest{
		StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(10, 15), End: monday(10, 45),
	})
	if err != nil {
		t.Fatalf("CheckConflict failed: %v", err)
	}
	if !found || reason != conflict.ReasonStaffDoubleBooked {
		t.Fatalf("got (%v,%v), want staff double-booked", reason, found)
	}

	_, found, err = sched.CheckConflict(context.Background(), clinic, BookRequest{
		StaffID: "dr-lee", PatientID: "pat-2", ServiceID: "svc-checkup",
		Start: monday(11, 0), End: monday(11, 30),
	})
	if err != nil {
		t.Fatalf("CheckConflict failed: %v", err)
	}
	if found {
		t.Fatal("free slot reported as conflicting")
	}
}

func TestIsAvailable(t *testing.T) {
	sched, _, dir, _ := newFixture(t)
	dir.exclusions["dr-lee"] = []availability.Exclusion{{Date: "2026-03-02"}}

	ok, err := sched.IsAvailable(context.Background(), clinic, "dr-lee", monday(10, 0), monday(10, 30))
	if err != nil {
		t.Fatalf("IsAvailable failed: %v", err)
	}
	if ok {
		t.Fatal("excluded day reported available")
	}

	tuesday := monday(10, 0).AddDate(0, 0, 1)
	ok, err = sched.IsAvailable(context.Background(), clinic, "dr-lee", tuesday, tuesday.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("IsAvailable failed: %v", err)
	}
	if !ok {
		t.Fatal("open Tuesday slot reported unavailable")
	}
}

func TestCreateRule(t *testing.T) {
	sched, store, _, _ := newFixture(t)
	rule, err := sched.CreateRule(context.Background(), model.RecurrenceRule{
		ClinicID:        clinic,
		StaffID:         "dr-lee",
		PatientID:       "pat-1",
		ServiceID:       "svc-checkup",
		Frequency:       "weekly",
		Interval:        1,
		Weekdays:        []time.Weekday{time.Monday},
		StartMinute:     600,
		DurationMinutes: 30,
		StartDate:       monday(0, 0),
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if rule.ID == "" || !rule.Active {
		t.Fatalf("rule not initialized: %+v", rule)
	}
	if len(store.events) != 1 || store.events[0].eventType != EventRuleCreated {
		t.Fatalf("expected one rule-created event, got %+v", store.events)
	}

	_, err = sched.CreateRule(context.Background(), model.RecurrenceRule{
		ClinicID: clinic, StaffID: "dr-lee", PatientID: "pat-1", ServiceID: "svc-checkup",
		Frequency: "daily", StartMinute: 600, DurationMinutes: 30, StartDate: monday(0, 0),
	})
	if err == nil {
		t.Fatal("unsupported frequency should be rejected")
	}
}
