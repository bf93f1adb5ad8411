package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/medsched/medsched/services/scheduling-service/internal/availability"
	"github.com/medsched/medsched/services/scheduling-service/internal/conflict"
	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
)

// Event types emitted through the transactional outbox. Topic name equals
// event type.
const (
	EventBooked      = "scheduling.appointment.booked.v1"
	EventRescheduled = "scheduling.appointment.rescheduled.v1"
	EventCancelled   = "scheduling.appointment.cancelled.v1"
	EventCompleted   = "scheduling.appointment.completed.v1"
	EventNoShow      = "scheduling.appointment.no_show.v1"
	EventDeleted     = "scheduling.appointment.deleted.v1"
	EventRuleCreated = "scheduling.recurrence_rule.created.v1"
)

// Staff, Patient and Service are the directory facts the scheduler needs.
// They come from the local replica, not from directory-service directly.
type Staff struct {
	ID       string
	Active   bool
	TimeZone string
}

type Patient struct {
	ID     string
	Active bool
}

type Service struct {
	ID              string
	DurationMinutes int
	Capacity        int
}

type Directory interface {
	Staff(ctx context.Context, clinicID, staffID string) (Staff, error)
	Patient(ctx context.Context, clinicID, patientID string) (Patient, error)
	Service(ctx context.Context, clinicID, serviceID string) (Service, error)
	Template(ctx context.Context, clinicID, staffID string) (availability.WeeklyTemplate, error)
	Exclusions(ctx context.Context, clinicID, staffID string, from, to time.Time) ([]availability.Exclusion, error)
}

// Entitlements reports the clinic's monthly scheduled-appointment cap.
// Zero means unlimited.
type Entitlements interface {
	MaxMonthlyAppointments(ctx context.Context, clinicID string) (int, error)
}

// RangeQuery selects appointments for calendar views. Zero From/To leave the
// corresponding bound open. Empty Statuses means all statuses.
type RangeQuery struct {
	ClinicID  string
	StaffID   string
	PatientID string
	From      time.Time
	To        time.Time
	Statuses  []model.Status
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Get(ctx context.Context, clinicID, id string) (model.Appointment, error)
	ListRange(ctx context.Context, q RangeQuery) ([]model.Appointment, error)
	ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error)
}

// Tx is one unit of work. The conflict check, the row write and the outbox
// event all happen inside it so they commit or roll back together.
// LockStaff takes a row lock on the staff member's replica row; every booking
// path acquires it before reading overlaps, so two racing bookings for the
// same staff member serialize instead of both passing the check.
type Tx interface {
	LockStaff(ctx context.Context, clinicID, staffID string) error
	LockIdempotencyKey(ctx context.Context, clinicID, key string) (appointmentID string, existed bool, err error)
	FinalizeIdempotency(ctx context.Context, clinicID, key, appointmentID string) error
	ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error)
	Insert(ctx context.Context, appt *model.Appointment) error
	GetForUpdate(ctx context.Context, clinicID, id string) (model.Appointment, error)
	UpdateSlot(ctx context.Context, appt model.Appointment) error
	SetStatus(ctx context.Context, clinicID, id string, status model.Status, reason string, at time.Time) error
	Delete(ctx context.Context, clinicID, id string) error
	CountScheduledBetween(ctx context.Context, clinicID string, from, to time.Time) (int, error)
	InsertRule(ctx context.Context, rule *model.RecurrenceRule) error
	InsertEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Scheduler struct {
	store  Store
	dir    Directory
	ent    Entitlements
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, dir Directory, ent Entitlements, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		dir:    dir,
		ent:    ent,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the wall clock. Tests use it to pin "the past".
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Now reports the scheduler's current time. Handlers that filter on "the
// present" read it here instead of the wall clock so they follow WithClock.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

type BookRequest struct {
	ClinicID  string
	StaffID   string
	PatientID string
	ServiceID string
	Start     time.Time
	// End is optional; when zero it defaults to Start plus the service duration.
	End    time.Time
	RuleID string
	Notes  string
	// IdempotencyKey, when set, makes the booking replayable: a repeat with
	// the same key returns the originally created appointment.
	IdempotencyKey string
}

func (s *Scheduler) Book(ctx context.Context, req BookRequest) (model.Appointment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		apptID, existed, err := tx.LockIdempotencyKey(ctx, req.ClinicID, req.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, err
		}
		if existed && apptID != "" {
			return s.store.Get(ctx, req.ClinicID, apptID)
		}
		// An existing key without an appointment means the first attempt
		// failed before finalizing; the booking runs again under this key.
	}

	_, svc, iv, err := s.gate(ctx, req.ClinicID, req.StaffID, req.PatientID, req.ServiceID, req.Start, req.End)
	if err != nil {
		return model.Appointment{}, err
	}

	if err := s.checkMonthlyCap(ctx, tx, req.ClinicID, iv.Start); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.LockStaff(ctx, req.ClinicID, req.StaffID); err != nil {
		return model.Appointment{}, err
	}

	existing, err := tx.ListScheduledOverlapping(ctx, req.ClinicID, req.StaffID, req.PatientID, iv)
	if err != nil {
		return model.Appointment{}, err
	}
	cand := conflict.Candidate{
		StaffID:   req.StaffID,
		PatientID: req.PatientID,
		ServiceID: req.ServiceID,
		Span:      iv,
		Capacity:  svc.Capacity,
	}
	if reason, found := conflict.Detect(cand, existing); found {
		return model.Appointment{}, &ConflictError{Reason: reason}
	}

	now := s.now()
	appt := model.Appointment{
		ID:           uuid.NewString(),
		ClinicID:     req.ClinicID,
		StaffID:      req.StaffID,
		PatientID:    req.PatientID,
		ServiceID:    req.ServiceID,
		StartTime:    iv.Start,
		EndTime:      iv.End,
		Status:       model.StatusScheduled,
		GroupSession: svc.Capacity > 1,
		RuleID:       req.RuleID,
		Notes:        req.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Insert(ctx, &appt); err != nil {
		return model.Appointment{}, err
	}
	if req.IdempotencyKey != "" {
		if err := tx.FinalizeIdempotency(ctx, req.ClinicID, req.IdempotencyKey, appt.ID); err != nil {
			return model.Appointment{}, err
		}
	}
	if err := s.emit(ctx, tx, EventBooked, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"clinic_id", appt.ClinicID,
		"staff_id", appt.StaffID,
		"start_time", appt.StartTime)
	return appt, nil
}

// RescheduleRequest overrides one or more of staff, patient and time. Zero
// values keep the current assignment. Moving Start without End preserves the
// appointment's duration. Notes replaces the free-text notes when non-nil;
// pointing at an empty string clears them.
type RescheduleRequest struct {
	StaffID   string
	PatientID string
	Start     time.Time
	End       time.Time
	Notes     *string
}

func (s *Scheduler) Reschedule(ctx context.Context, clinicID, id string, req RescheduleRequest) (model.Appointment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := tx.GetForUpdate(ctx, clinicID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, appt.Status)
	}

	duration := appt.EndTime.Sub(appt.StartTime)
	if req.StaffID != "" {
		appt.StaffID = req.StaffID
	}
	if req.PatientID != "" {
		appt.PatientID = req.PatientID
	}
	if !req.Start.IsZero() {
		appt.StartTime = req.Start
		appt.EndTime = req.Start.Add(duration)
	}
	if !req.End.IsZero() {
		appt.EndTime = req.End
	}
	if req.Notes != nil {
		appt.Notes = *req.Notes
	}

	_, svc, iv, err := s.gate(ctx, clinicID, appt.StaffID, appt.PatientID, appt.ServiceID, appt.StartTime, appt.EndTime)
	if err != nil {
		return model.Appointment{}, err
	}

	if err := tx.LockStaff(ctx, clinicID, appt.StaffID); err != nil {
		return model.Appointment{}, err
	}
	existing, err := tx.ListScheduledOverlapping(ctx, clinicID, appt.StaffID, appt.PatientID, iv)
	if err != nil {
		return model.Appointment{}, err
	}
	cand := conflict.Candidate{
		StaffID:   appt.StaffID,
		PatientID: appt.PatientID,
		ServiceID: appt.ServiceID,
		Span:      iv,
		ExcludeID: appt.ID,
		Capacity:  svc.Capacity,
	}
	if reason, found := conflict.Detect(cand, existing); found {
		return model.Appointment{}, &ConflictError{Reason: reason}
	}

	appt.UpdatedAt = s.now()
	if err := tx.UpdateSlot(ctx, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := s.emit(ctx, tx, EventRescheduled, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.logger.Info("appointment rescheduled", "appointment_id", appt.ID, "clinic_id", clinicID)
	return appt, nil
}

func (s *Scheduler) Cancel(ctx context.Context, clinicID, id, reason string) (model.Appointment, error) {
	return s.setStatus(ctx, clinicID, id, model.StatusCancelled, reason, EventCancelled)
}

func (s *Scheduler) Complete(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	return s.setStatus(ctx, clinicID, id, model.StatusCompleted, "", EventCompleted)
}

func (s *Scheduler) MarkNoShow(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	return s.setStatus(ctx, clinicID, id, model.StatusNoShow, "", EventNoShow)
}

func (s *Scheduler) setStatus(ctx context.Context, clinicID, id string, next model.Status, reason, eventType string) (model.Appointment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := tx.GetForUpdate(ctx, clinicID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !appt.Status.CanTransitionTo(next) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, next)
	}

	now := s.now()
	if err := tx.SetStatus(ctx, clinicID, id, next, reason, now); err != nil {
		return model.Appointment{}, err
	}
	appt.Status = next
	appt.UpdatedAt = now
	if next == model.StatusCancelled {
		appt.CancelReason = reason
		appt.CancelledAt = &now
	}
	if err := s.emit(ctx, tx, eventType, appt); err != nil {
		return model.Appointment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	s.logger.Info("appointment status changed", "appointment_id", id, "clinic_id", clinicID, "status", next)
	return appt, nil
}

// Delete removes the row outright, whatever its status. It is an
// administrative correction, not part of the status machine; the gateway
// restricts it to admins. A deleted event still goes out for audit consumers.
func (s *Scheduler) Delete(ctx context.Context, clinicID, id string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := tx.GetForUpdate(ctx, clinicID, id)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, clinicID, id); err != nil {
		return err
	}
	if err := s.emit(ctx, tx, EventDeleted, appt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("appointment deleted", "appointment_id", id, "clinic_id", clinicID)
	return nil
}

func (s *Scheduler) Get(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	return s.store.Get(ctx, clinicID, id)
}

// QueryRange lists appointments intersecting the range, ordered by start time
// ascending. Open bounds are allowed on either side.
func (s *Scheduler) QueryRange(ctx context.Context, q RangeQuery) ([]model.Appointment, error) {
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return nil, &InvalidIntervalError{Detail: "range end must be after range start"}
	}
	return s.store.ListRange(ctx, q)
}

// IsAvailable runs the availability gate alone: working hours and exclusions,
// no conflict check.
func (s *Scheduler) IsAvailable(ctx context.Context, clinicID, staffID string, start, end time.Time) (bool, error) {
	staff, err := s.dir.Staff(ctx, clinicID, staffID)
	if err != nil {
		return false, err
	}
	if !staff.Active {
		return false, nil
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return false, &InvalidIntervalError{Detail: err.Error()}
	}
	if err := s.resolveAvailability(ctx, clinicID, staff, iv); err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckConflict is the advisory dry run. It reads without a transaction, so a
// clear answer can still lose a race; Book remains the authority.
func (s *Scheduler) CheckConflict(ctx context.Context, clinicID string, req BookRequest) (conflict.Reason, bool, error) {
	_, svc, iv, err := s.gate(ctx, clinicID, req.StaffID, req.PatientID, req.ServiceID, req.Start, req.End)
	if err != nil {
		return "", false, err
	}
	existing, err := s.store.ListScheduledOverlapping(ctx, clinicID, req.StaffID, req.PatientID, iv)
	if err != nil {
		return "", false, err
	}
	reason, found := conflict.Detect(conflict.Candidate{
		StaffID:   req.StaffID,
		PatientID: req.PatientID,
		ServiceID: req.ServiceID,
		Span:      iv,
		Capacity:  svc.Capacity,
	}, existing)
	return reason, found, nil
}

func (s *Scheduler) CreateRule(ctx context.Context, rule model.RecurrenceRule) (model.RecurrenceRule, error) {
	if err := validateRule(&rule); err != nil {
		return model.RecurrenceRule{}, err
	}
	if _, err := s.dir.Staff(ctx, rule.ClinicID, rule.StaffID); err != nil {
		return model.RecurrenceRule{}, err
	}
	if _, err := s.dir.Patient(ctx, rule.ClinicID, rule.PatientID); err != nil {
		return model.RecurrenceRule{}, err
	}
	if _, err := s.dir.Service(ctx, rule.ClinicID, rule.ServiceID); err != nil {
		return model.RecurrenceRule{}, err
	}

	rule.ID = uuid.NewString()
	rule.Active = true
	rule.CreatedAt = s.now()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.InsertRule(ctx, &rule); err != nil {
		return model.RecurrenceRule{}, err
	}
	payload, err := json.Marshal(rulePayload(rule))
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	if err := tx.InsertEvent(ctx, rule.ID, EventRuleCreated, payload); err != nil {
		return model.RecurrenceRule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.RecurrenceRule{}, err
	}

	s.logger.Info("recurrence rule created", "rule_id", rule.ID, "clinic_id", rule.ClinicID)
	return rule, nil
}

// gate runs the shared validation pipeline: entities exist and are active,
// the interval is well formed and not in the past, and the staff member is
// available for it.
func (s *Scheduler) gate(ctx context.Context, clinicID, staffID, patientID, serviceID string, start, end time.Time) (Staff, Service, interval.Interval, error) {
	staff, err := s.dir.Staff(ctx, clinicID, staffID)
	if err != nil {
		return Staff{}, Service{}, interval.Interval{}, err
	}
	if !staff.Active {
		return Staff{}, Service{}, interval.Interval{}, &UnavailableError{Detail: "staff member is inactive"}
	}
	patient, err := s.dir.Patient(ctx, clinicID, patientID)
	if err != nil {
		return Staff{}, Service{}, interval.Interval{}, err
	}
	if !patient.Active {
		return Staff{}, Service{}, interval.Interval{}, &UnavailableError{Detail: "patient is inactive"}
	}
	svc, err := s.dir.Service(ctx, clinicID, serviceID)
	if err != nil {
		return Staff{}, Service{}, interval.Interval{}, err
	}

	if end.IsZero() && svc.DurationMinutes > 0 {
		end = start.Add(time.Duration(svc.DurationMinutes) * time.Minute)
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return Staff{}, Service{}, interval.Interval{}, &InvalidIntervalError{Detail: err.Error()}
	}
	if iv.Start.Before(s.now()) {
		return Staff{}, Service{}, interval.Interval{}, &InvalidIntervalError{Detail: "start time is in the past"}
	}

	if err := s.resolveAvailability(ctx, clinicID, staff, iv); err != nil {
		return Staff{}, Service{}, interval.Interval{}, err
	}
	return staff, svc, iv, nil
}

func (s *Scheduler) resolveAvailability(ctx context.Context, clinicID string, staff Staff, iv interval.Interval) error {
	loc := time.UTC
	if staff.TimeZone != "" {
		l, err := time.LoadLocation(staff.TimeZone)
		if err != nil {
			return fmt.Errorf("staff timezone %q: %w", staff.TimeZone, err)
		}
		loc = l
	}

	template, err := s.dir.Template(ctx, clinicID, staff.ID)
	if err != nil {
		return err
	}
	exclusions, err := s.dir.Exclusions(ctx, clinicID, staff.ID, iv.Start, iv.End)
	if err != nil {
		return err
	}

	switch err := availability.Resolve(template, exclusions, iv, loc); {
	case err == nil:
		return nil
	case errors.Is(err, availability.ErrSpansMidnight):
		return &InvalidIntervalError{Detail: "appointment must not span midnight"}
	case errors.Is(err, availability.ErrOutsideHours):
		return &UnavailableError{Detail: "requested time is outside working hours"}
	case errors.Is(err, availability.ErrExcluded):
		return &UnavailableError{Detail: "requested time falls on an availability exclusion"}
	default:
		return err
	}
}

func (s *Scheduler) checkMonthlyCap(ctx context.Context, tx Tx, clinicID string, start time.Time) error {
	limit, err := s.ent.MaxMonthlyAppointments(ctx, clinicID)
	if err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}
	monthStart := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	count, err := tx.CountScheduledBetween(ctx, clinicID, monthStart, monthEnd)
	if err != nil {
		return err
	}
	if count >= limit {
		return &LimitExceededError{Limit: limit}
	}
	return nil
}

type appointmentPayload struct {
	AppointmentID string     `json:"appointment_id"`
	ClinicID      string     `json:"clinic_id"`
	StaffID       string     `json:"staff_id"`
	PatientID     string     `json:"patient_id"`
	ServiceID     string     `json:"service_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	RuleID        string     `json:"rule_id,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

func (s *Scheduler) emit(ctx context.Context, tx Tx, eventType string, appt model.Appointment) error {
	payload, err := json.Marshal(appointmentPayload{
		AppointmentID: appt.ID,
		ClinicID:      appt.ClinicID,
		StaffID:       appt.StaffID,
		PatientID:     appt.PatientID,
		ServiceID:     appt.ServiceID,
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		Status:        string(appt.Status),
		RuleID:        appt.RuleID,
		Notes:         appt.Notes,
		CancelReason:  appt.CancelReason,
		CancelledAt:   appt.CancelledAt,
	})
	if err != nil {
		return err
	}
	return tx.InsertEvent(ctx, appt.ID, eventType, payload)
}

type ruleEventPayload struct {
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

func rulePayload(rule model.RecurrenceRule) ruleEventPayload {
	days := make([]int, 0, len(rule.Weekdays))
	for _, d := range rule.Weekdays {
		days = append(days, int(d))
	}
	return ruleEventPayload{
		RuleID:          rule.ID,
		ClinicID:        rule.ClinicID,
		StaffID:         rule.StaffID,
		PatientID:       rule.PatientID,
		ServiceID:       rule.ServiceID,
		Frequency:       rule.Frequency,
		Interval:        rule.Interval,
		Weekdays:        days,
		StartMinute:     rule.StartMinute,
		DurationMinutes: rule.DurationMinutes,
		StartDate:       rule.StartDate,
		EndDate:         rule.EndDate,
	}
}

func validateRule(rule *model.RecurrenceRule) error {
	if rule.Frequency != "weekly" && rule.Frequency != "monthly" {
		return fmt.Errorf("unsupported frequency %q", rule.Frequency)
	}
	if rule.Interval <= 0 {
		rule.Interval = 1
	}
	if rule.Frequency == "weekly" && len(rule.Weekdays) == 0 {
		return errors.New("weekly rule needs at least one weekday")
	}
	if rule.StartMinute < 0 || rule.StartMinute >= 24*60 {
		return fmt.Errorf("invalid start_minute %d", rule.StartMinute)
	}
	if rule.DurationMinutes <= 0 {
		return errors.New("duration_minutes must be positive")
	}
	if rule.StartDate.IsZero() {
		return errors.New("start_date is required")
	}
	if rule.EndDate != nil && !rule.EndDate.After(rule.StartDate) {
		return errors.New("end_date must be after start_date")
	}
	return nil
}
