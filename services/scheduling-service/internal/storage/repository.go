package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medsched/medsched/libs/db"
	otelx "github.com/medsched/medsched/libs/otel"
	"github.com/medsched/medsched/services/scheduling-service/internal/conflict"
	"github.com/medsched/medsched/services/scheduling-service/internal/interval"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
	"github.com/medsched/medsched/services/scheduling-service/internal/scheduler"
)

const apptColumns = `id::text, clinic_id::text, staff_id::text, patient_id::text, service_id::text,
	start_time, end_time, status, group_session, COALESCE(rule_id::text, ''), COALESCE(notes, ''),
	COALESCE(cancel_reason, ''), cancelled_at, created_at, updated_at`

// Repository implements scheduler.Store over Postgres. Concurrency control on
// the booking path is layered:
//
// The appointments table carries exclusion constraints on
// (patient_id, tstzrange(start_time, end_time)) WHERE status = 'scheduled'
// and on (staff_id, tstzrange(start_time, end_time)) WHERE status =
// 'scheduled' AND NOT group_session. The staff constraint skips group rows:
// co-occupants of a group session legitimately share the same staff member
// and time span, so an unconditional constraint would reject them.
//
// Serialization for group slots, and for the capacity count the constraints
// cannot express, comes from Tx.LockStaff: every booking transaction locks
// the staff member's replica row before reading overlaps, so two racing
// bookings for the same staff member queue behind each other. The constraints
// remain the backstop for writes that reach the table any other way;
// violations surface as 23P01 and map to the same ConflictError as the
// application check.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (scheduler.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (r *Repository) Get(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1 AND clinic_id = $2
	`, id, clinicID)
	return scanAppointment(row)
}

func (r *Repository) ListRange(ctx context.Context, q scheduler.RangeQuery) ([]model.Appointment, error) {
	query := `SELECT ` + apptColumns + ` FROM appointments WHERE clinic_id = $1`
	args := []any{q.ClinicID}
	if q.StaffID != "" {
		args = append(args, q.StaffID)
		query += fmt.Sprintf(" AND staff_id = $%d", len(args))
	}
	if q.PatientID != "" {
		args = append(args, q.PatientID)
		query += fmt.Sprintf(" AND patient_id = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND end_time > $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND start_time < $%d", len(args))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY start_time ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *Repository) ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, overlapQuery, clinicID, staffID, patientID, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

const overlapQuery = `
	SELECT ` + apptColumns + `
	FROM appointments
	WHERE clinic_id = $1
		AND status = 'scheduled'
		AND (staff_id = $2 OR patient_id = $3)
		AND start_time < $5
		AND end_time > $4
	ORDER BY start_time ASC`

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) LockStaff(ctx context.Context, clinicID, staffID string) error {
	var one int
	err := t.tx.QueryRow(ctx, `
		SELECT 1 FROM replica_staff WHERE clinic_id = $1 AND staff_id = $2 FOR UPDATE
	`, clinicID, staffID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.ErrNotFound
	}
	return err
}

func (t *Tx) LockIdempotencyKey(ctx context.Context, clinicID, key string) (string, bool, error) {
	apptID, err := t.selectIdempotencyForUpdate(ctx, clinicID, key)
	if err == nil {
		return apptID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO appointment_idempotency_keys (clinic_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (clinic_id, idempotency_key) DO NOTHING
	`, clinicID, key)
	if err != nil {
		return "", false, err
	}

	apptID, err = t.selectIdempotencyForUpdate(ctx, clinicID, key)
	if err != nil {
		return "", false, err
	}
	return apptID, false, nil
}

func (t *Tx) selectIdempotencyForUpdate(ctx context.Context, clinicID, key string) (string, error) {
	var apptID *string
	err := t.tx.QueryRow(ctx, `
		SELECT appointment_id::text
		FROM appointment_idempotency_keys
		WHERE clinic_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, clinicID, key).Scan(&apptID)
	if err != nil {
		return "", err
	}
	if apptID == nil {
		return "", nil
	}
	return *apptID, nil
}

func (t *Tx) FinalizeIdempotency(ctx context.Context, clinicID, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE appointment_idempotency_keys
		SET appointment_id = $3, updated_at = now()
		WHERE clinic_id = $1 AND idempotency_key = $2
	`, clinicID, key, appointmentID)
	return err
}

func (t *Tx) ListScheduledOverlapping(ctx context.Context, clinicID, staffID, patientID string, iv interval.Interval) ([]model.Appointment, error) {
	rows, err := t.tx.Query(ctx, overlapQuery, clinicID, staffID, patientID, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (t *Tx) Insert(ctx context.Context, appt *model.Appointment) error {
	var ruleID *string
	if appt.RuleID != "" {
		ruleID = &appt.RuleID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, clinic_id, staff_id, patient_id, service_id, start_time, end_time, status,
			 group_session, rule_id, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, appt.ID, appt.ClinicID, appt.StaffID, appt.PatientID, appt.ServiceID,
		appt.StartTime, appt.EndTime, appt.Status, appt.GroupSession, ruleID, appt.Notes, appt.CreatedAt)
	return mapWriteError(err)
}

func (t *Tx) GetForUpdate(ctx context.Context, clinicID, id string) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1 AND clinic_id = $2
		FOR UPDATE
	`, id, clinicID)
	return scanAppointment(row)
}

func (t *Tx) UpdateSlot(ctx context.Context, appt model.Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET staff_id = $3,
			patient_id = $4,
			start_time = $5,
			end_time = $6,
			notes = $7,
			updated_at = $8
		WHERE id = $1 AND clinic_id = $2
	`, appt.ID, appt.ClinicID, appt.StaffID, appt.PatientID, appt.StartTime, appt.EndTime, appt.Notes, appt.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

func (t *Tx) SetStatus(ctx context.Context, clinicID, id string, status model.Status, reason string, at time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if status == model.StatusCancelled {
		tag, err = t.tx.Exec(ctx, `
			UPDATE appointments
			SET status = $3, cancel_reason = $4, cancelled_at = $5, updated_at = $5
			WHERE id = $1 AND clinic_id = $2
		`, id, clinicID, status, reason, at)
	} else {
		tag, err = t.tx.Exec(ctx, `
			UPDATE appointments
			SET status = $3, updated_at = $4
			WHERE id = $1 AND clinic_id = $2
		`, id, clinicID, status, at)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

func (t *Tx) Delete(ctx context.Context, clinicID, id string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM appointments WHERE id = $1 AND clinic_id = $2
	`, id, clinicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

func (t *Tx) CountScheduledBetween(ctx context.Context, clinicID string, from, to time.Time) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE clinic_id = $1
			AND status = 'scheduled'
			AND start_time >= $2
			AND start_time < $3
	`, clinicID, from, to).Scan(&count)
	return count, err
}

func (t *Tx) InsertRule(ctx context.Context, rule *model.RecurrenceRule) error {
	days := make([]int, 0, len(rule.Weekdays))
	for _, d := range rule.Weekdays {
		days = append(days, int(d))
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recurrence_rules
			(id, clinic_id, staff_id, patient_id, service_id, frequency, recur_interval,
			 weekdays, start_minute, duration_minutes, start_date, end_date, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rule.ID, rule.ClinicID, rule.StaffID, rule.PatientID, rule.ServiceID,
		rule.Frequency, rule.Interval, days, rule.StartMinute, rule.DurationMinutes,
		rule.StartDate, rule.EndDate, rule.Active, rule.CreatedAt)
	return err
}

func (t *Tx) InsertEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error {
	aggregateType := "appointment"
	if strings.Contains(eventType, "recurrence_rule") {
		aggregateType = "recurrence_rule"
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, aggregateType, aggregateID, eventType, payload, traceparent, tracestate)
	return err
}

func (t *Tx) Commit(ctx context.Context) error {
	return mapWriteError(t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.ClinicID,
		&appt.StaffID,
		&appt.PatientID,
		&appt.ServiceID,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Status,
		&appt.GroupSession,
		&appt.RuleID,
		&appt.Notes,
		&appt.CancelReason,
		&cancelledAt,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, scheduler.ErrNotFound
		}
		return model.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

// mapWriteError folds the database's concurrency signals into the scheduler's
// conflict error. 23P01 is exclusion_violation from the no-overlap constraints;
// 40001 is serialization_failure under contention. The constraint name picks
// the reason; serialization failures cannot name a side so they count as a
// staff collision.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23P01":
		reason := conflict.ReasonStaffDoubleBooked
		if strings.Contains(pgErr.ConstraintName, "patient") {
			reason = conflict.ReasonPatientDoubleBooked
		}
		return &scheduler.ConflictError{Reason: reason}
	case "40001":
		return &scheduler.ConflictError{Reason: conflict.ReasonStaffDoubleBooked}
	}
	return err
}

func IsNotFound(err error) bool {
	return errors.Is(err, scheduler.ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
