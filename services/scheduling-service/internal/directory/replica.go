package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/services/scheduling-service/internal/availability"
	"github.com/medsched/medsched/services/scheduling-service/internal/scheduler"
)

// Replica is the scheduling service's local copy of directory-service data,
// kept current by consuming directory.*.v1 events. Lookups during booking hit
// these tables, never directory-service itself.
type Replica struct {
	pool *db.Pool
}

func NewReplica(pool *db.Pool) *Replica {
	return &Replica{pool: pool}
}

func (r *Replica) Staff(ctx context.Context, clinicID, staffID string) (scheduler.Staff, error) {
	var st scheduler.Staff
	err := r.pool.QueryRow(ctx, `
		SELECT staff_id::text, active, COALESCE(time_zone, '')
		FROM replica_staff
		WHERE clinic_id = $1 AND staff_id = $2
	`, clinicID, staffID).Scan(&st.ID, &st.Active, &st.TimeZone)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Staff{}, fmt.Errorf("staff %s: %w", staffID, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Staff{}, err
	}
	return st, nil
}

func (r *Replica) Patient(ctx context.Context, clinicID, patientID string) (scheduler.Patient, error) {
	var p scheduler.Patient
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id::text, active
		FROM replica_patients
		WHERE clinic_id = $1 AND patient_id = $2
	`, clinicID, patientID).Scan(&p.ID, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Patient{}, fmt.Errorf("patient %s: %w", patientID, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Patient{}, err
	}
	return p, nil
}

func (r *Replica) Service(ctx context.Context, clinicID, serviceID string) (scheduler.Service, error) {
	var svc scheduler.Service
	err := r.pool.QueryRow(ctx, `
		SELECT service_id::text, duration_minutes, capacity
		FROM replica_services
		WHERE clinic_id = $1 AND service_id = $2
	`, clinicID, serviceID).Scan(&svc.ID, &svc.DurationMinutes, &svc.Capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Service{}, fmt.Errorf("service %s: %w", serviceID, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Service{}, err
	}
	return svc, nil
}

func (r *Replica) Template(ctx context.Context, clinicID, staffID string) (availability.WeeklyTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM replica_template_windows
		WHERE clinic_id = $1 AND staff_id = $2
		ORDER BY weekday, start_minute
	`, clinicID, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	template := availability.WeeklyTemplate{}
	for rows.Next() {
		var weekday, startMin, endMin int
		if err := rows.Scan(&weekday, &startMin, &endMin); err != nil {
			return nil, err
		}
		day := time.Weekday(weekday)
		template[day] = append(template[day], availability.Window{StartMinute: startMin, EndMinute: endMin})
	}
	return template, rows.Err()
}

func (r *Replica) Exclusions(ctx context.Context, clinicID, staffID string, from, to time.Time) ([]availability.Exclusion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(excluded_on, 'YYYY-MM-DD'), start_minute, end_minute, COALESCE(reason, '')
		FROM replica_exclusions
		WHERE clinic_id = $1 AND staff_id = $2
			AND excluded_on >= ($3::timestamptz - interval '1 day')::date
			AND excluded_on <= ($4::timestamptz + interval '1 day')::date
	`, clinicID, staffID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exclusions []availability.Exclusion
	for rows.Next() {
		var ex availability.Exclusion
		var startMin, endMin *int
		if err := rows.Scan(&ex.Date, &startMin, &endMin, &ex.Reason); err != nil {
			return nil, err
		}
		if startMin != nil && endMin != nil {
			ex.Window = &availability.Window{StartMinute: *startMin, EndMinute: *endMin}
		}
		exclusions = append(exclusions, ex)
	}
	return exclusions, rows.Err()
}

// Upserts below apply directory events. Events carry full row state, so each
// apply is a plain overwrite and replays are harmless.

type StaffRow struct {
	ClinicID string `json:"clinic_id"`
	StaffID  string `json:"staff_id"`
	Active   bool   `json:"active"`
	TimeZone string `json:"time_zone"`
}

func (r *Replica) UpsertStaff(ctx context.Context, row StaffRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replica_staff (clinic_id, staff_id, active, time_zone, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (clinic_id, staff_id) DO UPDATE
		SET active = EXCLUDED.active, time_zone = EXCLUDED.time_zone, updated_at = now()
	`, row.ClinicID, row.StaffID, row.Active, row.TimeZone)
	return err
}

type PatientRow struct {
	ClinicID  string `json:"clinic_id"`
	PatientID string `json:"patient_id"`
	Active    bool   `json:"active"`
}

func (r *Replica) UpsertPatient(ctx context.Context, row PatientRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replica_patients (clinic_id, patient_id, active, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (clinic_id, patient_id) DO UPDATE
		SET active = EXCLUDED.active, updated_at = now()
	`, row.ClinicID, row.PatientID, row.Active)
	return err
}

type ServiceRow struct {
	ClinicID        string `json:"clinic_id"`
	ServiceID       string `json:"service_id"`
	DurationMinutes int    `json:"duration_minutes"`
	Capacity        int    `json:"capacity"`
}

func (r *Replica) UpsertService(ctx context.Context, row ServiceRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replica_services (clinic_id, service_id, duration_minutes, capacity, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (clinic_id, service_id) DO UPDATE
		SET duration_minutes = EXCLUDED.duration_minutes, capacity = EXCLUDED.capacity, updated_at = now()
	`, row.ClinicID, row.ServiceID, row.DurationMinutes, row.Capacity)
	return err
}

type TemplateRow struct {
	ClinicID string                        `json:"clinic_id"`
	StaffID  string                        `json:"staff_id"`
	Windows  map[int][]availability.Window `json:"windows"` // keyed by weekday, Sunday = 0
}

// ReplaceTemplate swaps all of a staff member's windows in one transaction.
func (r *Replica) ReplaceTemplate(ctx context.Context, row TemplateRow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM replica_template_windows WHERE clinic_id = $1 AND staff_id = $2
	`, row.ClinicID, row.StaffID); err != nil {
		return err
	}
	for weekday, windows := range row.Windows {
		for _, w := range windows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO replica_template_windows (clinic_id, staff_id, weekday, start_minute, end_minute)
				VALUES ($1, $2, $3, $4, $5)
			`, row.ClinicID, row.StaffID, weekday, w.StartMinute, w.EndMinute); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

type ExclusionRow struct {
	ClinicID    string `json:"clinic_id"`
	ExclusionID string `json:"exclusion_id"`
	StaffID     string `json:"staff_id"`
	Date        string `json:"date"`
	StartMinute *int   `json:"start_minute,omitempty"`
	EndMinute   *int   `json:"end_minute,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

func (r *Replica) ApplyExclusion(ctx context.Context, row ExclusionRow) error {
	if row.Deleted {
		_, err := r.pool.Exec(ctx, `
			DELETE FROM replica_exclusions WHERE clinic_id = $1 AND exclusion_id = $2
		`, row.ClinicID, row.ExclusionID)
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replica_exclusions (clinic_id, exclusion_id, staff_id, excluded_on, start_minute, end_minute, reason)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7)
		ON CONFLICT (clinic_id, exclusion_id) DO UPDATE
		SET staff_id = EXCLUDED.staff_id,
			excluded_on = EXCLUDED.excluded_on,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			reason = EXCLUDED.reason
	`, row.ClinicID, row.ExclusionID, row.StaffID, row.Date, row.StartMinute, row.EndMinute, row.Reason)
	return err
}
