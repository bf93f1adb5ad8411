package jobs

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/medsched/medsched/libs/otel"
)

type Job struct {
	ID          int64
	RuleID      string
	ClinicID    string
	StaffID     string
	PatientID   string
	ServiceID   string
	StartTime   time.Time
	EndTime     time.Time
	Traceparent string
	Tracestate  string
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, job Job) error {
	idempotencyKey := job.RuleID + "|" + job.StartTime.UTC().Format(time.RFC3339)
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_jobs (idempotency_key, rule_id, clinic_id, staff_id, patient_id, service_id, start_time, end_time, next_run_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, idempotencyKey, job.RuleID, job.ClinicID, job.StaffID, job.PatientID, job.ServiceID, job.StartTime, job.EndTime, traceparent, tracestate)
	return err
}

func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, limit int) ([]Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, rule_id, clinic_id, staff_id, patient_id, service_id, start_time, end_time, traceparent, tracestate, attempts, max_attempts, next_run_at
		FROM booking_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY next_run_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.RuleID, &j.ClinicID, &j.StaffID, &j.PatientID, &j.ServiceID, &j.StartTime, &j.EndTime, &j.Traceparent, &j.Tracestate, &j.Attempts, &j.MaxAttempts, &j.NextRunAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

func (r *Repository) MarkBooked(ctx context.Context, tx pgx.Tx, id int64, appointmentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_jobs
		SET status = 'booked', appointment_id = $2, updated_at = now()
		WHERE id = $1
	`, id, appointmentID)
	return err
}

// MarkSkipped records a slot the scheduler rejected. Rejections are final;
// retrying would hit the same conflict.
func (r *Repository) MarkSkipped(ctx context.Context, tx pgx.Tx, id int64, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_jobs
		SET status = 'skipped', last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, attempts int, maxAttempts int, nextRunAt time.Time, lastError string) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := tx.Exec(ctx, `
		UPDATE booking_jobs
		SET attempts = $2,
		    status = $3,
		    next_run_at = $4,
		    last_error = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, status, nextRunAt, lastError)
	return err
}
