package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Window is a minute-of-day range within one weekday, end exclusive.
type Window struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (r *Repository) staffExistsTx(ctx context.Context, tx pgx.Tx, clinicID, staffID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM staff WHERE clinic_id = $1 AND id = $2
		)
	`, clinicID, staffID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) GetTemplate(ctx context.Context, clinicID, staffID string) (map[int][]Window, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT w.weekday, w.start_minute, w.end_minute
		FROM template_windows w
		JOIN staff s ON s.id = w.staff_id
		WHERE s.clinic_id = $1 AND w.staff_id = $2
		ORDER BY w.weekday ASC, w.start_minute ASC
	`, clinicID, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int][]Window{}
	for rows.Next() {
		var weekday int
		var win Window
		if err := rows.Scan(&weekday, &win.StartMinute, &win.EndMinute); err != nil {
			return nil, err
		}
		out[weekday] = append(out[weekday], win)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ReplaceTemplateTx swaps a staff member's full weekly template. Whole-template
// replacement keeps the replica event simple: it carries full state.
func (r *Repository) ReplaceTemplateTx(ctx context.Context, tx pgx.Tx, clinicID, staffID string, windows map[int][]Window) error {
	if err := r.staffExistsTx(ctx, tx, clinicID, staffID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM template_windows WHERE staff_id = $1
	`, staffID); err != nil {
		return err
	}
	for weekday, wins := range windows {
		for _, win := range wins {
			if _, err := tx.Exec(ctx, `
				INSERT INTO template_windows (staff_id, weekday, start_minute, end_minute)
				VALUES ($1, $2, $3, $4)
			`, staffID, weekday, win.StartMinute, win.EndMinute); err != nil {
				return err
			}
		}
	}
	return nil
}

type Exclusion struct {
	ID          string
	ClinicID    string
	StaffID     string
	Date        string
	StartMinute *int
	EndMinute   *int
	Reason      string
	CreatedAt   time.Time
}

func (r *Repository) CreateExclusionTx(ctx context.Context, tx pgx.Tx, e Exclusion) error {
	if err := r.staffExistsTx(ctx, tx, e.ClinicID, e.StaffID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO exclusions (id, clinic_id, staff_id, excluded_on, start_minute, end_minute, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ClinicID, e.StaffID, e.Date, e.StartMinute, e.EndMinute, e.Reason)
	return err
}

func (r *Repository) GetExclusion(ctx context.Context, clinicID, exclusionID string) (Exclusion, error) {
	var e Exclusion
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, staff_id::text, to_char(excluded_on, 'YYYY-MM-DD'),
			start_minute, end_minute, reason, created_at
		FROM exclusions
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, exclusionID).Scan(&e.ID, &e.ClinicID, &e.StaffID, &e.Date, &e.StartMinute, &e.EndMinute, &e.Reason, &e.CreatedAt)
	return e, err
}

func (r *Repository) ListExclusions(ctx context.Context, clinicID, staffID string, from, to string) ([]Exclusion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, staff_id::text, to_char(excluded_on, 'YYYY-MM-DD'),
			start_minute, end_minute, reason, created_at
		FROM exclusions
		WHERE clinic_id = $1 AND staff_id = $2
			AND excluded_on >= $3::date AND excluded_on <= $4::date
		ORDER BY excluded_on ASC
	`, clinicID, staffID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exclusion
	for rows.Next() {
		var e Exclusion
		if err := rows.Scan(&e.ID, &e.ClinicID, &e.StaffID, &e.Date, &e.StartMinute, &e.EndMinute, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) DeleteExclusionTx(ctx context.Context, tx pgx.Tx, clinicID, exclusionID string) (Exclusion, error) {
	var e Exclusion
	err := tx.QueryRow(ctx, `
		DELETE FROM exclusions
		WHERE clinic_id = $1 AND id = $2
		RETURNING id::text, clinic_id::text, staff_id::text, to_char(excluded_on, 'YYYY-MM-DD'),
			start_minute, end_minute, reason, created_at
	`, clinicID, exclusionID).Scan(&e.ID, &e.ClinicID, &e.StaffID, &e.Date, &e.StartMinute, &e.EndMinute, &e.Reason, &e.CreatedAt)
	return e, err
}
