package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/medsched/medsched/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Pool() *db.Pool { return r.pool }

func IsNotFound(err error) bool {
	return err == pgx.ErrNoRows
}

type Clinic struct {
	ID        string
	Name      string
	Timezone  string
	CreatedAt time.Time
}

func (r *Repository) CreateClinicTx(ctx context.Context, tx pgx.Tx, c Clinic) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO clinics (id, name, timezone)
		VALUES ($1, $2, $3)
	`, c.ID, c.Name, c.Timezone)
	return err
}

func (r *Repository) GetClinic(ctx context.Context, clinicID string) (Clinic, error) {
	var c Clinic
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, timezone, created_at
		FROM clinics
		WHERE id = $1
	`, clinicID).Scan(&c.ID, &c.Name, &c.Timezone, &c.CreatedAt)
	return c, err
}

func (r *Repository) UpdateClinic(ctx context.Context, clinicID, name, timezone string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clinics
		SET name = $2, timezone = $3, updated_at = now()
		WHERE id = $1
	`, clinicID, name, timezone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type Staff struct {
	ID        string
	ClinicID  string
	Name      string
	Active    bool
	TimeZone  string
	CreatedAt time.Time
}

func (r *Repository) CreateStaffTx(ctx context.Context, tx pgx.Tx, s Staff) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO staff (id, clinic_id, name, active, time_zone)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.ClinicID, s.Name, s.Active, s.TimeZone); err != nil {
		return err
	}

	// Default template: Mon-Fri 09:00-17:00, weekend closed.
	for wd := 1; wd <= 5; wd++ {
		if _, err := tx.Exec(ctx, `
			INSERT INTO template_windows (staff_id, weekday, start_minute, end_minute)
			VALUES ($1, $2, $3, $4)
		`, s.ID, wd, 540, 1020); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) UpdateStaffTx(ctx context.Context, tx pgx.Tx, s Staff) error {
	tag, err := tx.Exec(ctx, `
		UPDATE staff
		SET name = $3, active = $4, time_zone = $5, updated_at = now()
		WHERE clinic_id = $1 AND id = $2
	`, s.ClinicID, s.ID, s.Name, s.Active, s.TimeZone)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) GetStaff(ctx context.Context, clinicID, staffID string) (Staff, error) {
	var s Staff
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, name, active, time_zone, created_at
		FROM staff
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, staffID).Scan(&s.ID, &s.ClinicID, &s.Name, &s.Active, &s.TimeZone, &s.CreatedAt)
	return s, err
}

func (r *Repository) ListStaff(ctx context.Context, clinicID string, limit int) ([]Staff, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, name, active, time_zone, created_at
		FROM staff
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Staff
	for rows.Next() {
		var s Staff
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.Name, &s.Active, &s.TimeZone, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type Patient struct {
	ID        string
	ClinicID  string
	Name      string
	Email     string
	Phone     string
	Active    bool
	CreatedAt time.Time
}

func (r *Repository) CreatePatientTx(ctx context.Context, tx pgx.Tx, p Patient) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO patients (id, clinic_id, name, email, phone, active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.ClinicID, p.Name, p.Email, p.Phone, p.Active)
	return err
}

func (r *Repository) UpdatePatientTx(ctx context.Context, tx pgx.Tx, p Patient) error {
	tag, err := tx.Exec(ctx, `
		UPDATE patients
		SET name = $3, email = $4, phone = $5, active = $6, updated_at = now()
		WHERE clinic_id = $1 AND id = $2
	`, p.ClinicID, p.ID, p.Name, p.Email, p.Phone, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *Repository) GetPatient(ctx context.Context, clinicID, patientID string) (Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, name, email, phone, active, created_at
		FROM patients
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, patientID).Scan(&p.ID, &p.ClinicID, &p.Name, &p.Email, &p.Phone, &p.Active, &p.CreatedAt)
	return p, err
}

func (r *Repository) ListPatients(ctx context.Context, clinicID string, limit int) ([]Patient, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, name, email, phone, active, created_at
		FROM patients
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.ClinicID, &p.Name, &p.Email, &p.Phone, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type Service struct {
	ID              string
	ClinicID        string
	Name            string
	DurationMinutes int
	Capacity        int
	Price           string
	CreatedAt       time.Time
}

func (r *Repository) CreateServiceTx(ctx context.Context, tx pgx.Tx, s Service) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO services (id, clinic_id, name, duration_minutes, capacity, price)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.ClinicID, s.Name, s.DurationMinutes, s.Capacity, s.Price)
	return err
}

func (r *Repository) GetService(ctx context.Context, clinicID, serviceID string) (Service, error) {
	var s Service
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, name, duration_minutes, capacity, price::text, created_at
		FROM services
		WHERE clinic_id = $1 AND id = $2
	`, clinicID, serviceID).Scan(&s.ID, &s.ClinicID, &s.Name, &s.DurationMinutes, &s.Capacity, &s.Price, &s.CreatedAt)
	return s, err
}

func (r *Repository) ListServices(ctx context.Context, clinicID string, limit int) ([]Service, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, name, duration_minutes, capacity, price::text, created_at
		FROM services
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.ClinicID, &s.Name, &s.DurationMinutes, &s.Capacity, &s.Price, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
