package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Contact is the slice of the directory this service needs to address a
// message: who the patient is and how to reach them.
type Contact struct {
	PatientID string
	ClinicID  string
	Name      string
	Email     string
	Phone     string
	Active    bool
}

func (r *Repository) UpsertContact(ctx context.Context, c Contact) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_contacts (patient_id, clinic_id, name, email, phone, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE
		SET clinic_id = EXCLUDED.clinic_id,
		    name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    active = EXCLUDED.active,
		    updated_at = now()
	`, c.PatientID, c.ClinicID, c.Name, c.Email, c.Phone, c.Active)
	return err
}

func (r *Repository) GetContact(ctx context.Context, patientID string) (Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx, `
		SELECT patient_id, clinic_id, name, email, phone, active
		FROM patient_contacts
		WHERE patient_id = $1
	`, patientID).Scan(&c.PatientID, &c.ClinicID, &c.Name, &c.Email, &c.Phone, &c.Active)
	return c, err
}

func (r *Repository) UpsertStaffName(ctx context.Context, staffID string, name string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO staff_names (staff_id, name)
		VALUES ($1, $2)
		ON CONFLICT (staff_id) DO UPDATE
		SET name = EXCLUDED.name, updated_at = now()
	`, staffID, name)
	return err
}

// StaffName falls back to the raw id when the directory event has not
// arrived yet; the email is still sendable.
func (r *Repository) StaffName(ctx context.Context, staffID string) string {
	var name string
	err := r.pool.QueryRow(ctx, `
		SELECT name FROM staff_names WHERE staff_id = $1
	`, staffID).Scan(&name)
	if err != nil || name == "" {
		return staffID
	}
	return name
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return err == pgx.ErrNoRows
}
