package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Entitlement is the locally cached subscription limit row, kept current by
// consuming billing.subscription.*.v1 events. A missing row means no active
// subscription; the free-tier defaults apply.
type Entitlement struct {
	ClinicID               string
	Tier                   string
	MaxStaff               int
	MaxMonthlyAppointments int
}

const (
	FreeTierMaxStaff               = 2
	FreeTierMaxMonthlyAppointments = 50
)

func (r *Repository) MaxMonthlyAppointments(ctx context.Context, clinicID string) (int, error) {
	ent, err := r.GetEntitlement(ctx, clinicID)
	if err != nil {
		return 0, err
	}
	return ent.MaxMonthlyAppointments, nil
}

func (r *Repository) GetEntitlement(ctx context.Context, clinicID string) (Entitlement, error) {
	var ent Entitlement
	err := r.pool.QueryRow(ctx, `
		SELECT clinic_id::text, tier, max_staff, max_monthly_appointments
		FROM clinic_entitlements
		WHERE clinic_id = $1
	`, clinicID).Scan(&ent.ClinicID, &ent.Tier, &ent.MaxStaff, &ent.MaxMonthlyAppointments)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entitlement{
			ClinicID:               clinicID,
			Tier:                   "free",
			MaxStaff:               FreeTierMaxStaff,
			MaxMonthlyAppointments: FreeTierMaxMonthlyAppointments,
		}, nil
	}
	if err != nil {
		return Entitlement{}, err
	}
	return ent, nil
}

func (r *Repository) UpsertEntitlement(ctx context.Context, ent Entitlement) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO clinic_entitlements (clinic_id, tier, max_staff, max_monthly_appointments, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (clinic_id) DO UPDATE
		SET tier = EXCLUDED.tier,
			max_staff = EXCLUDED.max_staff,
			max_monthly_appointments = EXCLUDED.max_monthly_appointments,
			updated_at = now()
	`, ent.ClinicID, ent.Tier, ent.MaxStaff, ent.MaxMonthlyAppointments)
	return err
}

func (r *Repository) DeleteEntitlement(ctx context.Context, clinicID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM clinic_entitlements WHERE clinic_id = $1
	`, clinicID)
	return err
}
