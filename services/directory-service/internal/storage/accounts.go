package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type Account struct {
	ID           string
	ClinicID     string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

func (r *Repository) CreateAccountTx(ctx context.Context, tx pgx.Tx, a Account) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, clinic_id, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.ClinicID, a.Email, a.PasswordHash, a.Role)
	return err
}

func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, email, password_hash, role, created_at
		FROM accounts
		WHERE email = $1
	`, email).Scan(&a.ID, &a.ClinicID, &a.Email, &a.PasswordHash, &a.Role, &a.CreatedAt)
	return a, err
}

func (r *Repository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	var a Account
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, clinic_id::text, email, password_hash, role, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.ClinicID, &a.Email, &a.PasswordHash, &a.Role, &a.CreatedAt)
	return a, err
}

func (r *Repository) ListAccounts(ctx context.Context, clinicID string, limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, clinic_id::text, email, password_hash, role, created_at
		FROM accounts
		WHERE clinic_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clinicID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.ClinicID, &a.Email, &a.PasswordHash, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
