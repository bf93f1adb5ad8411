package rules

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rule Rule) error {
	weekdays := make([]int32, 0, len(rule.Weekdays))
	for _, d := range rule.Weekdays {
		weekdays = append(weekdays, int32(d))
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO recurrence_rules (rule_id, clinic_id, staff_id, patient_id, service_id, frequency, interval, weekdays, start_minute, duration_minutes, start_date, end_date, active, materialized_through)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, true, $11)
		ON CONFLICT (rule_id) DO NOTHING
	`, rule.ID, rule.ClinicID, rule.StaffID, rule.PatientID, rule.ServiceID, rule.Frequency, rule.Interval, weekdays, rule.StartMinute, rule.DurationMinutes, rule.StartDate, rule.EndDate)
	return err
}

// FetchBehind returns active rules whose materialized horizon is behind
// the target, locked for this materializer pass.
func (r *Repository) FetchBehind(ctx context.Context, tx pgx.Tx, target time.Time, limit int) ([]Rule, error) {
	rows, err := tx.Query(ctx, `
		SELECT rule_id, clinic_id, staff_id, patient_id, service_id, frequency, interval, weekdays, start_minute, duration_minutes, start_date, end_date, active, materialized_through
		FROM recurrence_rules
		WHERE active AND materialized_through < $1
		ORDER BY materialized_through
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var rule Rule
		var weekdays []int32
		if err := rows.Scan(&rule.ID, &rule.ClinicID, &rule.StaffID, &rule.PatientID, &rule.ServiceID, &rule.Frequency, &rule.Interval, &weekdays, &rule.StartMinute, &rule.DurationMinutes, &rule.StartDate, &rule.EndDate, &rule.Active, &rule.MaterializedThrough); err != nil {
			return nil, err
		}
		for _, d := range weekdays {
			rule.Weekdays = append(rule.Weekdays, int(d))
		}
		out = append(out, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *Repository) MarkMaterialized(ctx context.Context, tx pgx.Tx, ruleID string, through time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE recurrence_rules
		SET materialized_through = $2, updated_at = now()
		WHERE rule_id = $1
	`, ruleID, through)
	return err
}

// Deactivate stops future materialization; existing booking jobs still run.
func (r *Repository) Deactivate(ctx context.Context, tx pgx.Tx, ruleID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE recurrence_rules
		SET active = false, updated_at = now()
		WHERE rule_id = $1
	`, ruleID)
	return err
}
