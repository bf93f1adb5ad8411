package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/services/recurrence-service/internal/jobs"
)

// Materializer walks active rules on a ticker and turns every occurrence
// inside the rolling horizon into a booking job. Job inserts are keyed on
// rule id plus start time, so re-materializing an already covered span is
// a no-op.
type Materializer struct {
	pool      *db.Pool
	rules     *Repository
	jobs      *jobs.Repository
	logger    *slog.Logger
	interval  time.Duration
	horizon   time.Duration
	batchSize int
	now       func() time.Time
}

type MaterializerConfig struct {
	Interval  time.Duration
	Horizon   time.Duration
	BatchSize int
}

func NewMaterializer(pool *db.Pool, rulesRepo *Repository, jobsRepo *jobs.Repository, logger *slog.Logger, cfg MaterializerConfig) *Materializer {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 28 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Materializer{
		pool:      pool,
		rules:     rulesRepo,
		jobs:      jobsRepo,
		logger:    logger,
		interval:  cfg.Interval,
		horizon:   cfg.Horizon,
		batchSize: cfg.BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Materializer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.materializeBatch(ctx); err != nil {
				m.logger.Error("materialize batch failed", "err", err)
			}
		}
	}
}

func (m *Materializer) materializeBatch(ctx context.Context) error {
	target := m.now().Add(m.horizon)

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	behind, err := m.rules.FetchBehind(ctx, tx, target, m.batchSize)
	if err != nil {
		return err
	}
	if len(behind) == 0 {
		return tx.Commit(ctx)
	}

	for _, rule := range behind {
		occs := Occurrences(rule, rule.MaterializedThrough, target)
		for _, occ := range occs {
			if err := m.jobs.Insert(ctx, tx, jobs.Job{
				RuleID:    rule.ID,
				ClinicID:  rule.ClinicID,
				StaffID:   rule.StaffID,
				PatientID: rule.PatientID,
				ServiceID: rule.ServiceID,
				StartTime: occ.Start,
				EndTime:   occ.End,
			}); err != nil {
				return err
			}
		}

		if rule.EndDate != nil && rule.EndDate.AddDate(0, 0, 1).Before(target) {
			// The whole series is covered; nothing left to expand.
			if err := m.rules.Deactivate(ctx, tx, rule.ID); err != nil {
				return err
			}
		}
		if err := m.rules.MarkMaterialized(ctx, tx, rule.ID, target); err != nil {
			return err
		}
		if len(occs) > 0 {
			m.logger.Info("rule materialized", "rule_id", rule.ID, "clinic_id", rule.ClinicID, "occurrences", len(occs), "through", target.Format(time.RFC3339))
		}
	}

	return tx.Commit(ctx)
}
