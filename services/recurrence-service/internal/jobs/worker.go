package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/medsched/medsched/libs/db"
	otelx "github.com/medsched/medsched/libs/otel"
	"github.com/medsched/medsched/services/recurrence-service/internal/bookings"
	"github.com/medsched/medsched/services/recurrence-service/internal/outbox"
)

const (
	EventOccurrenceBooked  = "recurrence.occurrence.booked.v1"
	EventOccurrenceSkipped = "recurrence.occurrence.skipped.v1"
	EventOccurrenceDLQ     = "recurrence.occurrence.dlq.v1"
)

// Worker drains due booking jobs and plays them against the scheduling
// service. Rejections (slot conflicts, closed hours) are recorded and
// skipped; transport failures retry with backoff and land in the DLQ
// topic once attempts run out.
type Worker struct {
	pool      *db.Pool
	repo      *Repository
	outbox    *outbox.Repository
	client    *bookings.Client
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewWorker(pool *db.Pool, repo *Repository, outboxRepo *outbox.Repository, client *bookings.Client, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	return &Worker{
		pool:      pool,
		repo:      repo,
		outbox:    outboxRepo,
		client:    client,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("booking batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobs, err := w.repo.FetchDue(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return tx.Commit(ctx)
	}

	for _, job := range jobs {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		res, err := w.client.Book(jobCtx, bookings.BookParams{
			ClinicID:       job.ClinicID,
			StaffID:        job.StaffID,
			PatientID:      job.PatientID,
			ServiceID:      job.ServiceID,
			Start:          job.StartTime,
			End:            job.EndTime,
			RuleID:         job.RuleID,
			IdempotencyKey: job.RuleID + "|" + job.StartTime.UTC().Format(time.RFC3339),
		})
		if err != nil {
			res.Outcome = bookings.Failed
			res.Reason = err.Error()
		}

		switch res.Outcome {
		case bookings.Booked:
			if err := w.repo.MarkBooked(ctx, tx, job.ID, res.AppointmentID); err != nil {
				return err
			}
			if err := w.emit(jobCtx, tx, EventOccurrenceBooked, job, res.AppointmentID, ""); err != nil {
				return err
			}
		case bookings.Rejected:
			w.logger.Info("occurrence skipped", "rule_id", job.RuleID, "start", job.StartTime.Format(time.RFC3339), "reason", res.Reason)
			if err := w.repo.MarkSkipped(ctx, tx, job.ID, res.Reason); err != nil {
				return err
			}
			if err := w.emit(jobCtx, tx, EventOccurrenceSkipped, job, "", res.Reason); err != nil {
				return err
			}
		default:
			attempts := job.Attempts + 1
			nextRunAt := time.Now().UTC().Add(w.backoff)
			w.logger.Warn("occurrence booking failed", "rule_id", job.RuleID, "attempt", attempts, "reason", res.Reason)
			if err := w.repo.MarkFailed(ctx, tx, job.ID, attempts, job.MaxAttempts, nextRunAt, res.Reason); err != nil {
				return err
			}
			if attempts >= job.MaxAttempts {
				if err := w.emit(jobCtx, tx, EventOccurrenceDLQ, job, "", res.Reason); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit(ctx)
}

func (w *Worker) emit(ctx context.Context, tx pgx.Tx, eventType string, job Job, appointmentID string, reason string) error {
	payload, err := json.Marshal(map[string]any{
		"rule_id":        job.RuleID,
		"clinic_id":      job.ClinicID,
		"staff_id":       job.StaffID,
		"patient_id":     job.PatientID,
		"service_id":     job.ServiceID,
		"start_time":     job.StartTime.UTC().Format(time.RFC3339),
		"end_time":       job.EndTime.UTC().Format(time.RFC3339),
		"appointment_id": appointmentID,
		"reason":         reason,
	})
	if err != nil {
		return err
	}
	return w.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "recurrence_rule",
		AggregateID:   job.RuleID,
		EventType:     eventType,
		Payload:       payload,
	})
}
