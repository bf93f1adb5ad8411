package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/medsched/medsched/libs/config"
	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/libs/httpx"
	"github.com/medsched/medsched/libs/kafkax"
	otelx "github.com/medsched/medsched/libs/otel"
	"github.com/medsched/medsched/libs/runtime"
	"github.com/medsched/medsched/services/analytics-service/internal/consumer"
	"github.com/medsched/medsched/services/analytics-service/internal/inbox"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	topicBooked           = "scheduling.appointment.booked.v1"
	topicRescheduled      = "scheduling.appointment.rescheduled.v1"
	topicCancelled        = "scheduling.appointment.cancelled.v1"
	topicCompleted        = "scheduling.appointment.completed.v1"
	topicNoShow           = "scheduling.appointment.no_show.v1"
	topicNotificationSent = "notification.sent.v1"
	topicNotificationFail = "notification.failed.v1"
	topicOccurrenceDLQ    = "recurrence.occurrence.dlq.v1"
)

// Counter column per appointment event type.
var appointmentCounters = map[string]string{
	topicBooked:      "booked_count",
	topicRescheduled: "rescheduled_count",
	topicCancelled:   "cancelled_count",
	topicCompleted:   "completed_count",
	topicNoShow:      "no_show_count",
}

func main() {
	service := config.String("SERVICE_NAME", "analytics-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)

	handleAppointmentEvent := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			AppointmentID string `json:"appointment_id"`
			ClinicID      string `json:"clinic_id"`
			StaffID       string `json:"staff_id"`
			StartTime     string `json:"start_time"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid appointment payload", "err", err)
			return nil
		}
		if payload.AppointmentID == "" || payload.ClinicID == "" || payload.StartTime == "" {
			logger.Error("missing appointment fields")
			return nil
		}
		startTime, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			logger.Error("invalid start_time", "err", err)
			return nil
		}

		meta := kafkax.ExtractEventMeta(msg)
		counter := appointmentCounters[msg.Topic]
		if counter == "" {
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			logger.Error("db begin failed", "err", err)
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, `
			INSERT INTO appointment_events (event_id, event_type, clinic_id, staff_id, appointment_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
		`, meta.EventID, meta.EventType, payload.ClinicID, payload.StaffID, payload.AppointmentID, startTime.UTC())
		if err != nil {
			logger.Error("failed to insert appointment event", "err", err)
			return err
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Commit(ctx)
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO daily_appointment_metrics (clinic_id, day, `+counter+`)
			VALUES ($1, $2::date, 1)
			ON CONFLICT (clinic_id, day)
			DO UPDATE SET `+counter+` = daily_appointment_metrics.`+counter+` + 1,
			              updated_at = now()
		`, payload.ClinicID, startTime.UTC()); err != nil {
			logger.Error("failed to update daily metrics", "err", err)
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			logger.Error("failed to commit appointment metric", "err", err)
			return err
		}

		logger.Info("appointment metric recorded", "appointment_id", payload.AppointmentID, "clinic_id", payload.ClinicID, "event_type", meta.EventType)
		return nil
	}

	handleNotificationEvent := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			AppointmentID string `json:"appointment_id"`
			ClinicID      string `json:"clinic_id"`
			Kind          string `json:"kind"`
			Channel       string `json:"channel"`
			At            string `json:"at"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid notification payload", "err", err)
			return nil
		}
		if payload.AppointmentID == "" || payload.Channel == "" || payload.At == "" {
			logger.Error("missing notification fields")
			return nil
		}
		at, err := time.Parse(time.RFC3339, payload.At)
		if err != nil {
			logger.Error("invalid notification timestamp", "err", err)
			return nil
		}

		status := "sent"
		sentInc, failedInc := 1, 0
		if msg.Topic == topicNotificationFail {
			status = "failed"
			sentInc, failedInc = 0, 1
		}

		if _, err := pool.Exec(ctx, `
			INSERT INTO notification_metrics (appointment_id, clinic_id, kind, channel, occurred_at, status)
			VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6)
		`, payload.AppointmentID, payload.ClinicID, payload.Kind, payload.Channel, at.UTC(), status); err != nil {
			logger.Error("failed to write notification metric", "err", err)
			return err
		}

		if payload.ClinicID != "" {
			if _, err := pool.Exec(ctx, `
				INSERT INTO daily_notification_metrics (clinic_id, day, channel, sent_count, failed_count)
				VALUES ($1, $2::date, $3, $4, $5)
				ON CONFLICT (clinic_id, day, channel)
				DO UPDATE SET sent_count = daily_notification_metrics.sent_count + EXCLUDED.sent_count,
				              failed_count = daily_notification_metrics.failed_count + EXCLUDED.failed_count,
				              updated_at = now()
			`, payload.ClinicID, at.UTC(), payload.Channel, sentInc, failedInc); err != nil {
				logger.Error("failed to update daily notification metrics", "err", err)
				return err
			}
		}

		logger.Info("notification metric recorded", "appointment_id", payload.AppointmentID, "channel", payload.Channel, "status", status)
		return nil
	}

	handleDLQEvent := func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			RuleID    string `json:"rule_id"`
			ClinicID  string `json:"clinic_id"`
			StaffID   string `json:"staff_id"`
			PatientID string `json:"patient_id"`
			StartTime string `json:"start_time"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid dlq payload", "err", err)
			return nil
		}
		if payload.RuleID == "" || payload.ClinicID == "" || payload.StartTime == "" {
			logger.Error("missing dlq fields")
			return nil
		}
		startTime, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			logger.Error("invalid dlq start_time", "err", err)
			return nil
		}

		if _, err := pool.Exec(ctx, `
			INSERT INTO recurrence_dlq_events (rule_id, clinic_id, staff_id, patient_id, start_time, error_reason)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, payload.RuleID, payload.ClinicID, payload.StaffID, payload.PatientID, startTime.UTC(), payload.Reason); err != nil {
			logger.Error("failed to write dlq event", "err", err)
			return err
		}

		logger.Warn("recurrence dlq recorded", "rule_id", payload.RuleID, "clinic_id", payload.ClinicID)
		return nil
	}

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "analytics-service"),
		Topics: []string{
			topicBooked,
			topicRescheduled,
			topicCancelled,
			topicCompleted,
			topicNoShow,
			topicNotificationSent,
			topicNotificationFail,
			topicOccurrenceDLQ,
		},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		switch msg.Topic {
		case topicNotificationSent, topicNotificationFail:
			return handleNotificationEvent(ctx, msg)
		case topicOccurrenceDLQ:
			return handleDLQEvent(ctx, msg)
		default:
			return handleAppointmentEvent(ctx, msg)
		}
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "analytics")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
