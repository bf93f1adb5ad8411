package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/medsched/medsched/libs/config"
	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/libs/httpx"
	"github.com/medsched/medsched/libs/kafkax"
	otelx "github.com/medsched/medsched/libs/otel"
	"github.com/medsched/medsched/libs/runtime"
	"github.com/medsched/medsched/services/notification-service/internal/consumer"
	"github.com/medsched/medsched/services/notification-service/internal/email"
	"github.com/medsched/medsched/services/notification-service/internal/inbox"
	"github.com/medsched/medsched/services/notification-service/internal/outbox"
	"github.com/medsched/medsched/services/notification-service/internal/sms"
	"github.com/medsched/medsched/services/notification-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	topicPatientUpserted = "directory.patient.upserted.v1"
	topicStaffUpserted   = "directory.staff.upserted.v1"
	topicBooked          = "scheduling.appointment.booked.v1"
	topicRescheduled     = "scheduling.appointment.rescheduled.v1"
	topicCancelled       = "scheduling.appointment.cancelled.v1"
)

type patientPayload struct {
	ClinicID  string `json:"clinic_id"`
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Active    bool   `json:"active"`
}

type staffPayload struct {
	StaffID string `json:"staff_id"`
	Name    string `json:"name"`
}

type appointmentPayload struct {
	AppointmentID string    `json:"appointment_id"`
	ClinicID      string    `json:"clinic_id"`
	StaffID       string    `json:"staff_id"`
	PatientID     string    `json:"patient_id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	CancelReason  string    `json:"cancel_reason,omitempty"`
}

func writeOutboxResult(ctx context.Context, pool *db.Pool, outboxRepo *outbox.Repository, appt appointmentPayload, kind string, channel string, status string, detail string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	eventType := "notification.sent.v1"
	if status != "sent" {
		eventType = "notification.failed.v1"
	}
	eventPayload, err := json.Marshal(map[string]any{
		"appointment_id": appt.AppointmentID,
		"clinic_id":      appt.ClinicID,
		"kind":           kind,
		"channel":        channel,
		"detail":         detail,
		"at":             time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   appt.AppointmentID,
		EventType:     eventType,
		Payload:       eventPayload,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func messageFor(kind string, appt appointmentPayload, patientName string, staffName string) (subject string, body string) {
	when := appt.StartTime.UTC().Format("Monday, 2 January 2006 at 15:04 MST")
	switch kind {
	case "booked":
		subject = "Appointment confirmed"
		body = fmt.Sprintf("Hi %s,\n\nYour appointment with %s is confirmed for %s.\n", patientName, staffName, when)
	case "rescheduled":
		subject = "Appointment rescheduled"
		body = fmt.Sprintf("Hi %s,\n\nYour appointment with %s has been moved to %s.\n", patientName, staffName, when)
	case "cancelled":
		subject = "Appointment cancelled"
		body = fmt.Sprintf("Hi %s,\n\nYour appointment with %s on %s has been cancelled.\n", patientName, staffName, when)
		if appt.CancelReason != "" {
			body += fmt.Sprintf("Reason: %s\n", appt.CancelReason)
		}
	}
	return subject, body
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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
	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@medsched.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	smsProvider := strings.ToLower(config.String("SMS_PROVIDER", "noop"))
	smsWebhookURL := config.String("SMS_WEBHOOK_URL", "")
	smsWebhookToken := config.String("SMS_WEBHOOK_TOKEN", "")
	var smsSender sms.Sender
	switch smsProvider {
	case "webhook":
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	default:
		smsSender = sms.NewNoopSender()
	}

	kinds := map[string]string{
		topicBooked:      "booked",
		topicRescheduled: "rescheduled",
		topicCancelled:   "cancelled",
	}

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics: []string{
			topicPatientUpserted,
			topicStaffUpserted,
			topicBooked,
			topicRescheduled,
			topicCancelled,
		},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		switch msg.Topic {
		case topicPatientUpserted:
			var p patientPayload
			if err := json.Unmarshal(msg.Value, &p); err != nil || p.PatientID == "" {
				logger.Error("invalid patient event", "err", err)
				return nil
			}
			return repo.UpsertContact(ctx, storage.Contact{
				PatientID: p.PatientID,
				ClinicID:  p.ClinicID,
				Name:      p.Name,
				Email:     p.Email,
				Phone:     p.Phone,
				Active:    p.Active,
			})
		case topicStaffUpserted:
			var s staffPayload
			if err := json.Unmarshal(msg.Value, &s); err != nil || s.StaffID == "" {
				logger.Error("invalid staff event", "err", err)
				return nil
			}
			return repo.UpsertStaffName(ctx, s.StaffID, s.Name)
		}

		kind, ok := kinds[msg.Topic]
		if !ok {
			return nil
		}

		var appt appointmentPayload
		if err := json.Unmarshal(msg.Value, &appt); err != nil {
			logger.Error("invalid appointment event", "err", err)
			return nil
		}
		if appt.AppointmentID == "" || appt.PatientID == "" {
			logger.Error("missing appointment fields")
			return nil
		}

		contact, err := repo.GetContact(ctx, appt.PatientID)
		if err != nil {
			if storage.IsNotFound(err) {
				logger.Warn("no contact for patient, skipping", "patient_id", appt.PatientID)
				return nil
			}
			return err
		}
		if !contact.Active {
			logger.Info("contact inactive, skipping", "patient_id", appt.PatientID)
			return nil
		}

		patientName := contact.Name
		if patientName == "" {
			patientName = "there"
		}
		subject, body := messageFor(kind, appt, patientName, repo.StaffName(ctx, appt.StaffID))

		status := "sent"
		detail := ""
		channel := ""
		switch {
		case contact.Email != "":
			channel = "email"
			if err := emailSender.Send(contact.Email, subject, body); err != nil {
				status = "failed"
				detail = err.Error()
				logger.Error("email send failed", "err", err, "recipient", contact.Email)
			}
		case contact.Phone != "":
			channel = "sms"
			if err := smsSender.Send(ctx, contact.Phone, subject+": "+strings.ReplaceAll(body, "\n", " ")); err != nil {
				status = "failed"
				detail = err.Error()
				logger.Error("sms send failed", "err", err, "recipient", contact.Phone)
			}
		default:
			logger.Info("no contact channel, skipping", "patient_id", appt.PatientID)
			return nil
		}

		recipient := contact.Email
		if channel == "sms" {
			recipient = contact.Phone
		}
		if err := repo.Insert(ctx, storage.Notification{
			AppointmentID: appt.AppointmentID,
			ClinicID:      appt.ClinicID,
			Kind:          kind,
			Channel:       channel,
			Recipient:     recipient,
			Payload:       map[string]any{"subject": subject},
			Status:        status,
		}); err != nil {
			logger.Error("failed to persist notification", "err", err)
			return err
		}

		if err := writeOutboxResult(ctx, pool, outboxRepo, appt, kind, channel, status, detail); err != nil {
			logger.Error("failed to enqueue notification event", "err", err)
			return err
		}

		logger.Info("notification processed", "appointment_id", appt.AppointmentID, "kind", kind, "channel", channel, "status", status)
		return nil
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
	handler = otelhttp.NewHandler(handler, "notification")
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
