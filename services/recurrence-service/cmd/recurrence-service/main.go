package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/medsched/medsched/libs/config"
	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/libs/httpx"
	"github.com/medsched/medsched/libs/kafkax"
	otelx "github.com/medsched/medsched/libs/otel"
	"github.com/medsched/medsched/libs/runtime"
	"github.com/medsched/medsched/services/recurrence-service/internal/bookings"
	"github.com/medsched/medsched/services/recurrence-service/internal/consumer"
	"github.com/medsched/medsched/services/recurrence-service/internal/inbox"
	"github.com/medsched/medsched/services/recurrence-service/internal/jobs"
	"github.com/medsched/medsched/services/recurrence-service/internal/outbox"
	"github.com/medsched/medsched/services/recurrence-service/internal/rules"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "recurrence-service")
	port, err := config.Port("PORT", "8083")
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
	ruleRepo := rules.NewRepository()
	jobRepo := jobs.NewRepository()
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	horizonDays, err := strconv.Atoi(config.String("MATERIALIZE_HORIZON_DAYS", "28"))
	if err != nil || horizonDays <= 0 {
		horizonDays = 28
	}
	materializer := rules.NewMaterializer(pool, ruleRepo, jobRepo, logger, rules.MaterializerConfig{
		Interval:  1 * time.Minute,
		Horizon:   time.Duration(horizonDays) * 24 * time.Hour,
		BatchSize: 20,
	})
	go materializer.Run(ctx)

	backoffSeconds, err := strconv.Atoi(config.String("BOOKING_BACKOFF_SECONDS", "60"))
	if err != nil || backoffSeconds <= 0 {
		backoffSeconds = 60
	}
	schedulingClient := bookings.New(config.String("SCHEDULING_URL", "http://scheduling-service:8082"), 10*time.Second)
	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, schedulingClient, logger, jobs.WorkerConfig{
		Interval:  5 * time.Second,
		BatchSize: 25,
		Backoff:   time.Duration(backoffSeconds) * time.Second,
	})
	go jobWorker.Run(ctx)

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "recurrence-service"),
		Topic:   config.String("KAFKA_CONSUME_TOPIC", "scheduling.recurrence_rule.created.v1"),
	}

	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		rule, err := rules.FromEvent(msg.Value)
		if err != nil {
			logger.Error("invalid recurrence rule event", "err", err)
			return nil
		}
		if rule.ID == "" || rule.ClinicID == "" || rule.StaffID == "" {
			logger.Error("missing recurrence rule fields")
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := ruleRepo.Insert(ctx, tx, rule); err != nil {
			return err
		}
		return tx.Commit(ctx)
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
	handler = otelhttp.NewHandler(handler, "recurrence")
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
