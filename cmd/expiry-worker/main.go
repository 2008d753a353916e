package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/config"
	"github.com/hackgods/service-center-booking/internal/db"
	"github.com/hackgods/service-center-booking/internal/logging"
	"github.com/hackgods/service-center-booking/internal/notify"
	"github.com/hackgods/service-center-booking/internal/slot"
	"github.com/hackgods/service-center-booking/internal/tasks"
	"github.com/hackgods/service-center-booking/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("expiry-worker", cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("expiry-worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(rootCtx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  "expiry-worker",
		Version:      cfg.Version,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRatio:  cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	ledger := slot.NewLedger(slot.NewPgRepository(pgPool), cfg.ReservationTTL, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QueueReservations: 1,
			},
			Logger: logger.Sugar(),
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeReservationExpire, tasks.HandleReservationExpire(ledger, logger))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	defer srv.Shutdown()

	var wg sync.WaitGroup

	if brokers := notify.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher := notify.NewPublisher(
			notify.NewPgOutbox(pgPool),
			notify.NewKafkaWriter(brokers),
			logger,
			notify.PublisherConfig{PollEvery: cfg.OutboxPollInterval, BatchSize: cfg.OutboxBatchSize},
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(rootCtx)
		}()
		logger.Info("outbox publisher started", zap.Strings("brokers", brokers))
	} else {
		logger.Warn("KAFKA_BROKERS not set, events stay in the outbox")
	}

	// The sweep catches holds whose expiry task was lost.
	runOnce(rootCtx, ledger, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			wg.Wait()
			return nil
		case <-ticker.C:
			runOnce(rootCtx, ledger, logger)
		}
	}
}

func runOnce(ctx context.Context, ledger *slot.Ledger, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := ledger.ExpireStale(runCtx)
	if err != nil {
		logger.Error("expiry run error", zap.Error(err), zap.Int("expired", n))
		return
	}
	logger.Info("expiry run complete", zap.Int("expired", n), zap.Duration("took", time.Since(start)))
}
