package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/api"
	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	"github.com/hackgods/service-center-booking/internal/cancellation"
	"github.com/hackgods/service-center-booking/internal/catalog"
	"github.com/hackgods/service-center-booking/internal/config"
	"github.com/hackgods/service-center-booking/internal/db"
	"github.com/hackgods/service-center-booking/internal/logging"
	"github.com/hackgods/service-center-booking/internal/payment"
	redisclient "github.com/hackgods/service-center-booking/internal/redis"
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

	logger, err := logging.New("api-server", cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up", zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(rootCtx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  "api-server",
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
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		return err
	}
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	taskClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = taskClient.Close() }()

	ledger := slot.NewLedger(slot.NewPgRepository(pgPool), cfg.ReservationTTL, logger,
		slot.WithExpiryScheduler(tasks.NewExpiryScheduler(taskClient)))
	appointments := appointment.NewService(appointment.NewPgRepository(pgPool), ledger, logger)
	cancellations := cancellation.NewWorkflow(appointments, logger)

	gateway, err := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.PaymentSuccessURL, cfg.PaymentCancelURL, logger)
	if err != nil {
		return err
	}

	saga := booking.NewSaga(
		ledger,
		appointments,
		gateway,
		booking.NewRedisPendingStore(redisclient.NewJSONStore(rdb, booking.PendingKeyPrefix)),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		catalog.NewPgCatalog(pgPool),
		booking.Config{
			PendingTTL:     cfg.PendingBookingTTL,
			VerifyTimeout:  cfg.VerifyTimeout,
			DepositPercent: cfg.DepositPercent,
			Currency:       cfg.Currency,
		},
		logger,
	)

	router := api.NewRouter(api.RouterConfig{
		Slots:         ledger,
		Appointments:  appointments,
		Bookings:      saga,
		Cancellations: cancellations,
		Postgres:      pgPool,
		Redis:         api.RedisPinger(rdb),
		Logger:        logger,
		JWTSecret:     []byte(cfg.JWTSecret),
		RateLimitRPS:  cfg.RateLimitRPS,
		RateBurst:     cfg.RateBurst,
		CORSOrigins:   cfg.CORSOrigins,
		Env:           cfg.Env,
		Version:       cfg.Version,

		MaxVerifyTimeout: cfg.VerifyTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(router, "api-server"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.VerifyTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
