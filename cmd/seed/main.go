package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/config"
	"github.com/hackgods/service-center-booking/internal/db"
	"github.com/hackgods/service-center-booking/internal/logging"
)

const (
	seedDays       = 14
	openingHour    = 8
	closingHour    = 17
	techniciansNum = 12
)

var services = []struct {
	name  string
	price int64
}{
	{"Periodic maintenance 5,000 km", 350_000},
	{"Periodic maintenance 10,000 km", 650_000},
	{"Engine oil change", 250_000},
	{"Brake inspection", 180_000},
	{"Wheel alignment", 300_000},
	{"Air conditioning service", 450_000},
	{"Battery check", 90_000},
	{"Full diagnostic scan", 500_000},
}

var parts = []struct {
	name  string
	price int64
}{
	{"Engine oil 4L", 620_000},
	{"Oil filter", 120_000},
	{"Air filter", 180_000},
	{"Cabin filter", 210_000},
	{"Brake pads (front)", 950_000},
	{"Wiper blades", 160_000},
	{"Spark plug", 95_000},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("seed", cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	techs, err := seedTechnicians(ctx, pool, faker, techniciansNum)
	if err != nil {
		logger.Fatal("seed technicians", zap.Error(err))
	}
	logger.Info("technicians seeded", zap.Int("count", len(techs)))

	if err := seedCatalog(ctx, pool); err != nil {
		logger.Fatal("seed catalog", zap.Error(err))
	}
	logger.Info("catalog seeded", zap.Int("services", len(services)), zap.Int("parts", len(parts)))

	n, err := seedSlots(ctx, pool, faker, techs, time.Now().UTC())
	if err != nil {
		logger.Fatal("seed slots", zap.Error(err))
	}
	logger.Info("slots seeded", zap.Int("count", n), zap.Int("days", seedDays))
}

func seedTechnicians(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO technicians (id, name, created_at)
			VALUES ($1, $2, now())
		`, id, faker.Name()); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, s := range services {
		if _, err := tx.Exec(ctx, `
			INSERT INTO service_catalog (id, name, unit_price, active)
			VALUES ($1, $2, $3, true)
		`, uuid.New(), s.name, s.price); err != nil {
			return err
		}
	}
	for _, p := range parts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO parts_catalog (id, name, unit_price, active)
			VALUES ($1, $2, $3, true)
		`, uuid.New(), p.name, p.price); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// seedSlots creates hourly slots during opening hours, one day at a time.
func seedSlots(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, techs []uuid.UUID, now time.Time) (int, error) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	created := 0

	for d := 0; d < seedDays; d++ {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return created, err
		}

		for hour := openingHour; hour < closingHour; hour++ {
			start := day.Add(time.Duration(hour) * time.Hour)
			capacity := faker.Number(1, 4)

			idx := make([]int, len(techs))
			for i := range idx {
				idx[i] = i
			}
			faker.ShuffleInts(idx)
			assigned := make([]uuid.UUID, 0, capacity)
			for _, i := range idx[:min(capacity, len(idx))] {
				assigned = append(assigned, techs[i])
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO slots (id, starts_at, ends_at, capacity, booked_count, technician_ids, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 0, $5, now(), now())
			`, uuid.New(), start, start.Add(time.Hour), capacity, assigned); err != nil {
				_ = tx.Rollback(ctx)
				return created, err
			}
			created++
		}

		if err := tx.Commit(ctx); err != nil {
			return created, err
		}
		day = day.AddDate(0, 0, 1)
	}

	return created, nil
}
