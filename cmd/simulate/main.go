package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/api"
	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	"github.com/hackgods/service-center-booking/internal/config"
	"github.com/hackgods/service-center-booking/internal/db"
	"github.com/hackgods/service-center-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	ReserveRatio  float64
	ReadRatio     float64
	CustomerCount int
	SlotLimit     int
	PostgresDSN   string
	JWTSecret     []byte
}

type DataPool struct {
	Customers    []uuid.UUID
	Slots        []uuid.UUID
	Services     []uuid.UUID
	mu           sync.RWMutex
	appointments []ownedAppointment
	tokens       sync.Map // customer id -> signed JWT
}

type ownedAppointment struct {
	ID         uuid.UUID
	CustomerID uuid.UUID
}

func (dp *DataPool) AddAppointment(a ownedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (ownedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return ownedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type op string

const (
	opBooking        op = "Immediate booking"
	opReserveRelease op = "Reserve + release"
	opReadByID       op = "Read by ID"
	opListByCustomer op = "List by customer"
	opListSlots      op = "List slots"
)

var reportOrder = []op{opBooking, opReserveRelease, opReadByID, opListByCustomer, opListSlots}

// outcome classifies a response. Conflicts are the expected result of slot contention.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeConflict
	outcomeFailed
)

type opStats struct {
	counts    [3]atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (st *opStats) observe(latency time.Duration, o outcome) {
	st.counts[o].Add(1)
	st.mu.Lock()
	st.latencies = append(st.latencies, latency)
	st.mu.Unlock()
}

func (st *opStats) total() int64 {
	return st.counts[outcomeOK].Load() + st.counts[outcomeConflict].Load() + st.counts[outcomeFailed].Load()
}

type latencySummary struct {
	Avg, P50, P95, Max time.Duration
}

func (st *opStats) summary() latencySummary {
	st.mu.Lock()
	sorted := slices.Clone(st.latencies)
	st.mu.Unlock()

	if len(sorted) == 0 {
		return latencySummary{}
	}
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	pct := func(p int) time.Duration {
		return sorted[min(len(sorted)*p/100, len(sorted)-1)]
	}
	return latencySummary{
		Avg: sum / time.Duration(len(sorted)),
		P50: pct(50),
		P95: pct(95),
		Max: sorted[len(sorted)-1],
	}
}

type metrics map[op]*opStats

func newMetrics() metrics {
	m := make(metrics, len(reportOrder))
	for _, o := range reportOrder {
		m[o] = &opStats{}
	}
	return m
}

func classify(resp *http.Response, err error, okStatus int) outcome {
	switch {
	case err != nil:
		return outcomeFailed
	case resp.StatusCode == okStatus:
		return outcomeOK
	case resp.StatusCode == http.StatusConflict:
		return outcomeConflict
	default:
		return outcomeFailed
	}
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *zap.Logger
	metrics metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("simulate", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("reserve", cfg.ReserveRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data loaded",
		zap.Int("customers", len(dataPool.Customers)),
		zap.Int("slots", len(dataPool.Slots)),
		zap.Int("services", len(dataPool.Services)),
	)

	sim := &Simulator{
		config:  cfg,
		pool:    dataPool,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		metrics: newMetrics(),
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.4),
		ReserveRatio:  getFloat("SIM_RESERVE_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.4),
		CustomerCount: getInt("SIM_CUSTOMERS", 500),
		SlotLimit:     getInt("SIM_SLOT_LIMIT", 50),
		PostgresDSN:   base.PostgresDSN,
		JWTSecret:     []byte(base.JWTSecret),
	}

	total := cfg.BookingRatio + cfg.ReserveRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ReserveRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if len(cfg.JWTSecret) == 0 {
		return fmt.Errorf("JWT_SECRET is required to mint customer tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool keeps the slot set small so workers contend for capacity.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	for i := 0; i < cfg.CustomerCount; i++ {
		dataPool.Customers = append(dataPool.Customers, uuid.New())
	}

	var err error
	dataPool.Slots, err = loadIDs(ctx, pool, `
		SELECT id FROM slots
		WHERE starts_at > now() AND booked_count < capacity
		ORDER BY starts_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	dataPool.Services, err = loadIDs(ctx, pool, `SELECT id FROM service_catalog WHERE active LIMIT $1`, 50)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}

	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded, run cmd/seed first")
	}
	if len(dataPool.Services) == 0 {
		return nil, fmt.Errorf("no services loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) tokenFor(customerID uuid.UUID) string {
	if t, ok := s.pool.tokens.Load(customerID); ok {
		return t.(string)
	}
	claims := api.Claims{
		Role: string(appointment.RoleCustomer),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   customerID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.config.Duration + time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		s.logger.Fatal("sign token", zap.Error(err))
	}
	s.pool.tokens.Store(customerID, signed)
	return signed
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.ReserveRatio:
				s.doReserveRelease(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.get(ctx, opListByCustomer, "/appointments?limit=20", s.randomCustomer(rng))
				default:
					s.get(ctx, opListSlots, "/slots", s.randomCustomer(rng))
				}
			}
		}
	}
}

func (s *Simulator) send(ctx context.Context, method, path string, customerID uuid.UUID, body any) (*http.Response, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.tokenFor(customerID))

	start := time.Now()
	resp, err := s.client.Do(req)
	return resp, time.Since(start), err
}

func (s *Simulator) randomCustomer(rng *rand.Rand) uuid.UUID {
	return s.pool.Customers[rng.Intn(len(s.pool.Customers))]
}

func (s *Simulator) randomSlot(rng *rand.Rand) uuid.UUID {
	return s.pool.Slots[rng.Intn(len(s.pool.Slots))]
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	customer := s.randomCustomer(rng)
	body := api.StartBookingRequest{
		Mode:      booking.ModeImmediate,
		VehicleID: uuid.New(),
		SlotID:    ptr(s.randomSlot(rng)),
		Services: []booking.LineRequest{
			{ID: s.pool.Services[rng.Intn(len(s.pool.Services))], Quantity: 1},
		},
	}

	resp, latency, err := s.send(ctx, http.MethodPost, "/bookings", customer, body)
	o := classify(resp, err, http.StatusCreated)
	if err == nil {
		defer resp.Body.Close()
		var out api.StartBookingResponse
		if o == outcomeOK && json.NewDecoder(resp.Body).Decode(&out) == nil && out.Appointment != nil {
			s.pool.AddAppointment(ownedAppointment{ID: out.Appointment.ID, CustomerID: customer})
		}
	}
	s.metrics[opBooking].observe(latency, o)
}

// doReserveRelease holds a slot and gives it straight back, counting both calls as one operation.
func (s *Simulator) doReserveRelease(ctx context.Context, rng *rand.Rand) {
	customer := s.randomCustomer(rng)
	resp, latency, err := s.send(ctx, http.MethodPost, "/slots/"+s.randomSlot(rng).String()+"/reservations", customer, nil)
	o := classify(resp, err, http.StatusCreated)
	if err == nil {
		defer resp.Body.Close()
	}
	if o == outcomeOK {
		var res api.ReservationResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&res); decodeErr != nil {
			o = outcomeFailed
		} else {
			rel, relLatency, relErr := s.send(ctx, http.MethodDelete, "/reservations/"+res.Token.String(), customer, nil)
			latency += relLatency
			o = classify(rel, relErr, http.StatusNoContent)
			if relErr == nil {
				rel.Body.Close()
			}
		}
	}
	s.metrics[opReserveRelease].observe(latency, o)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	s.get(ctx, opReadByID, "/appointments/"+appt.ID.String(), appt.CustomerID)
}

func (s *Simulator) get(ctx context.Context, name op, path string, customer uuid.UUID) {
	resp, latency, err := s.send(ctx, http.MethodGet, path, customer, nil)
	if err == nil {
		defer resp.Body.Close()
	}
	s.metrics[name].observe(latency, classify(resp, err, http.StatusOK))
}

func (s *Simulator) PrintReport() {
	rule := strings.Repeat("=", 80)
	fmt.Printf("\n%s\nBOOKING LOAD REPORT\n%s\n", rule, rule)
	fmt.Printf("Duration: %s  Workers: %d  Contended slots: %d\n\n",
		s.config.Duration, s.config.Workers, len(s.pool.Slots))

	for _, name := range reportOrder {
		printOperationReport(name, s.metrics[name])
	}
}

func printOperationReport(name op, st *opStats) {
	total := st.total()
	if total == 0 {
		return
	}
	share := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	ok := st.counts[outcomeOK].Load()
	conflicts := st.counts[outcomeConflict].Load()
	failed := st.counts[outcomeFailed].Load()
	l := st.summary()

	fmt.Printf("%s: %d requests\n", name, total)
	fmt.Printf("  ok=%d (%.1f%%) conflict=%d (%.1f%%) failed=%d (%.1f%%)\n",
		ok, share(ok), conflicts, share(conflicts), failed, share(failed))
	fmt.Printf("  latency avg=%s p50=%s p95=%s max=%s\n\n",
		l.Avg.Round(time.Millisecond), l.P50.Round(time.Millisecond),
		l.P95.Round(time.Millisecond), l.Max.Round(time.Millisecond))
}

func ptr[T any](v T) *T { return &v }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
