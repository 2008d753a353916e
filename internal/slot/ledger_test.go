package slot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memRepository serializes every operation behind one mutex, which gives the
// same per-slot atomicity the Postgres conditional update provides.
type memRepository struct {
	mu           sync.Mutex
	slots        map[uuid.UUID]*Slot
	reservations map[uuid.UUID]*Reservation
}

func newMemRepository() *memRepository {
	return &memRepository{
		slots:        make(map[uuid.UUID]*Slot),
		reservations: make(map[uuid.UUID]*Reservation),
	}
}

func (m *memRepository) addSlot(capacity int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m.slots[id] = &Slot{ID: id, StartsAt: start, EndsAt: start.Add(time.Hour), Capacity: capacity}
	return id
}

func (m *memRepository) booked(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id].BookedCount
}

func (m *memRepository) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepository) ListSlots(_ context.Context, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	for _, s := range m.slots {
		if !s.StartsAt.Before(from) && s.StartsAt.Before(to) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memRepository) Reserve(_ context.Context, slotID, token uuid.UUID, expiresAt time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.BookedCount >= s.Capacity {
		return nil, ErrSlotUnavailable
	}
	s.BookedCount++
	r := &Reservation{Token: token, SlotID: slotID, Status: ReservationHeld, ExpiresAt: expiresAt}
	m.reservations[token] = r
	cp := *r
	return &cp, nil
}

func (m *memRepository) Release(_ context.Context, token uuid.UUID, now time.Time) (*Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[token]
	if !ok {
		return nil, false, ErrReservationNotFound
	}
	if r.Status != ReservationHeld {
		cp := *r
		return &cp, false, nil
	}
	r.Status = ReservationReleased
	r.ReleasedAt = &now
	if s := m.slots[r.SlotID]; s.BookedCount > 0 {
		s.BookedCount--
	}
	cp := *r
	return &cp, true, nil
}

func (m *memRepository) GetReservation(_ context.Context, token uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[token]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepository) FindExpiredHolds(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.reservations {
		if r.Expired(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type recordingScheduler struct {
	mu     sync.Mutex
	tokens []uuid.UUID
	err    error
}

func (s *recordingScheduler) ScheduleExpiry(_ context.Context, token uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return s.err
}

func TestSlotStatusIsDerived(t *testing.T) {
	cases := []struct {
		capacity, booked int
		want             Status
	}{
		{3, 0, StatusAvailable},
		{3, 1, StatusPartiallyBooked},
		{3, 2, StatusPartiallyBooked},
		{3, 3, StatusFull},
		{1, 1, StatusFull},
	}
	for _, c := range cases {
		s := Slot{Capacity: c.capacity, BookedCount: c.booked}
		if got := s.Status(); got != c.want {
			t.Fatalf("capacity=%d booked=%d: expected %s, got %s", c.capacity, c.booked, c.want, got)
		}
	}
}

func TestReserve_IncrementsAndSchedulesExpiry(t *testing.T) {
	repo := newMemRepository()
	sched := &recordingScheduler{}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ledger := NewLedger(repo, 15*time.Minute, zap.NewNop(), WithExpiryScheduler(sched), WithClock(func() time.Time { return now }))
	slotID := repo.addSlot(2)

	res, err := ledger.Reserve(context.Background(), slotID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Status != ReservationHeld {
		t.Fatalf("expected held reservation, got %s", res.Status)
	}
	if !res.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", res.ExpiresAt)
	}
	if got := repo.booked(slotID); got != 1 {
		t.Fatalf("expected booked count 1, got %d", got)
	}
	if len(sched.tokens) != 1 || sched.tokens[0] != res.Token {
		t.Fatalf("expected expiry scheduled for %s, got %v", res.Token, sched.tokens)
	}
}

func TestReserve_SchedulerFailureDoesNotFailReservation(t *testing.T) {
	repo := newMemRepository()
	sched := &recordingScheduler{err: errors.New("redis down")}
	ledger := NewLedger(repo, time.Minute, zap.NewNop(), WithExpiryScheduler(sched))
	slotID := repo.addSlot(1)

	if _, err := ledger.Reserve(context.Background(), slotID); err != nil {
		t.Fatalf("expected reservation to succeed, got %v", err)
	}
}

func TestReserve_Errors(t *testing.T) {
	repo := newMemRepository()
	ledger := NewLedger(repo, time.Minute, zap.NewNop())
	slotID := repo.addSlot(1)
	ctx := context.Background()

	if _, err := ledger.Reserve(ctx, uuid.New()); !errors.Is(err, ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
	if _, err := ledger.Reserve(ctx, slotID); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := ledger.Reserve(ctx, slotID); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if got := repo.booked(slotID); got != 1 {
		t.Fatalf("failed reserve must not change booked count, got %d", got)
	}
}

func TestReserve_ConcurrentLastUnits(t *testing.T) {
	const capacity = 5
	repo := newMemRepository()
	ledger := NewLedger(repo, time.Minute, zap.NewNop())
	slotID := repo.addSlot(capacity)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		unavailable int
	)
	start := make(chan struct{})
	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := ledger.Reserve(context.Background(), slotID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrSlotUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != capacity {
		t.Fatalf("expected %d successes, got %d", capacity, successes)
	}
	if unavailable < 1 {
		t.Fatalf("expected at least one ErrSlotUnavailable, got %d", unavailable)
	}
	if got := repo.booked(slotID); got != capacity {
		t.Fatalf("expected booked count %d, got %d", capacity, got)
	}
}

func TestBookedCountStaysInRangeUnderInterleavings(t *testing.T) {
	const capacity = 3
	repo := newMemRepository()
	ledger := NewLedger(repo, time.Minute, zap.NewNop())
	slotID := repo.addSlot(capacity)

	var wg sync.WaitGroup
	var violations sync.Map
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []uuid.UUID
			for i := 0; i < 200; i++ {
				if rng.Intn(2) == 0 || len(held) == 0 {
					res, err := ledger.Reserve(context.Background(), slotID)
					if err == nil {
						held = append(held, res.Token)
					}
				} else {
					idx := rng.Intn(len(held))
					tok := held[idx]
					_ = ledger.Release(context.Background(), tok)
					// sometimes release twice to exercise idempotency
					if rng.Intn(3) == 0 {
						_ = ledger.Release(context.Background(), tok)
					}
					held = append(held[:idx], held[idx+1:]...)
				}
				if b := repo.booked(slotID); b < 0 || b > capacity {
					violations.Store(b, true)
				}
			}
			for _, tok := range held {
				_ = ledger.Release(context.Background(), tok)
			}
		}(int64(w))
	}
	wg.Wait()

	violations.Range(func(k, _ any) bool {
		t.Errorf("booked count out of range: %v", k)
		return true
	})
	if got := repo.booked(slotID); got != 0 {
		t.Fatalf("expected all capacity returned, booked=%d", got)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	repo := newMemRepository()
	ledger := NewLedger(repo, time.Minute, zap.NewNop())
	slotID := repo.addSlot(2)
	ctx := context.Background()

	a, _ := ledger.Reserve(ctx, slotID)
	if _, err := ledger.Reserve(ctx, slotID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := ledger.Release(ctx, a.Token); err != nil {
		t.Fatalf("first release: %v", err)
	}
	afterFirst := repo.booked(slotID)
	if err := ledger.Release(ctx, a.Token); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if got := repo.booked(slotID); got != afterFirst {
		t.Fatalf("second release changed booked count: %d -> %d", afterFirst, got)
	}
	if afterFirst != 1 {
		t.Fatalf("expected booked count 1 after release, got %d", afterFirst)
	}
}

func TestRelease_UnknownToken(t *testing.T) {
	ledger := NewLedger(newMemRepository(), time.Minute, zap.NewNop())
	if err := ledger.Release(context.Background(), uuid.New()); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestExpireReservation_OnlyAfterTTL(t *testing.T) {
	repo := newMemRepository()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ledger := NewLedger(repo, 10*time.Minute, zap.NewNop(), WithClock(func() time.Time { return now }))
	slotID := repo.addSlot(1)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, slotID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	released, err := ledger.ExpireReservation(ctx, res.Token)
	if err != nil || released {
		t.Fatalf("hold must survive before TTL: released=%v err=%v", released, err)
	}

	now = now.Add(10 * time.Minute)
	released, err = ledger.ExpireReservation(ctx, res.Token)
	if err != nil || !released {
		t.Fatalf("expected expiry after TTL: released=%v err=%v", released, err)
	}
	if got := repo.booked(slotID); got != 0 {
		t.Fatalf("expected capacity returned, booked=%d", got)
	}

	released, err = ledger.ExpireReservation(ctx, uuid.New())
	if err != nil || released {
		t.Fatalf("unknown token should be ignored: released=%v err=%v", released, err)
	}
}

func TestExpireStale_Sweeps(t *testing.T) {
	repo := newMemRepository()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ledger := NewLedger(repo, 5*time.Minute, zap.NewNop(), WithClock(func() time.Time { return now }))
	slotID := repo.addSlot(4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := ledger.Reserve(ctx, slotID); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	now = now.Add(6 * time.Minute)
	fresh, err := ledger.Reserve(ctx, slotID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	n, err := ledger.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 expired holds, got %d", n)
	}
	if got := repo.booked(slotID); got != 1 {
		t.Fatalf("expected only the fresh hold to remain, booked=%d", got)
	}
	if r, _ := ledger.Reservation(ctx, fresh.Token); r.Status != ReservationHeld {
		t.Fatalf("fresh hold should still be held, got %s", r.Status)
	}
}

func TestList_RejectsEmptyRange(t *testing.T) {
	ledger := NewLedger(newMemRepository(), time.Minute, zap.NewNop())
	now := time.Now()
	if _, err := ledger.List(context.Background(), now, now); err == nil {
		t.Fatal("expected error for empty range")
	}
}
