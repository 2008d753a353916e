package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/appointment/appttest"
	"github.com/hackgods/service-center-booking/internal/payment"
	"github.com/hackgods/service-center-booking/internal/slot"
)

var now0 = time.Date(2026, 8, 3, 7, 30, 0, 0, time.UTC)

// memLedger is a single-slot capacity ledger with the same release and
// consume semantics as the Postgres one.
type memLedger struct {
	mu       sync.Mutex
	slot     slot.Slot
	holds    map[uuid.UUID]*slot.Reservation
	reserves int
}

func newMemLedger(capacity int) *memLedger {
	start := now0.Add(48 * time.Hour)
	return &memLedger{
		slot:  slot.Slot{ID: uuid.New(), StartsAt: start, EndsAt: start.Add(time.Hour), Capacity: capacity},
		holds: make(map[uuid.UUID]*slot.Reservation),
	}
}

func (l *memLedger) booked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot.BookedCount
}

func (l *memLedger) Reserve(_ context.Context, slotID uuid.UUID) (*slot.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slotID != l.slot.ID {
		return nil, slot.ErrSlotNotFound
	}
	if l.slot.BookedCount >= l.slot.Capacity {
		return nil, slot.ErrSlotUnavailable
	}
	l.slot.BookedCount++
	l.reserves++
	r := &slot.Reservation{Token: uuid.New(), SlotID: slotID, Status: slot.ReservationHeld, ExpiresAt: now0.Add(15 * time.Minute)}
	l.holds[r.Token] = r
	cp := *r
	return &cp, nil
}

func (l *memLedger) Release(_ context.Context, token uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.holds[token]
	if !ok {
		return slot.ErrReservationNotFound
	}
	if r.Status == slot.ReservationHeld {
		r.Status = slot.ReservationReleased
		l.slot.BookedCount--
	}
	return nil
}

func (l *memLedger) Reservation(_ context.Context, token uuid.UUID) (*slot.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.holds[token]
	if !ok {
		return nil, slot.ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *memLedger) consume(token, slotID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.holds[token]
	if !ok || r.Status != slot.ReservationHeld || r.SlotID != slotID {
		return appointment.ErrReservationNotHeld
	}
	r.Status = slot.ReservationConsumed
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	created   []payment.CreateRequest
	createErr error
	verifies  atomic.Int32
	verify    func(ctx context.Context, ref string, amount int64) (*payment.Verification, error)
}

func (g *fakeGateway) CreatePayment(_ context.Context, req payment.CreateRequest) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created = append(g.created, req)
	ref := "cs_test_" + req.CorrelationID.String()
	return &payment.Intent{TransactionRef: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

func (g *fakeGateway) lastAmount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created[len(g.created)-1].Amount
}

func (g *fakeGateway) VerifyPayment(ctx context.Context, ref string) (*payment.Verification, error) {
	g.verifies.Add(1)
	g.mu.Lock()
	var amount int64
	for _, c := range g.created {
		if "cs_test_"+c.CorrelationID.String() == ref {
			amount = c.Amount
		}
	}
	fn := g.verify
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, ref, amount)
	}
	return &payment.Verification{TransactionRef: ref, Success: true, VerifiedAmount: amount, Method: "card", Status: "paid"}, nil
}

type memPending struct {
	mu      sync.Mutex
	records map[uuid.UUID][]byte
	saveErr error
}

func newMemPending() *memPending {
	return &memPending{records: make(map[uuid.UUID][]byte)}
}

// records are stored as JSON to catch anything that would not survive Redis
func (m *memPending) Save(_ context.Context, p *PendingBooking, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.records[p.CorrelationID] = data
	return nil
}

func (m *memPending) Update(_ context.Context, p *PendingBooking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[p.CorrelationID]; !ok {
		return ErrPendingBookingNotFound
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.records[p.CorrelationID] = data
	return nil
}

func (m *memPending) Get(_ context.Context, id uuid.UUID) (*PendingBooking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[id]
	if !ok {
		return nil, ErrPendingBookingNotFound
	}
	var p PendingBooking
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *memPending) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memPending) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memLocker struct {
	mu sync.Mutex
}

func (l *memLocker) WithLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

type fakeCatalog struct {
	services map[uuid.UUID]int64
	parts    map[uuid.UUID]int64
}

func (c fakeCatalog) ServicePrices(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	return pick(c.services, ids), nil
}

func (c fakeCatalog) PartPrices(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	return pick(c.parts, ids), nil
}

func pick(all map[uuid.UUID]int64, ids []uuid.UUID) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64)
	for _, id := range ids {
		if p, ok := all[id]; ok {
			out[id] = p
		}
	}
	return out
}

type harness struct {
	ledger    *memLedger
	repo      *appttest.MemoryRepository
	gateway   *fakeGateway
	pending   *memPending
	saga      *Saga
	serviceID uuid.UUID
	partID    uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:    newMemLedger(2),
		repo:      appttest.NewMemoryRepository(),
		gateway:   &fakeGateway{},
		pending:   newMemPending(),
		serviceID: uuid.New(),
		partID:    uuid.New(),
	}
	h.repo.Consume = h.ledger.consume

	clock := func() time.Time { return now0 }
	appts := appointment.NewService(h.repo, h.ledger, zap.NewNop(), appointment.WithClock(clock))
	catalog := fakeCatalog{
		// one service and two parts: 900,000 net, 990,000 with VAT
		services: map[uuid.UUID]int64{h.serviceID: 500_000},
		parts:    map[uuid.UUID]int64{h.partID: 200_000},
	}
	h.saga = NewSaga(h.ledger, appts, h.gateway, h.pending, &memLocker{}, catalog, Config{
		PendingTTL:     time.Hour,
		VerifyTimeout:  time.Second,
		DepositPercent: 30,
		Currency:       "vnd",
	}, zap.NewNop(), WithClock(clock))
	return h
}

func (h *harness) draft() Draft {
	d := Draft{
		CustomerID: uuid.New(),
		VehicleID:  uuid.New(),
		Services:   []LineRequest{{ID: h.serviceID, Quantity: 1}},
		Parts:      []LineRequest{{ID: h.partID, Quantity: 2}},
		Notes:      gofakeit.Sentence(6),
	}
	d.SelectSlot(h.ledger.slot)
	return d
}

func (h *harness) start(t *testing.T, mode Mode) *StartResult {
	t.Helper()
	res, err := h.saga.Start(context.Background(), StartRequest{Mode: mode, Draft: h.draft(), Actor: appointment.Actor{ID: "customer"}})
	if err != nil {
		t.Fatalf("start %s: %v", mode, err)
	}
	return res
}

func TestImmediateBookingCreatesPendingAppointment(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, ModeImmediate)

	if res.Appointment == nil || res.Appointment.Status != appointment.StatusPending {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Appointment.TotalAmount != 990_000 {
		t.Fatalf("total = %d", res.Appointment.TotalAmount)
	}
	if h.ledger.booked() != 1 {
		t.Fatalf("booked = %d, want 1", h.ledger.booked())
	}
	if len(h.gateway.created) != 0 {
		t.Fatal("immediate booking must not open a payment")
	}
}

func TestDepositBookingHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.start(t, ModeDeposit)
	if h.ledger.booked() != 1 {
		t.Fatalf("booked after start = %d", h.ledger.booked())
	}
	// 30% of 990,000
	if res.Amount != 297_000 || h.gateway.lastAmount() != 297_000 {
		t.Fatalf("deposit amount = %d", res.Amount)
	}
	if h.pending.len() != 1 {
		t.Fatal("pending booking not persisted before redirect")
	}

	done, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	appt := done.Appointment
	if appt.Status != appointment.StatusConfirmed {
		t.Fatalf("status = %s", appt.Status)
	}
	if appt.Payment == nil || appt.Payment.TransactionRef != res.TransactionRef || appt.Payment.Amount != 297_000 {
		t.Fatalf("payment info = %+v", appt.Payment)
	}
	if appt.Deposit == nil || !appt.Deposit.Paid || appt.Deposit.Amount != 297_000 {
		t.Fatalf("deposit info = %+v", appt.Deposit)
	}
	if appt.SlotID == nil || *appt.SlotID != h.ledger.slot.ID || !appt.ScheduledAt.Equal(h.ledger.slot.StartsAt) {
		t.Fatal("schedule not restored from the side channel")
	}
	if h.ledger.booked() != 1 || h.ledger.reserves != 1 {
		t.Fatalf("hold must be consumed, not re-reserved: booked=%d reserves=%d", h.ledger.booked(), h.ledger.reserves)
	}
	if h.pending.len() != 0 {
		t.Fatal("pending booking not cleared")
	}

	events := h.repo.Events()
	if events[len(events)-1] != EventBookingConfirmed {
		t.Fatalf("events = %v", events)
	}
}

func TestPaymentCreationFailureReleasesHold(t *testing.T) {
	h := newHarness(t)
	h.gateway.createErr = errors.New("gateway down")

	_, err := h.saga.Start(context.Background(), StartRequest{Mode: ModeFullPayment, Draft: h.draft()})
	if !errors.Is(err, ErrPaymentCreationFailed) {
		t.Fatalf("expected ErrPaymentCreationFailed, got %v", err)
	}
	if h.ledger.booked() != 0 {
		t.Fatalf("booked = %d, want 0 after compensation", h.ledger.booked())
	}
	if h.pending.len() != 0 {
		t.Fatal("nothing should be persisted")
	}
}

func TestPendingPersistFailureReleasesHold(t *testing.T) {
	h := newHarness(t)
	h.pending.saveErr = errors.New("redis unavailable")

	if _, err := h.saga.Start(context.Background(), StartRequest{Mode: ModeFullPayment, Draft: h.draft()}); err == nil {
		t.Fatal("expected error")
	}
	if h.ledger.booked() != 0 {
		t.Fatalf("booked = %d, want 0", h.ledger.booked())
	}
}

func TestSlotUnavailableAbortsWithoutPayment(t *testing.T) {
	h := newHarness(t)
	h.start(t, ModeFullPayment)
	h.start(t, ModeFullPayment)

	_, err := h.saga.Start(context.Background(), StartRequest{Mode: ModeFullPayment, Draft: h.draft()})
	if !errors.Is(err, slot.ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	if len(h.gateway.created) != 2 {
		t.Fatalf("payments opened = %d, want 2", len(h.gateway.created))
	}
}

func TestVerificationFailureKeepsHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)

	h.gateway.verify = func(_ context.Context, ref string, _ int64) (*payment.Verification, error) {
		return &payment.Verification{TransactionRef: ref, Success: false, Status: "unpaid"}, nil
	}
	_, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if !errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatalf("expected ErrPaymentVerificationFailed, got %v", err)
	}
	if h.repo.Count() != 0 {
		t.Fatal("appointment created without a verified payment")
	}
	if h.ledger.booked() != 1 || h.pending.len() != 1 {
		t.Fatal("hold and pending record must survive a failed verification")
	}

	// customer finishes paying and retries
	h.gateway.verify = nil
	if _, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.repo.Count() != 1 {
		t.Fatal("retry should create the appointment")
	}
}

func TestVerificationTimeoutIsDistinct(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, ModeFullPayment)

	h.gateway.verify = func(ctx context.Context, _ string, _ int64) (*payment.Verification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := h.saga.Complete(context.Background(), CompleteRequest{
		CorrelationID:  res.CorrelationID,
		TransactionRef: res.TransactionRef,
		Timeout:        20 * time.Millisecond,
	})
	if !errors.Is(err, ErrPaymentVerificationTimeout) {
		t.Fatalf("expected ErrPaymentVerificationTimeout, got %v", err)
	}
	if errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatal("timeout must not be reported as a failed payment")
	}
	if h.ledger.booked() != 1 {
		t.Fatal("hold released on timeout")
	}
}

func TestAmountMismatchFailsVerification(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, ModeFullPayment)

	h.gateway.verify = func(_ context.Context, ref string, amount int64) (*payment.Verification, error) {
		return &payment.Verification{TransactionRef: ref, Success: true, VerifiedAmount: amount - 1, Status: "paid"}, nil
	}
	_, err := h.saga.Complete(context.Background(), CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if !errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatalf("expected ErrPaymentVerificationFailed, got %v", err)
	}
}

func TestCreationFailureAfterPaymentReleasesHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	before := h.ledger.booked()

	res := h.start(t, ModeFullPayment)
	if h.ledger.booked() != before+1 {
		t.Fatal("start should hold capacity")
	}

	h.repo.CreateErr = errors.New("simulated storage error")
	_, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if !errors.Is(err, ErrAppointmentCreationFailed) {
		t.Fatalf("expected ErrAppointmentCreationFailed, got %v", err)
	}
	if h.ledger.booked() != before {
		t.Fatalf("booked = %d, want %d after compensation", h.ledger.booked(), before)
	}

	pb, err := h.saga.Status(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pb.State != PendingCompensated || pb.FailureReason == "" {
		t.Fatalf("pending record not marked compensated: %+v", pb)
	}

	h.repo.CreateErr = nil
	if _, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}); !errors.Is(err, ErrBookingCompensated) {
		t.Fatalf("expected ErrBookingCompensated on retry, got %v", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)
	req := CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}

	first, err := h.saga.Complete(ctx, req)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	second, err := h.saga.Complete(ctx, req)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}

	if !second.AlreadyCompleted || second.Appointment.ID != first.Appointment.ID {
		t.Fatalf("second call should return the existing appointment: %+v", second)
	}
	if h.repo.Count() != 1 {
		t.Fatalf("appointments = %d, want 1", h.repo.Count())
	}
	if got := h.gateway.verifies.Load(); got != 1 {
		t.Fatalf("gateway verified %d times, want 1", got)
	}
}

func TestConcurrentCompleteCreatesOneAppointment(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, ModeDeposit)
	req := CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.saga.Complete(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("complete: %v", err)
	}
	if h.repo.Count() != 1 {
		t.Fatalf("appointments = %d, want 1", h.repo.Count())
	}
	if h.ledger.booked() != 1 {
		t.Fatalf("booked = %d, want 1", h.ledger.booked())
	}
}

func TestCompleteRejectsForeignTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.start(t, ModeFullPayment)
	b := h.start(t, ModeFullPayment)

	_, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: a.CorrelationID, TransactionRef: b.TransactionRef})
	if !errors.Is(err, ErrTransactionMismatch) {
		t.Fatalf("expected ErrTransactionMismatch, got %v", err)
	}

	_, err = h.saga.Complete(ctx, CompleteRequest{CorrelationID: uuid.New(), TransactionRef: "cs_unknown"})
	if !errors.Is(err, ErrPendingBookingNotFound) {
		t.Fatalf("expected ErrPendingBookingNotFound, got %v", err)
	}
}

func TestCompletedTransactionDoesNotClearAnotherBooking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.start(t, ModeFullPayment)
	b := h.start(t, ModeFullPayment)

	if _, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: a.CorrelationID, TransactionRef: a.TransactionRef}); err != nil {
		t.Fatalf("complete a: %v", err)
	}

	_, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: b.CorrelationID, TransactionRef: a.TransactionRef})
	if !errors.Is(err, ErrTransactionMismatch) {
		t.Fatalf("expected ErrTransactionMismatch, got %v", err)
	}
	if _, err := h.saga.Status(ctx, b.CorrelationID); err != nil {
		t.Fatalf("pending record of b is gone: %v", err)
	}

	res, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: b.CorrelationID, TransactionRef: b.TransactionRef})
	if err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if res.AlreadyCompleted {
		t.Fatal("b should be created by this call")
	}
	if h.repo.Count() != 2 || h.ledger.booked() != 2 {
		t.Fatalf("appointments=%d booked=%d, want 2 and 2", h.repo.Count(), h.ledger.booked())
	}

	// a retry for a once its record is gone still answers idempotently
	again, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: a.CorrelationID, TransactionRef: a.TransactionRef})
	if err != nil || !again.AlreadyCompleted {
		t.Fatalf("retry a: %+v %v", again, err)
	}
}

func TestLapsedHoldIsReplacedWhenSlotHasRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)

	pb, err := h.saga.Status(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	// the expiry worker reclaimed the hold while the customer was paying
	if err := h.ledger.Release(ctx, *pb.ReservationToken); err != nil {
		t.Fatalf("release: %v", err)
	}

	out, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Appointment.Status != appointment.StatusConfirmed {
		t.Fatalf("status = %s", out.Appointment.Status)
	}
	if h.ledger.booked() != 1 || h.ledger.reserves != 2 {
		t.Fatalf("booked=%d reserves=%d, want 1 and 2", h.ledger.booked(), h.ledger.reserves)
	}
	if h.pending.len() != 0 {
		t.Fatal("pending record should be removed after creation")
	}
}

func TestLapsedHoldOnFullSlotCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)

	pb, err := h.saga.Status(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := h.ledger.Release(ctx, *pb.ReservationToken); err != nil {
		t.Fatalf("release: %v", err)
	}
	for i := 0; i < h.ledger.slot.Capacity; i++ {
		if _, err := h.ledger.Reserve(ctx, h.ledger.slot.ID); err != nil {
			t.Fatalf("fill slot: %v", err)
		}
	}

	_, err = h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef})
	if !errors.Is(err, ErrAppointmentCreationFailed) {
		t.Fatalf("expected ErrAppointmentCreationFailed, got %v", err)
	}
	if h.repo.Count() != 0 || h.ledger.booked() != h.ledger.slot.Capacity {
		t.Fatalf("appointments=%d booked=%d", h.repo.Count(), h.ledger.booked())
	}
	pb, err = h.saga.Status(ctx, res.CorrelationID)
	if err != nil || pb.State != PendingCompensated {
		t.Fatalf("pending = %+v, %v", pb, err)
	}
}

func TestCallerHeldReservationIsConsumedNotReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.ledger.Reserve(ctx, h.ledger.slot.ID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	h.gateway.createErr = errors.New("gateway down")
	_, err = h.saga.Start(ctx, StartRequest{Mode: ModeFullPayment, Draft: h.draft(), ReservationToken: &hold.Token})
	if !errors.Is(err, ErrPaymentCreationFailed) {
		t.Fatalf("expected ErrPaymentCreationFailed, got %v", err)
	}
	if h.ledger.booked() != 1 {
		t.Fatal("the caller's hold belongs to the caller")
	}

	h.gateway.createErr = nil
	res, err := h.saga.Start(ctx, StartRequest{Mode: ModeFullPayment, Draft: h.draft(), ReservationToken: &hold.Token})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if h.ledger.reserves != 1 || h.ledger.booked() != 1 {
		t.Fatalf("reserves=%d booked=%d, want 1 and 1", h.ledger.reserves, h.ledger.booked())
	}

	released, _ := h.ledger.Reservation(ctx, hold.Token)
	if released.Status != slot.ReservationConsumed {
		t.Fatalf("hold status = %s, want consumed", released.Status)
	}
}

func TestAbandonReleasesHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)

	if err := h.saga.Abandon(ctx, res.CorrelationID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if h.ledger.booked() != 0 || h.pending.len() != 0 {
		t.Fatal("abandon should release the hold and drop the record")
	}
	if err := h.saga.Abandon(ctx, res.CorrelationID); !errors.Is(err, ErrPendingBookingNotFound) {
		t.Fatalf("second abandon: %v", err)
	}
}

// hookLocker runs before inside the lock, ahead of the guarded function.
type hookLocker struct {
	memLocker
	before func()
}

func (l *hookLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.memLocker.WithLock(ctx, key, func(ctx context.Context) error {
		if l.before != nil {
			l.before()
		}
		return fn(ctx)
	})
}

func TestAbandonSeesVerificationMadeBeforeLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.start(t, ModeFullPayment)

	h.saga.locker = &hookLocker{before: func() {
		pb, err := h.pending.Get(ctx, res.CorrelationID)
		if err != nil {
			t.Errorf("get: %v", err)
			return
		}
		at := now0
		pb.State = PendingVerified
		pb.VerifiedAt = &at
		pb.Verification = &payment.Verification{TransactionRef: pb.TransactionRef, Success: true, VerifiedAmount: pb.Amount, Status: "paid"}
		if err := h.pending.Update(ctx, pb); err != nil {
			t.Errorf("update: %v", err)
		}
	}}

	err := h.saga.Abandon(ctx, res.CorrelationID)
	if !errors.Is(err, appointment.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if h.ledger.booked() != 1 || h.pending.len() != 1 {
		t.Fatalf("booked=%d pending=%d, a verified booking must keep its hold", h.ledger.booked(), h.pending.len())
	}

	h.saga.locker = &memLocker{}
	if _, err := h.saga.Complete(ctx, CompleteRequest{CorrelationID: res.CorrelationID, TransactionRef: res.TransactionRef}); err != nil {
		t.Fatalf("complete after failed abandon: %v", err)
	}
	if got := h.gateway.verifies.Load(); got != 0 {
		t.Fatalf("cached verification should be reused, gateway verified %d times", got)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unscheduled := h.draft()
	unscheduled.SelectTime(time.Time{})

	unknownService := h.draft()
	unknownService.Services = []LineRequest{{ID: uuid.New(), Quantity: 1}}

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"unknown mode", StartRequest{Mode: "later", Draft: h.draft()}},
		{"no schedule", StartRequest{Mode: ModeImmediate, Draft: unscheduled}},
		{"unknown service", StartRequest{Mode: ModeFullPayment, Draft: unknownService}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.saga.Start(ctx, tt.req); !errors.Is(err, appointment.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if h.ledger.booked() != 0 {
		t.Fatal("invalid requests must not reserve")
	}
}

func TestDraftScheduleSurvivesJSON(t *testing.T) {
	h := newHarness(t)
	d := h.draft()

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Draft
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SlotID() == nil || *back.SlotID() != h.ledger.slot.ID || !back.ScheduledAt().Equal(d.ScheduledAt()) {
		t.Fatalf("schedule lost: slot=%v at=%s", back.SlotID(), back.ScheduledAt())
	}

	back.SelectTime(now0.Add(time.Hour))
	if back.SlotID() != nil {
		t.Fatal("SelectTime must clear the slot")
	}
}
