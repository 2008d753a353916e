// Package booking runs the reserve, pay, verify, create saga. The saga is
// suspended at the payment redirect; its state lives in a PendingStore so any
// instance can resume it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/payment"
	redisclient "github.com/hackgods/service-center-booking/internal/redis"
	"github.com/hackgods/service-center-booking/internal/refund"
	"github.com/hackgods/service-center-booking/internal/slot"
)

const EventBookingConfirmed = "booking.confirmed"

var (
	ErrPaymentCreationFailed      = errors.New("payment creation failed")
	ErrPaymentVerificationTimeout = errors.New("payment verification timed out")
	ErrPaymentVerificationFailed  = errors.New("payment verification failed")
	ErrTransactionMismatch        = errors.New("transaction reference does not match the pending booking")
	ErrPendingBookingNotFound     = errors.New("pending booking not found or expired")
	ErrAppointmentCreationFailed  = errors.New("appointment creation failed after payment")
	ErrBookingCompensated         = errors.New("booking was rolled back after payment; contact support")
	ErrCompletionInProgress       = errors.New("booking completion already in progress, please retry")
)

// SlotLedger is the slice of slot.Ledger the saga needs.
type SlotLedger interface {
	Reserve(ctx context.Context, slotID uuid.UUID) (*slot.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
	Reservation(ctx context.Context, token uuid.UUID) (*slot.Reservation, error)
}

// Appointments is the slice of appointment.Service the saga needs.
type Appointments interface {
	Create(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	GetByTransactionRef(ctx context.Context, ref string) (*appointment.Appointment, error)
	LogEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any)
}

type Config struct {
	PendingTTL     time.Duration
	VerifyTimeout  time.Duration
	DepositPercent int
	Currency       string
}

type Saga struct {
	ledger  SlotLedger
	appts   Appointments
	gateway payment.Gateway
	pending PendingStore
	locker  redisclient.Locker
	catalog PriceLookup
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type SagaOption func(*Saga)

func WithClock(now func() time.Time) SagaOption {
	return func(s *Saga) { s.now = now }
}

func NewSaga(
	ledger SlotLedger,
	appts Appointments,
	gateway payment.Gateway,
	pending PendingStore,
	locker redisclient.Locker,
	catalog PriceLookup,
	cfg Config,
	logger *zap.Logger,
	opts ...SagaOption,
) *Saga {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.DepositPercent <= 0 || cfg.DepositPercent > 100 {
		cfg.DepositPercent = 30
	}
	s := &Saga{
		ledger:  ledger,
		appts:   appts,
		gateway: gateway,
		pending: pending,
		locker:  locker,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/hackgods/service-center-booking/internal/booking"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StartResult struct {
	Mode          Mode
	CorrelationID uuid.UUID
	// Appointment is set for immediate bookings.
	Appointment *appointment.Appointment
	// Set for bookings that wait on the gateway.
	TransactionRef string
	RedirectURL    string
	Amount         int64
	ExpiresAt      time.Time
}

// Start begins a booking. Immediate bookings are created right away; paid
// bookings reserve capacity, open a payment at the gateway and are persisted
// to the side channel before the caller is redirected.
func (s *Saga) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Start", trace.WithAttributes(
		attribute.String("booking.mode", string(req.Mode)),
	))
	defer span.End()

	res, err := s.start(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("booking.correlation_id", res.CorrelationID.String()))
	return res, nil
}

func (s *Saga) start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	services, parts, err := price(ctx, s.catalog, req.Draft)
	if err != nil {
		return nil, err
	}

	if req.Mode == ModeImmediate {
		return s.startImmediate(ctx, req, services, parts)
	}

	total := appointment.Total(services, parts)
	amount := total
	if req.Mode == ModeDeposit {
		amount = refund.Percent(total, s.cfg.DepositPercent)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: nothing to pay for a %s booking", appointment.ErrValidation, req.Mode)
	}

	// Step 1: hold capacity unless the caller already holds it.
	token, owned, expiresAt, err := s.acquireHold(ctx, req)
	if err != nil {
		return nil, err
	}

	compensate := func(reason string) {
		if token == nil || !owned {
			return
		}
		if relErr := s.ledger.Release(ctx, *token); relErr != nil {
			s.logger.Error("failed to release reservation during compensation",
				zap.String("token", token.String()), zap.String("reason", reason), zap.Error(relErr))
		}
	}

	// Step 2: open the payment.
	correlationID := uuid.New()
	metadata := map[string]string{"mode": string(req.Mode)}
	if token != nil {
		metadata["reservation_token"] = token.String()
	}
	if slotID := req.Draft.SlotID(); slotID != nil {
		metadata["slot_id"] = slotID.String()
	}

	intent, err := s.gateway.CreatePayment(ctx, payment.CreateRequest{
		Amount:        amount,
		Currency:      s.cfg.Currency,
		OrderInfo:     orderInfo(req.Mode, req.Draft),
		CorrelationID: correlationID,
		Metadata:      metadata,
	})
	if err != nil {
		compensate("payment creation failed")
		return nil, fmt.Errorf("%w: %v", ErrPaymentCreationFailed, err)
	}

	// Step 3: persist before suspending at the redirect.
	now := s.now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.cfg.PendingTTL)
	}
	pb := &PendingBooking{
		CorrelationID:    correlationID,
		Mode:             req.Mode,
		State:            PendingAwaitingPayment,
		Draft:            req.Draft,
		Services:         services,
		Parts:            parts,
		TotalAmount:      total,
		Amount:           amount,
		Currency:         s.cfg.Currency,
		ReservationToken: token,
		OwnsReservation:  owned,
		TransactionRef:   intent.TransactionRef,
		RedirectURL:      intent.RedirectURL,
		CreatedBy:        req.Actor.ID,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	if err := s.pending.Save(ctx, pb, s.cfg.PendingTTL); err != nil {
		compensate("pending booking not persisted")
		return nil, fmt.Errorf("persist pending booking: %w", err)
	}

	s.logger.Info("booking awaiting payment",
		zap.String("correlation_id", correlationID.String()),
		zap.String("mode", string(req.Mode)),
		zap.String("transaction_ref", intent.TransactionRef),
		zap.Int64("amount", amount),
	)

	return &StartResult{
		Mode:           req.Mode,
		CorrelationID:  correlationID,
		TransactionRef: intent.TransactionRef,
		RedirectURL:    intent.RedirectURL,
		Amount:         amount,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *Saga) startImmediate(ctx context.Context, req StartRequest, services []appointment.LineItem, parts []appointment.PartItem) (*StartResult, error) {
	appt, err := s.appts.Create(ctx, appointment.CreateInput{
		CustomerID:          req.Draft.CustomerID,
		VehicleID:           req.Draft.VehicleID,
		Services:            services,
		Parts:               parts,
		TechnicianID:        req.Draft.TechnicianID,
		SlotID:              req.Draft.SlotID(),
		ScheduledAt:         req.Draft.ScheduledAt(),
		Priority:            req.Draft.Priority,
		InitialStatus:       appointment.StatusPending,
		ReservationToken:    req.ReservationToken,
		SkipSlotReservation: req.ReservationToken != nil,
		CreatedBy:           req.Actor.ID,
		Notes:               req.Draft.Notes,
	})
	if err != nil {
		return nil, err
	}
	return &StartResult{
		Mode:          ModeImmediate,
		CorrelationID: appt.ID,
		Appointment:   appt,
	}, nil
}

// acquireHold returns the reservation the booking will consume and whether
// the saga took it itself.
func (s *Saga) acquireHold(ctx context.Context, req StartRequest) (*uuid.UUID, bool, time.Time, error) {
	slotID := req.Draft.SlotID()
	if slotID == nil {
		return nil, false, time.Time{}, nil
	}

	if req.ReservationToken != nil {
		res, err := s.ledger.Reservation(ctx, *req.ReservationToken)
		if err != nil {
			return nil, false, time.Time{}, err
		}
		if res.Status != slot.ReservationHeld || res.SlotID != *slotID || res.Expired(s.now().UTC()) {
			return nil, false, time.Time{}, appointment.ErrReservationNotHeld
		}
		token := res.Token
		return &token, false, res.ExpiresAt, nil
	}

	res, err := s.ledger.Reserve(ctx, *slotID)
	if err != nil {
		return nil, false, time.Time{}, err
	}
	token := res.Token
	return &token, true, res.ExpiresAt, nil
}

type CompleteResult struct {
	Appointment *appointment.Appointment
	// AlreadyCompleted is true when an earlier call created the appointment.
	AlreadyCompleted bool
}

// Complete verifies the payment and creates the confirmed appointment. It is
// safe to call again with the same transaction reference: once the
// appointment exists it is returned without verifying or charging again.
func (s *Saga) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	ctx, span := s.tracer.Start(ctx, "booking.Complete", trace.WithAttributes(
		attribute.String("booking.correlation_id", req.CorrelationID.String()),
		attribute.String("payment.transaction_ref", req.TransactionRef),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var result *CompleteResult
	err := s.locker.WithLock(ctx, "booking:complete:"+req.TransactionRef, func(lockCtx context.Context) error {
		var err error
		result, err = s.complete(lockCtx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrCompletionInProgress
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("booking.already_completed", result.AlreadyCompleted))
	return result, nil
}

func (s *Saga) complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	existing, err := s.appts.GetByTransactionRef(ctx, req.TransactionRef)
	if err == nil {
		// the record under this correlation id may belong to another booking
		pb, getErr := s.pending.Get(ctx, req.CorrelationID)
		switch {
		case getErr == nil && pb.TransactionRef != req.TransactionRef:
			return nil, ErrTransactionMismatch
		case getErr == nil:
			s.forget(ctx, req.CorrelationID)
		case !errors.Is(getErr, ErrPendingBookingNotFound):
			s.logger.Warn("failed to load pending booking for completed transaction",
				zap.String("correlation_id", req.CorrelationID.String()), zap.Error(getErr))
		}
		return &CompleteResult{Appointment: existing, AlreadyCompleted: true}, nil
	}
	if !errors.Is(err, appointment.ErrAppointmentNotFound) {
		return nil, fmt.Errorf("look up appointment by transaction: %w", err)
	}

	pb, err := s.pending.Get(ctx, req.CorrelationID)
	if err != nil {
		if errors.Is(err, ErrPendingBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load pending booking: %w", err)
	}
	if pb.TransactionRef != req.TransactionRef {
		return nil, ErrTransactionMismatch
	}
	if pb.State == PendingCompensated {
		return nil, ErrBookingCompensated
	}

	v, err := s.verify(ctx, pb, req.Timeout)
	if err != nil {
		// the hold stays until its TTL so the caller can retry
		s.logger.Warn("payment verification did not succeed",
			zap.String("correlation_id", pb.CorrelationID.String()),
			zap.String("transaction_ref", pb.TransactionRef),
			zap.Error(err),
		)
		return nil, err
	}

	in := appointment.CreateInput{
		CustomerID:   pb.Draft.CustomerID,
		VehicleID:    pb.Draft.VehicleID,
		Services:     pb.Services,
		Parts:        pb.Parts,
		TechnicianID: pb.Draft.TechnicianID,
		SlotID:       pb.Draft.SlotID(),
		ScheduledAt:  pb.Draft.ScheduledAt(),
		Priority:     pb.Draft.Priority,
		Payment: &appointment.PaymentInfo{
			TransactionRef: pb.TransactionRef,
			Amount:         v.VerifiedAmount,
			Method:         v.Method,
			VerifiedAt:     *pb.VerifiedAt,
		},
		InitialStatus:       appointment.StatusConfirmed,
		ReservationToken:    pb.ReservationToken,
		SkipSlotReservation: true,
		CreatedBy:           pb.CreatedBy,
		Notes:               "payment verified",
	}
	if pb.Mode == ModeDeposit {
		in.Deposit = &appointment.DepositInfo{Amount: v.VerifiedAmount, Paid: true}
	}

	appt, err := s.appts.Create(ctx, in)
	if errors.Is(err, appointment.ErrReservationNotHeld) && in.SlotID != nil {
		appt, err = s.createWithFreshHold(ctx, pb, in, err)
	}
	if err != nil {
		if errors.Is(err, appointment.ErrDuplicateTransaction) {
			// created concurrently by a caller that bypassed the lock
			existing, getErr := s.appts.GetByTransactionRef(ctx, pb.TransactionRef)
			if getErr == nil {
				s.forget(ctx, pb.CorrelationID)
				return &CompleteResult{Appointment: existing, AlreadyCompleted: true}, nil
			}
		}
		return nil, s.compensateCreate(ctx, pb, err)
	}

	s.forget(ctx, pb.CorrelationID)

	s.logger.Info("booking confirmed",
		zap.String("correlation_id", pb.CorrelationID.String()),
		zap.String("appointment_id", appt.ID.String()),
		zap.String("transaction_ref", pb.TransactionRef),
	)
	s.appts.LogEvent(ctx, appt.ID, EventBookingConfirmed, map[string]any{
		"appointment_number": appt.Number,
		"customer_id":        appt.CustomerID.String(),
		"mode":               pb.Mode,
		"transaction_ref":    pb.TransactionRef,
		"amount_paid":        v.VerifiedAmount,
		"scheduled_at":       appt.ScheduledAt,
	})

	return &CompleteResult{Appointment: appt}, nil
}

// verify asks the gateway once per booking; a successful result is cached on
// the pending record and reused on later calls.
func (s *Saga) verify(ctx context.Context, pb *PendingBooking, timeout time.Duration) (*payment.Verification, error) {
	if pb.Verification != nil && pb.Verification.Success && pb.VerifiedAt != nil {
		return pb.Verification, nil
	}

	if timeout <= 0 {
		timeout = s.cfg.VerifyTimeout
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := s.gateway.VerifyPayment(vctx, pb.TransactionRef)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrPaymentVerificationTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentVerificationFailed, err)
	}
	if !v.Success {
		return nil, fmt.Errorf("%w: gateway status %q", ErrPaymentVerificationFailed, v.Status)
	}
	if v.VerifiedAmount != pb.Amount {
		return nil, fmt.Errorf("%w: paid %d, expected %d", ErrPaymentVerificationFailed, v.VerifiedAmount, pb.Amount)
	}

	verifiedAt := s.now().UTC()
	pb.Verification = v
	pb.VerifiedAt = &verifiedAt
	pb.State = PendingVerified
	if err := s.pending.Update(ctx, pb); err != nil {
		s.logger.Warn("failed to cache payment verification",
			zap.String("correlation_id", pb.CorrelationID.String()), zap.Error(err))
	}
	return v, nil
}

// createWithFreshHold retries the create after the original hold lapsed while
// the customer was at the gateway. The payment is already taken, so a slot
// with spare capacity is booked rather than compensated.
func (s *Saga) createWithFreshHold(ctx context.Context, pb *PendingBooking, in appointment.CreateInput, cause error) (*appointment.Appointment, error) {
	res, err := s.ledger.Reserve(ctx, *in.SlotID)
	if err != nil {
		return nil, fmt.Errorf("%w; re-reserving slot: %v", cause, err)
	}

	s.logger.Warn("reservation lapsed before payment completed, re-reserved slot",
		zap.String("correlation_id", pb.CorrelationID.String()),
		zap.String("slot_id", in.SlotID.String()),
		zap.String("token", res.Token.String()),
	)
	token := res.Token
	pb.ReservationToken = &token
	pb.OwnsReservation = true
	in.ReservationToken = &token
	return s.appts.Create(ctx, in)
}

// compensateCreate releases the hold after a verified payment could not be
// turned into an appointment. The payment is left for an operator to refund.
func (s *Saga) compensateCreate(ctx context.Context, pb *PendingBooking, cause error) error {
	if pb.ReservationToken != nil {
		if err := s.ledger.Release(ctx, *pb.ReservationToken); err != nil && !errors.Is(err, slot.ErrReservationNotFound) {
			s.logger.Error("failed to release reservation after appointment creation failure",
				zap.String("token", pb.ReservationToken.String()), zap.Error(err))
		}
	}

	pb.State = PendingCompensated
	pb.FailureReason = cause.Error()
	if err := s.pending.Update(ctx, pb); err != nil {
		s.logger.Warn("failed to mark pending booking compensated",
			zap.String("correlation_id", pb.CorrelationID.String()), zap.Error(err))
	}

	s.logger.Error("appointment creation failed after verified payment; payment not reversed",
		zap.String("correlation_id", pb.CorrelationID.String()),
		zap.String("transaction_ref", pb.TransactionRef),
		zap.Int64("amount", pb.Amount),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %v", ErrAppointmentCreationFailed, cause)
}

func (s *Saga) forget(ctx context.Context, correlationID uuid.UUID) {
	if err := s.pending.Delete(ctx, correlationID); err != nil {
		s.logger.Warn("failed to delete pending booking",
			zap.String("correlation_id", correlationID.String()), zap.Error(err))
	}
}

// Abandon is called when the customer gives up at the gateway. The hold the
// saga took is released and the pending record removed.
func (s *Saga) Abandon(ctx context.Context, correlationID uuid.UUID) error {
	pb, err := s.pending.Get(ctx, correlationID)
	if err != nil {
		return err
	}

	if pb.State == PendingCompensated {
		return ErrBookingCompensated
	}

	err = s.locker.WithLock(ctx, "booking:complete:"+pb.TransactionRef, func(lockCtx context.Context) error {
		// a Complete may have verified the payment before the lock was ours
		pb, err := s.pending.Get(lockCtx, correlationID)
		if err != nil {
			return err
		}
		if pb.State == PendingCompensated {
			return ErrBookingCompensated
		}
		if _, err := s.appts.GetByTransactionRef(lockCtx, pb.TransactionRef); err == nil {
			return fmt.Errorf("%w: booking already completed", appointment.ErrInvalidStateTransition)
		}
		if pb.State == PendingVerified {
			return fmt.Errorf("%w: payment already verified", appointment.ErrInvalidStateTransition)
		}

		if pb.ReservationToken != nil && pb.OwnsReservation {
			if err := s.ledger.Release(lockCtx, *pb.ReservationToken); err != nil && !errors.Is(err, slot.ErrReservationNotFound) {
				return fmt.Errorf("release reservation: %w", err)
			}
		}
		if err := s.pending.Delete(lockCtx, correlationID); err != nil {
			return fmt.Errorf("delete pending booking: %w", err)
		}

		s.logger.Info("booking abandoned",
			zap.String("correlation_id", correlationID.String()),
			zap.String("transaction_ref", pb.TransactionRef),
		)
		return nil
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrCompletionInProgress
	}
	return err
}

// Status returns the suspended booking, if it still exists.
func (s *Saga) Status(ctx context.Context, correlationID uuid.UUID) (*PendingBooking, error) {
	return s.pending.Get(ctx, correlationID)
}

func orderInfo(mode Mode, d Draft) string {
	label := "Service booking"
	if mode == ModeDeposit {
		label = "Service booking deposit"
	}
	return fmt.Sprintf("%s %s", label, d.ScheduledAt().Format("2006-01-02 15:04"))
}
