package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/slot"
)

const (
	EventAppointmentCreated       = "appointment.created"
	EventAppointmentStatusChanged = "appointment.status_changed"
)

// SlotLedger is the part of the slot ledger appointment creation needs.
type SlotLedger interface {
	Reserve(ctx context.Context, slotID uuid.UUID) (*slot.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
}

type Service struct {
	repo   Repository
	ledger SlotLedger
	logger *zap.Logger
	now    func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, ledger SlotLedger, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the service clock; the sagas use it so every timestamp in one
// operation agrees.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

type CreateInput struct {
	CustomerID   uuid.UUID
	VehicleID    uuid.UUID
	Services     []LineItem
	Parts        []PartItem
	TechnicianID *uuid.UUID
	SlotID       *uuid.UUID
	ScheduledAt  time.Time
	Priority     Priority
	Deposit      *DepositInfo
	Payment      *PaymentInfo

	// InitialStatus is pending unless the booking arrives with a verified payment.
	InitialStatus Status

	// ReservationToken is a hold the caller already owns on SlotID. It is
	// consumed in the same transaction that inserts the appointment.
	ReservationToken *uuid.UUID
	// SkipSlotReservation stops Create from taking a new hold on SlotID.
	SkipSlotReservation bool

	CreatedBy string
	Notes     string
}

func (in *CreateInput) validate() error {
	if in.CustomerID == uuid.Nil {
		return fmt.Errorf("%w: customer_id is required", ErrValidation)
	}
	if in.VehicleID == uuid.Nil {
		return fmt.Errorf("%w: vehicle_id is required", ErrValidation)
	}
	if len(in.Services) == 0 {
		return fmt.Errorf("%w: at least one service is required", ErrValidation)
	}
	for i, li := range in.Services {
		if li.ServiceID == uuid.Nil || li.Quantity < 1 || li.UnitPrice < 0 {
			return fmt.Errorf("%w: services[%d] is invalid", ErrValidation, i)
		}
	}
	for i, p := range in.Parts {
		if p.PartID == uuid.Nil || p.Quantity < 1 || p.UnitPrice < 0 {
			return fmt.Errorf("%w: parts[%d] is invalid", ErrValidation, i)
		}
	}
	if in.ScheduledAt.IsZero() {
		return fmt.Errorf("%w: scheduled_at is required", ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, in.Priority)
	}
	if in.InitialStatus == "" {
		in.InitialStatus = StatusPending
	}
	if in.InitialStatus != StatusPending && in.InitialStatus != StatusConfirmed {
		return fmt.Errorf("%w: appointments start as pending or confirmed, not %s", ErrValidation, in.InitialStatus)
	}
	if in.Deposit != nil && in.Deposit.Amount < 0 {
		return fmt.Errorf("%w: deposit amount is negative", ErrValidation)
	}
	if in.ReservationToken != nil && in.SlotID == nil {
		return fmt.Errorf("%w: reservation token given without a slot", ErrValidation)
	}
	return nil
}

// Create validates the input, derives the total and inserts the appointment
// with its first history entry. A hold taken here is released again if the
// insert fails.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.Now()
	appt := &Appointment{
		ID:           uuid.New(),
		CustomerID:   in.CustomerID,
		VehicleID:    in.VehicleID,
		Services:     in.Services,
		Parts:        in.Parts,
		TechnicianID: in.TechnicianID,
		SlotID:       in.SlotID,
		ScheduledAt:  in.ScheduledAt.UTC(),
		Priority:     in.Priority,
		Deposit:      in.Deposit,
		Payment:      in.Payment,
		Status:       in.InitialStatus,
	}
	appt.Recalculate()

	if appt.Deposit != nil && appt.Deposit.Paid && appt.Deposit.Amount > appt.TotalAmount {
		return nil, fmt.Errorf("%w: paid deposit %d exceeds total %d", ErrValidation, appt.Deposit.Amount, appt.TotalAmount)
	}

	token := in.ReservationToken
	var ownHold *uuid.UUID
	if in.SlotID != nil && !in.SkipSlotReservation && token == nil {
		res, err := s.ledger.Reserve(ctx, *in.SlotID)
		if err != nil {
			return nil, err
		}
		token = &res.Token
		ownHold = &res.Token
	}

	appt.appendHistory(appt.Status, TransitionMeta{ChangedBy: in.CreatedBy, Notes: in.Notes}, now)

	created, err := s.repo.Create(ctx, appt, token)
	if err != nil {
		if ownHold != nil {
			if relErr := s.ledger.Release(ctx, *ownHold); relErr != nil {
				s.logger.Error("failed to release reservation after create failure",
					zap.String("token", ownHold.String()), zap.Error(relErr))
			}
		}
		if errors.Is(err, ErrDuplicateTransaction) || errors.Is(err, ErrReservationNotHeld) {
			return nil, err
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logger.Info("appointment created",
		zap.String("appointment_id", created.ID.String()),
		zap.String("number", created.Number),
		zap.String("status", string(created.Status)),
		zap.Int64("total_amount", created.TotalAmount),
	)

	payload := map[string]any{
		"appointment_number": created.Number,
		"customer_id":        created.CustomerID.String(),
		"status":             created.Status,
		"scheduled_at":       created.ScheduledAt,
		"total_amount":       created.TotalAmount,
	}
	if created.SlotID != nil {
		payload["slot_id"] = created.SlotID.String()
	}
	s.LogEvent(ctx, created.ID, EventAppointmentCreated, payload)

	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) GetByTransactionRef(ctx context.Context, ref string) (*Appointment, error) {
	appt, err := s.repo.GetByTransactionRef(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment by transaction: %w", err)
	}
	return appt, nil
}

// ListByCustomer retrieves appointments for a specific customer
func (s *Service) ListByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListByCustomer(ctx, customerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by customer: %w", err)
	}
	return appts, nil
}

// Mutate is the single write path for an existing appointment. fn works on a
// locked copy; nothing is persisted when it returns an error.
func (s *Service) Mutate(ctx context.Context, id uuid.UUID, fn func(a *Appointment, now time.Time) error) (*Appointment, error) {
	now := s.Now()
	updated, err := s.repo.Update(ctx, id, func(a *Appointment) error {
		return fn(a, now)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			s.logger.Warn("rejected state transition",
				zap.String("appointment_id", id.String()), zap.Error(err))
		}
		return nil, err
	}
	return updated, nil
}

// Transition drives the service pipeline (confirm, arrival, reception, work,
// invoicing). Cancellation states are owned by the cancellation workflow.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, actor Actor, notes string) (*Appointment, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	if isCancellationStatus(to) {
		return nil, fmt.Errorf("%w: %s is reached through the cancellation workflow", ErrInvalidStateTransition, to)
	}
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}

	var from Status
	updated, err := s.Mutate(ctx, id, func(a *Appointment, now time.Time) error {
		from = a.Status
		return a.Transition(to, TransitionMeta{ChangedBy: actor.ID, Notes: notes}, now)
	})
	if err != nil {
		return nil, err
	}

	s.LogEvent(ctx, updated.ID, EventAppointmentStatusChanged, map[string]any{
		"from":       from,
		"to":         to,
		"changed_by": actor.ID,
	})
	return updated, nil
}

// History returns the audit trail, optionally collapsed for display.
func (s *Service) History(ctx context.Context, id uuid.UUID, collapse bool) ([]HistoryEntry, error) {
	appt, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if collapse {
		return DisplayHistory(appt.History), nil
	}
	return appt.History, nil
}

// LogEvent records a notification event. Failures are logged and never
// propagated to the operation that produced the event.
func (s *Service) LogEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Error("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}

func isCancellationStatus(s Status) bool {
	switch s {
	case StatusCancelRequested, StatusCancelApproved, StatusCancelRefunded, StatusCancelled:
		return true
	}
	return false
}
