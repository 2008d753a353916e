// Package cancellation drives an appointment through request, approval and
// refund. Ordering within one appointment is enforced by the status graph.
package cancellation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/refund"
)

const (
	EventCancellationRequested = "cancellation.requested"
	EventCancellationApproved  = "cancellation.approved"
	EventRefundProcessed       = "cancellation.refund_processed"
)

// Appointments is the slice of appointment.Service the workflow uses.
type Appointments interface {
	Mutate(ctx context.Context, id uuid.UUID, fn func(a *appointment.Appointment, now time.Time) error) (*appointment.Appointment, error)
	LogEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any)
}

type Workflow struct {
	appts  Appointments
	logger *zap.Logger
}

func NewWorkflow(appts Appointments, logger *zap.Logger) *Workflow {
	return &Workflow{appts: appts, logger: logger}
}

type RequestInput struct {
	AppointmentID uuid.UUID
	Reason        string
	RefundMethod  appointment.RefundMethod
	Bank          *appointment.BankInfo
	Actor         appointment.Actor
}

func (in RequestInput) validate() error {
	if in.AppointmentID == uuid.Nil {
		return fmt.Errorf("%w: appointment id is required", appointment.ErrValidation)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return fmt.Errorf("%w: reason is required", appointment.ErrValidation)
	}
	if !in.RefundMethod.Valid() {
		return fmt.Errorf("%w: unknown refund method %q", appointment.ErrValidation, in.RefundMethod)
	}
	if in.RefundMethod == appointment.RefundBankTransfer {
		b := in.Bank
		if b == nil {
			return fmt.Errorf("%w: bank details are required for bank transfer refunds", appointment.ErrValidation)
		}
		var missing []string
		if strings.TrimSpace(b.BankName) == "" {
			missing = append(missing, "bank_name")
		}
		if strings.TrimSpace(b.AccountNumber) == "" {
			missing = append(missing, "account_number")
		}
		if strings.TrimSpace(b.AccountHolder) == "" {
			missing = append(missing, "account_holder")
		}
		if strings.TrimSpace(b.ProofRef) == "" {
			missing = append(missing, "proof_ref")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: missing %s", appointment.ErrValidation, strings.Join(missing, ", "))
		}
	}
	return nil
}

// Request records a cancellation request. The refund percentage and amount
// are computed now and frozen on the appointment.
func (w *Workflow) Request(ctx context.Context, in RequestInput) (*appointment.Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	updated, err := w.appts.Mutate(ctx, in.AppointmentID, func(a *appointment.Appointment, now time.Time) error {
		if in.Actor.Role == appointment.RoleCustomer && in.Actor.ID != a.CustomerID.String() {
			return appointment.ErrForbidden
		}
		if a.Status != appointment.StatusPending && a.Status != appointment.StatusConfirmed {
			return fmt.Errorf("%w: cannot request cancellation while %s", appointment.ErrInvalidStateTransition, a.Status)
		}

		depositAmount, depositPaid := int64(0), false
		if a.Deposit != nil {
			depositAmount, depositPaid = a.Deposit.Amount, a.Deposit.Paid
		}
		base := refund.BaseAmount(a.TotalAmount, depositAmount, depositPaid)
		result := refund.Compute(a.ScheduledAt, now, base)

		req := &appointment.CancelRequest{
			Reason:           in.Reason,
			RequestedAt:      now,
			RequestedBy:      in.Actor.ID,
			RefundMethod:     in.RefundMethod,
			BaseAmount:       base,
			RefundPercentage: result.Percentage,
			RefundAmount:     result.Amount,
		}
		if in.RefundMethod == appointment.RefundBankTransfer {
			bank := *in.Bank
			req.Bank = &bank
		}
		a.CancelRequest = req

		return a.Transition(appointment.StatusCancelRequested, appointment.TransitionMeta{
			ChangedBy: in.Actor.ID,
			Reason:    in.Reason,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	cr := updated.CancelRequest
	w.logger.Info("cancellation requested",
		zap.String("appointment_id", updated.ID.String()),
		zap.Int("refund_percentage", cr.RefundPercentage),
		zap.Int64("refund_amount", cr.RefundAmount),
	)
	w.appts.LogEvent(ctx, updated.ID, EventCancellationRequested, map[string]any{
		"appointment_number": updated.Number,
		"customer_id":        updated.CustomerID.String(),
		"refund_method":      cr.RefundMethod,
		"refund_percentage":  cr.RefundPercentage,
		"refund_amount":      cr.RefundAmount,
	})

	return updated, nil
}

// Approve is a staff decision. It does not move money.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, actor appointment.Actor, notes string) (*appointment.Appointment, error) {
	if !actor.IsStaff() {
		return nil, appointment.ErrForbidden
	}

	updated, err := w.appts.Mutate(ctx, id, func(a *appointment.Appointment, now time.Time) error {
		return a.Transition(appointment.StatusCancelApproved, appointment.TransitionMeta{
			ChangedBy: actor.ID,
			Notes:     notes,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("cancellation approved",
		zap.String("appointment_id", updated.ID.String()),
		zap.String("approved_by", actor.ID),
	)
	w.appts.LogEvent(ctx, updated.ID, EventCancellationApproved, map[string]any{
		"appointment_number": updated.Number,
		"customer_id":        updated.CustomerID.String(),
		"approved_by":        actor.ID,
	})

	return updated, nil
}

// ProcessRefund records that the refund was paid out and closes the
// appointment. It is the system-of-record acknowledgment only; no gateway
// reversal is issued from here.
func (w *Workflow) ProcessRefund(ctx context.Context, id uuid.UUID, actor appointment.Actor, notes string) (*appointment.Appointment, error) {
	if !actor.IsStaff() {
		return nil, appointment.ErrForbidden
	}

	updated, err := w.appts.Mutate(ctx, id, func(a *appointment.Appointment, now time.Time) error {
		if a.Status != appointment.StatusCancelApproved {
			return fmt.Errorf("%w: cannot process refund while %s", appointment.ErrInvalidStateTransition, a.Status)
		}
		if a.CancelRequest == nil {
			return fmt.Errorf("%w: no cancellation request on record", appointment.ErrInvalidStateTransition)
		}
		if a.CancelRequest.RefundProcessedAt != nil {
			return fmt.Errorf("%w: refund already processed at %s", appointment.ErrInvalidStateTransition,
				a.CancelRequest.RefundProcessedAt.Format(time.RFC3339))
		}

		processedAt := now
		a.CancelRequest.RefundProcessedAt = &processedAt

		meta := appointment.TransitionMeta{ChangedBy: actor.ID, Notes: notes}
		if err := a.Transition(appointment.StatusCancelRefunded, meta, now); err != nil {
			return err
		}
		return a.Transition(appointment.StatusCancelled, appointment.TransitionMeta{
			ChangedBy: actor.ID,
			Reason:    a.CancelRequest.Reason,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	cr := updated.CancelRequest
	w.logger.Info("refund processed",
		zap.String("appointment_id", updated.ID.String()),
		zap.Int64("refund_amount", cr.RefundAmount),
		zap.String("processed_by", actor.ID),
	)
	w.appts.LogEvent(ctx, updated.ID, EventRefundProcessed, map[string]any{
		"appointment_number":  updated.Number,
		"customer_id":         updated.CustomerID.String(),
		"refund_method":       cr.RefundMethod,
		"refund_amount":       cr.RefundAmount,
		"refund_processed_at": cr.RefundProcessedAt,
	})

	return updated, nil
}
