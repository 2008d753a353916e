package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrDuplicateTransaction   = errors.New("an appointment already exists for this payment transaction")
	ErrReservationNotHeld     = errors.New("slot reservation is not held")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation failed")
	ErrForbidden              = errors.New("actor is not allowed to perform this action")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Create inserts the appointment and its initial history. When
	// reservationToken is set the held reservation is consumed in the same
	// transaction, or ErrReservationNotHeld is returned and nothing is written.
	Create(ctx context.Context, appt *Appointment, reservationToken *uuid.UUID) (*Appointment, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByTransactionRef(ctx context.Context, ref string) (*Appointment, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Update loads the appointment under a row lock and hands fn a copy.
	// Changes (including new history entries) are persisted only when fn
	// returns nil.
	Update(ctx context.Context, id uuid.UUID, fn func(*Appointment) error) (*Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
