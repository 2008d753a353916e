package slot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotUnavailable     = errors.New("slot has no remaining capacity")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Repository is the persistence port of the ledger. Implementations must make
// Reserve a single atomic check-and-increment and Release a single atomic
// held->released flip paired with exactly one decrement.
type Repository interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, from, to time.Time) ([]Slot, error)

	// Reserve increments booked_count only while it is below capacity and
	// records a held reservation. Returns ErrSlotUnavailable or ErrSlotNotFound.
	Reserve(ctx context.Context, slotID, token uuid.UUID, expiresAt time.Time) (*Reservation, error)

	// Release flips a held reservation to released and decrements the slot.
	// released reports whether this call performed the flip.
	Release(ctx context.Context, token uuid.UUID, now time.Time) (res *Reservation, released bool, err error)

	GetReservation(ctx context.Context, token uuid.UUID) (*Reservation, error)

	// Expiry sweep
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// ExpiryScheduler arranges for ExpireReservation to run at a reservation's
// expiry. It is best effort: the periodic sweep catches anything it misses.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, token uuid.UUID, at time.Time) error
}
