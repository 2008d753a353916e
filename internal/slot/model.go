package slot

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAvailable       Status = "available"
	StatusPartiallyBooked Status = "partially_booked"
	StatusFull            Status = "full"
)

// Slot is a fixed calendar interval with a maximum number of concurrent bookings.
type Slot struct {
	ID            uuid.UUID
	StartsAt      time.Time
	EndsAt        time.Time
	Capacity      int
	BookedCount   int
	TechnicianIDs []uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status is derived from capacity and booked count only.
func (s Slot) Status() Status {
	switch {
	case s.BookedCount <= 0:
		return StatusAvailable
	case s.BookedCount >= s.Capacity:
		return StatusFull
	default:
		return StatusPartiallyBooked
	}
}

func (s Slot) Remaining() int {
	if r := s.Capacity - s.BookedCount; r > 0 {
		return r
	}
	return 0
}

type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is a time-bounded soft hold against one unit of slot capacity.
// The token is the only thing a caller needs to release it.
type Reservation struct {
	Token         uuid.UUID
	SlotID        uuid.UUID
	Status        ReservationStatus
	AppointmentID *uuid.UUID
	ExpiresAt     time.Time
	CreatedAt     time.Time
	ReleasedAt    *time.Time
}

func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationHeld && !now.Before(r.ExpiresAt)
}
