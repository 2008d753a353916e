package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/payment"
	redisclient "github.com/hackgods/service-center-booking/internal/redis"
)

type PendingState string

const (
	PendingAwaitingPayment PendingState = "awaiting_payment"
	PendingVerified        PendingState = "verified"
	// PendingCompensated means payment went through but the appointment could
	// not be created and the hold was released. Needs an operator.
	PendingCompensated PendingState = "compensated"
)

// PendingBooking is the durable record of a booking suspended at the
// payment redirect. Amounts are computed server-side and never taken from
// the caller on resume.
type PendingBooking struct {
	CorrelationID    uuid.UUID              `json:"correlation_id"`
	Mode             Mode                   `json:"mode"`
	State            PendingState           `json:"state"`
	Draft            Draft                  `json:"draft"`
	Services         []appointment.LineItem `json:"services"`
	Parts            []appointment.PartItem `json:"parts,omitempty"`
	TotalAmount      int64                  `json:"total_amount"`
	Amount           int64                  `json:"amount"`
	Currency         string                 `json:"currency"`
	ReservationToken *uuid.UUID             `json:"reservation_token,omitempty"`
	OwnsReservation  bool                   `json:"owns_reservation"`
	TransactionRef   string                 `json:"transaction_ref"`
	RedirectURL      string                 `json:"redirect_url"`
	Verification     *payment.Verification  `json:"verification,omitempty"`
	VerifiedAt       *time.Time             `json:"verified_at,omitempty"`
	CreatedBy        string                 `json:"created_by,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ExpiresAt        time.Time              `json:"expires_at"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	AppointmentID    *uuid.UUID             `json:"appointment_id,omitempty"`
}

// PendingStore is the side channel keyed by correlation id.
type PendingStore interface {
	Save(ctx context.Context, p *PendingBooking, ttl time.Duration) error
	// Update rewrites the record without extending its lifetime.
	Update(ctx context.Context, p *PendingBooking) error
	Get(ctx context.Context, correlationID uuid.UUID) (*PendingBooking, error)
	Delete(ctx context.Context, correlationID uuid.UUID) error
}

// PendingKeyPrefix namespaces pending bookings in Redis.
const PendingKeyPrefix = "booking:pending:"

type redisPendingStore struct {
	store *redisclient.JSONStore
}

// NewRedisPendingStore keeps pending bookings as JSON documents in Redis.
func NewRedisPendingStore(store *redisclient.JSONStore) PendingStore {
	return &redisPendingStore{store: store}
}

func (r *redisPendingStore) Save(ctx context.Context, p *PendingBooking, ttl time.Duration) error {
	return r.store.Save(ctx, p.CorrelationID.String(), p, ttl)
}

func (r *redisPendingStore) Update(ctx context.Context, p *PendingBooking) error {
	err := r.store.Update(ctx, p.CorrelationID.String(), p)
	if errors.Is(err, redisclient.ErrKeyNotFound) {
		return ErrPendingBookingNotFound
	}
	return err
}

func (r *redisPendingStore) Get(ctx context.Context, correlationID uuid.UUID) (*PendingBooking, error) {
	var p PendingBooking
	if err := r.store.Load(ctx, correlationID.String(), &p); err != nil {
		if errors.Is(err, redisclient.ErrKeyNotFound) {
			return nil, ErrPendingBookingNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *redisPendingStore) Delete(ctx context.Context, correlationID uuid.UUID) error {
	return r.store.Delete(ctx, correlationID.String())
}
