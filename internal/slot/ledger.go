package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepBatchSize = 200

// Ledger tracks capacity and reservation state per slot.
type Ledger struct {
	repo      Repository
	scheduler ExpiryScheduler
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type LedgerOption func(*Ledger)

// WithExpiryScheduler enqueues an expiry task for every new hold.
func WithExpiryScheduler(s ExpiryScheduler) LedgerOption {
	return func(l *Ledger) { l.scheduler = s }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(repo Repository, ttl time.Duration, logger *zap.Logger, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Reserve takes one unit of capacity on the slot and returns the hold.
func (l *Ledger) Reserve(ctx context.Context, slotID uuid.UUID) (*Reservation, error) {
	token := uuid.New()
	expiresAt := l.now().UTC().Add(l.ttl)

	res, err := l.repo.Reserve(ctx, slotID, token, expiresAt)
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) || errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve slot %s: %w", slotID, err)
	}

	l.logger.Info("slot reserved",
		zap.String("slot_id", slotID.String()),
		zap.String("token", token.String()),
		zap.Time("expires_at", expiresAt),
	)

	if l.scheduler != nil {
		if err := l.scheduler.ScheduleExpiry(ctx, token, expiresAt); err != nil {
			l.logger.Warn("failed to schedule reservation expiry; sweep will pick it up",
				zap.String("token", token.String()), zap.Error(err))
		}
	}

	return res, nil
}

// Release gives the capacity unit back. Releasing an already released or
// consumed hold is a successful no-op so that racing cleanups are safe.
func (l *Ledger) Release(ctx context.Context, token uuid.UUID) error {
	res, released, err := l.repo.Release(ctx, token, l.now().UTC())
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return err
		}
		return fmt.Errorf("release reservation %s: %w", token, err)
	}

	if released {
		l.logger.Info("reservation released",
			zap.String("slot_id", res.SlotID.String()),
			zap.String("token", token.String()),
		)
	} else {
		l.logger.Debug("reservation release was a no-op",
			zap.String("token", token.String()),
			zap.String("status", string(res.Status)),
		)
	}
	return nil
}

// Get returns a single slot snapshot.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := l.repo.GetSlot(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	return s, nil
}

// List returns slot snapshots starting in [from, to). Read-only.
func (l *Ledger) List(ctx context.Context, from, to time.Time) ([]Slot, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range: %s is not after %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	slots, err := l.repo.ListSlots(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

// Reservation looks a hold up by token.
func (l *Ledger) Reservation(ctx context.Context, token uuid.UUID) (*Reservation, error) {
	res, err := l.repo.GetReservation(ctx, token)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	return res, nil
}

// ExpireReservation releases the hold only if it is still held and past its TTL.
// It reports whether capacity was returned.
func (l *Ledger) ExpireReservation(ctx context.Context, token uuid.UUID) (bool, error) {
	res, err := l.Reservation(ctx, token)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			return false, nil
		}
		return false, err
	}

	now := l.now().UTC()
	if !res.Expired(now) {
		return false, nil
	}

	_, released, err := l.repo.Release(ctx, token, now)
	if err != nil && !errors.Is(err, ErrReservationNotFound) {
		return false, fmt.Errorf("expire reservation %s: %w", token, err)
	}
	if released {
		l.logger.Info("reservation expired",
			zap.String("slot_id", res.SlotID.String()),
			zap.String("token", token.String()),
		)
	}
	return released, nil
}

// ExpireStale sweeps every held reservation past its TTL. Intended to be
// called periodically by the worker.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	now := l.now().UTC()
	expired := 0

	for {
		holds, err := l.repo.FindExpiredHolds(ctx, now, sweepBatchSize)
		if err != nil {
			return expired, fmt.Errorf("find expired holds: %w", err)
		}

		progressed := false
		for _, h := range holds {
			_, released, err := l.repo.Release(ctx, h.Token, now)
			if err != nil && !errors.Is(err, ErrReservationNotFound) {
				l.logger.Warn("failed to expire reservation", zap.String("token", h.Token.String()), zap.Error(err))
				continue
			}
			progressed = true
			if released {
				expired++
			}
		}

		if len(holds) < sweepBatchSize || !progressed {
			return expired, nil
		}
	}
}
