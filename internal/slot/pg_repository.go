package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const slotColumns = `id, starts_at, ends_at, capacity, booked_count, technician_ids, created_at, updated_at`

const reservationColumns = `token, slot_id, status, appointment_id, expires_at, created_at, released_at`

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.StartsAt,
		&s.EndsAt,
		&s.Capacity,
		&s.BookedCount,
		&s.TechnicianIDs,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var r Reservation

	err := row.Scan(
		&r.Token,
		&r.SlotID,
		&r.Status,
		&r.AppointmentID,
		&r.ExpiresAt,
		&r.CreatedAt,
		&r.ReleasedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	return &r, nil
}

// Interface methods

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, from, to time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE starts_at >= $1
		  AND starts_at < $2
		ORDER BY starts_at ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) Reserve(ctx context.Context, slotID, token uuid.UUID, expiresAt time.Time) (*Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The row lock taken by this UPDATE serializes concurrent reserves on the
	// same slot; the capacity check and increment are one statement.
	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET booked_count = booked_count + 1,
		    updated_at = now()
		WHERE id = $1
		  AND booked_count < capacity
		RETURNING id
	`, slotID).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("increment booked count: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, slotID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check slot: %w", err)
		}
		if !exists {
			return nil, ErrSlotNotFound
		}
		return nil, ErrSlotUnavailable
	}

	res, err := scanReservation(tx.QueryRow(ctx, `
		INSERT INTO slot_reservations (token, slot_id, status, expires_at, created_at)
		VALUES ($1, $2, 'held', $3, now())
		RETURNING `+reservationColumns+`
	`, token, slotID, expiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *PgRepository) Release(ctx context.Context, token uuid.UUID, now time.Time) (*Reservation, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := scanReservation(tx.QueryRow(ctx, `
		UPDATE slot_reservations
		SET status = 'released',
		    released_at = $2
		WHERE token = $1
		  AND status = 'held'
		RETURNING `+reservationColumns+`
	`, token, now))
	if err != nil {
		if !errors.Is(err, ErrReservationNotFound) {
			return nil, false, fmt.Errorf("flip reservation: %w", err)
		}
		// Either unknown, or already released/consumed by someone else.
		existing, err := scanReservation(tx.QueryRow(ctx, `
			SELECT `+reservationColumns+`
			FROM slot_reservations
			WHERE token = $1
		`, token))
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slots
		SET booked_count = booked_count - 1,
		    updated_at = now()
		WHERE id = $1
		  AND booked_count > 0
	`, res.SlotID); err != nil {
		return nil, false, fmt.Errorf("decrement booked count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (r *PgRepository) GetReservation(ctx context.Context, token uuid.UUID) (*Reservation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+reservationColumns+`
		FROM slot_reservations
		WHERE token = $1
	`, token)
	return scanReservation(row)
}

func (r *PgRepository) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM slot_reservations
		WHERE status = 'held'
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
