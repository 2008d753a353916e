package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/service-center-booking/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, appointment_number, customer_id, vehicle_id, technician_id, slot_id,
	scheduled_at, priority, services, parts, total_amount, deposit, payment, status,
	cancel_request, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.Number,
		&a.CustomerID,
		&a.VehicleID,
		&a.TechnicianID,
		&a.SlotID,
		&a.ScheduledAt,
		&a.Priority,
		&a.Services,
		&a.Parts,
		&a.TotalAmount,
		&a.Deposit,
		&a.Payment,
		&a.Status,
		&a.CancelRequest,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadHistory(ctx context.Context, q querier, id uuid.UUID) ([]HistoryEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT status, changed_at, COALESCE(changed_by, ''), COALESCE(notes, ''), COALESCE(reason, '')
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Status, &h.ChangedAt, &h.ChangedBy, &h.Notes, &h.Reason); err != nil {
			return nil, err
		}
		result = append(result, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, id uuid.UUID, entries []HistoryEntry) error {
	for _, h := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_history (appointment_id, status, changed_at, changed_by, notes, reason)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''))
		`, id, h.Status, h.ChangedAt, h.ChangedBy, h.Notes, h.Reason)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

func paymentRef(a *Appointment) *string {
	if a.Payment == nil || a.Payment.TransactionRef == "" {
		return nil
	}
	ref := a.Payment.TransactionRef
	return &ref
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, appt *Appointment, reservationToken *uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if reservationToken != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE slot_reservations
			SET status = 'consumed',
			    appointment_id = $2
			WHERE token = $1
			  AND slot_id = $3
			  AND status = 'held'
		`, *reservationToken, appt.ID, appt.SlotID)
		if err != nil {
			return nil, fmt.Errorf("consume reservation: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil, ErrReservationNotHeld
		}
	}

	services := appt.Services
	if services == nil {
		services = []LineItem{}
	}
	parts := appt.Parts
	if parts == nil {
		parts = []PartItem{}
	}

	created, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, appointment_number, customer_id, vehicle_id, technician_id, slot_id,
			scheduled_at, priority, services, parts, total_amount, deposit, payment,
			payment_transaction_ref, status, cancel_request, created_at, updated_at
		)
		VALUES (
			$1,
			'APT-' || to_char(now() AT TIME ZONE 'UTC', 'YYYYMMDD') || '-' || lpad(nextval('appointment_number_seq')::text, 6, '0'),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now()
		)
		RETURNING `+appointmentColumns,
		appt.ID, appt.CustomerID, appt.VehicleID, appt.TechnicianID, appt.SlotID,
		appt.ScheduledAt, appt.Priority, services, parts, appt.TotalAmount, appt.Deposit, appt.Payment,
		paymentRef(appt), appt.Status, appt.CancelRequest,
	))
	if err != nil {
		if db.IsUniqueViolation(err, "appointments_payment_ref_key") {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := insertHistory(ctx, tx, created.ID, appt.History); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	created.History = append([]HistoryEntry(nil), appt.History...)
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	a.History, err = loadHistory(ctx, r.pool, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return a, nil
}

func (r *PgRepository) GetByTransactionRef(ctx context.Context, ref string) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_transaction_ref = $1
	`, ref))
	if err != nil {
		return nil, err
	}

	a.History, err = loadHistory(ctx, r.pool, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return a, nil
}

func (r *PgRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE customer_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) Update(ctx context.Context, id uuid.UUID, fn func(*Appointment) error) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanAppointment(tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	current.History, err = loadHistory(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if len(next.History) < len(current.History) {
		return nil, fmt.Errorf("history is append-only: %d entries became %d", len(current.History), len(next.History))
	}

	updated, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    technician_id = $3,
		    deposit = $4,
		    payment = $5,
		    payment_transaction_ref = $6,
		    cancel_request = $7,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns,
		id, next.Status, next.TechnicianID, next.Deposit, next.Payment, paymentRef(next), next.CancelRequest,
	))
	if err != nil {
		if db.IsUniqueViolation(err, "appointments_payment_ref_key") {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	if err := insertHistory(ctx, tx, id, next.History[len(current.History):]); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	updated.History = next.History
	return updated, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
