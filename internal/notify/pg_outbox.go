package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/service-center-booking/internal/appointment"
)

// PgOutbox reads the event_logs table written by the appointment service.
type PgOutbox struct {
	pool *pgxpool.Pool
}

func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

// PublishPending locks up to limit unpublished events, hands them to send and
// marks them published only if send succeeds. Concurrent workers skip rows
// another worker holds.
func (o *PgOutbox) PublishPending(ctx context.Context, limit int, send func(ctx context.Context, events []appointment.EventLog) error) (int, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, appointment_id, COALESCE(payload, '{}'::jsonb), created_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished events: %w", err)
	}

	var events []appointment.EventLog
	for rows.Next() {
		var ev appointment.EventLog
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, tx.Commit(ctx)
	}

	if err := send(ctx, events); err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE event_logs
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids); err != nil {
		return 0, fmt.Errorf("mark events published: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(events), nil
}
