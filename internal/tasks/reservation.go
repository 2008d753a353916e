package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeReservationExpire = "reservation:expire"
	QueueReservations     = "reservations"
)

type ReservationExpirePayload struct {
	Token string `json:"token"`
}

func NewReservationExpireTask(token uuid.UUID, at time.Time) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ReservationExpirePayload{Token: token.String()})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeReservationExpire, b)
	opts := []asynq.Option{
		asynq.ProcessAt(at),
		asynq.Queue(QueueReservations),
		// one task per hold; a retried enqueue must not duplicate it
		asynq.TaskID("reservation-expire:" + token.String()),
		asynq.MaxRetry(5),
	}
	return task, opts, nil
}

// Enqueuer is the subset of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExpiryScheduler enqueues a delayed reservation:expire task per hold.
type ExpiryScheduler struct {
	client Enqueuer
}

func NewExpiryScheduler(client Enqueuer) *ExpiryScheduler {
	return &ExpiryScheduler{client: client}
}

func (s *ExpiryScheduler) ScheduleExpiry(ctx context.Context, token uuid.UUID, at time.Time) error {
	task, opts, err := NewReservationExpireTask(token, at)
	if err != nil {
		return fmt.Errorf("build expiry task: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue expiry task: %w", err)
	}
	return nil
}

// ReservationExpirer is implemented by *slot.Ledger.
type ReservationExpirer interface {
	ExpireReservation(ctx context.Context, token uuid.UUID) (bool, error)
}

func HandleReservationExpire(expirer ReservationExpirer, logger *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p ReservationExpirePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			logger.Error("invalid reservation expire payload", zap.Error(err))
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		token, err := uuid.Parse(p.Token)
		if err != nil {
			logger.Error("invalid reservation token in task", zap.String("token", p.Token))
			return fmt.Errorf("parse token: %v: %w", err, asynq.SkipRetry)
		}

		released, err := expirer.ExpireReservation(ctx, token)
		if err != nil {
			logger.Warn("reservation expiry failed", zap.String("token", p.Token), zap.Error(err))
			return err
		}
		logger.Debug("reservation expiry task handled",
			zap.String("token", p.Token),
			zap.Bool("released", released),
		)
		return nil
	}
}
