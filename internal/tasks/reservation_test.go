package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t", Type: task.Type()}, nil
}

type fakeExpirer struct {
	tokens []uuid.UUID
	err    error
}

func (f *fakeExpirer) ExpireReservation(_ context.Context, token uuid.UUID) (bool, error) {
	f.tokens = append(f.tokens, token)
	return f.err == nil, f.err
}

func TestScheduleExpiryEnqueuesTask(t *testing.T) {
	enq := &recordingEnqueuer{}
	s := NewExpiryScheduler(enq)
	token := uuid.New()

	if err := s.ScheduleExpiry(context.Background(), token, time.Now().Add(15*time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(enq.tasks) != 1 || enq.tasks[0].Type() != TypeReservationExpire {
		t.Fatalf("unexpected tasks: %+v", enq.tasks)
	}

	var p ReservationExpirePayload
	if err := json.Unmarshal(enq.tasks[0].Payload(), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Token != token.String() {
		t.Fatalf("token = %s", p.Token)
	}
}

func TestScheduleExpiryToleratesDuplicates(t *testing.T) {
	s := NewExpiryScheduler(&recordingEnqueuer{err: asynq.ErrTaskIDConflict})
	if err := s.ScheduleExpiry(context.Background(), uuid.New(), time.Now()); err != nil {
		t.Fatalf("duplicate task should not be an error: %v", err)
	}

	s = NewExpiryScheduler(&recordingEnqueuer{err: errors.New("redis down")})
	if err := s.ScheduleExpiry(context.Background(), uuid.New(), time.Now()); err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestHandleReservationExpire(t *testing.T) {
	exp := &fakeExpirer{}
	h := HandleReservationExpire(exp, zap.NewNop())
	token := uuid.New()

	task, _, err := NewReservationExpireTask(token, time.Now())
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(exp.tokens) != 1 || exp.tokens[0] != token {
		t.Fatalf("expirer called with %v", exp.tokens)
	}
}

func TestHandleReservationExpireSkipsBadPayload(t *testing.T) {
	h := HandleReservationExpire(&fakeExpirer{}, zap.NewNop())

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeReservationExpire, []byte(`{"token":"nope"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleReservationExpireRetriesOnStoreError(t *testing.T) {
	h := HandleReservationExpire(&fakeExpirer{err: errors.New("db down")}, zap.NewNop())
	task, _, _ := NewReservationExpireTask(uuid.New(), time.Now())

	err := h.ProcessTask(context.Background(), task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("store errors should be retried, got %v", err)
	}
}
