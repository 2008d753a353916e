// Package appttest provides an in-memory appointment.Repository for tests.
package appttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
)

// MemoryRepository mirrors the Postgres repository's guarantees: a unique
// payment reference, atomic hold consumption and copy-on-write updates.
type MemoryRepository struct {
	mu     sync.Mutex
	appts  map[uuid.UUID]*appointment.Appointment
	byRef  map[string]uuid.UUID
	events []appointment.EventLog
	seq    int

	// Consume is called inside Create when a reservation token is passed.
	// A non-nil error aborts the insert.
	Consume func(token, slotID uuid.UUID) error
	// CreateErr, when set, fails every Create after Consume would have run.
	CreateErr error
	// EventErr, when set, fails every InsertEvent.
	EventErr error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appts: make(map[uuid.UUID]*appointment.Appointment),
		byRef: make(map[string]uuid.UUID),
	}
}

func (m *MemoryRepository) Create(_ context.Context, appt *appointment.Appointment, reservationToken *uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	ref := ""
	if appt.Payment != nil {
		ref = appt.Payment.TransactionRef
	}
	if ref != "" {
		if _, ok := m.byRef[ref]; ok {
			return nil, appointment.ErrDuplicateTransaction
		}
	}

	if reservationToken != nil {
		if appt.SlotID == nil {
			return nil, appointment.ErrReservationNotHeld
		}
		if m.Consume != nil {
			if err := m.Consume(*reservationToken, *appt.SlotID); err != nil {
				return nil, err
			}
		}
	}

	m.seq++
	stored := appt.Clone()
	stored.Number = fmt.Sprintf("APT-%s-%06d", stored.ScheduledAt.Format("20060102"), m.seq)
	if len(stored.History) > 0 {
		stored.CreatedAt = stored.History[0].ChangedAt
		stored.UpdatedAt = stored.CreatedAt
	}
	m.appts[stored.ID] = stored
	if ref != "" {
		m.byRef[ref] = stored.ID
	}
	return stored.Clone(), nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryRepository) GetByTransactionRef(_ context.Context, ref string) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[ref]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return m.appts[id].Clone(), nil
}

func (m *MemoryRepository) ListByCustomer(_ context.Context, customerID uuid.UUID, limit, offset int) ([]appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []appointment.Appointment
	for _, a := range m.appts {
		if a.CustomerID == customerID {
			out = append(out, *a.Clone())
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, fn func(*appointment.Appointment) error) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if len(next.History) < len(current.History) {
		return nil, fmt.Errorf("history is append-only: %d entries became %d", len(current.History), len(next.History))
	}
	if n := len(next.History); n > 0 {
		next.UpdatedAt = next.History[n-1].ChangedAt
	}
	m.appts[id] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EventErr != nil {
		return m.EventErr
	}
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Count returns how many appointments are stored.
func (m *MemoryRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

// Events returns the event types recorded so far, in order.
func (m *MemoryRepository) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}
