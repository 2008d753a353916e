package booking

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/slot"
)

// Mode tags how a booking is paid for.
type Mode string

const (
	// ModeImmediate books without an upfront payment; the appointment starts pending.
	ModeImmediate Mode = "immediate"
	// ModeDeposit collects DepositPercent of the total before confirming.
	ModeDeposit Mode = "deposit"
	// ModeFullPayment collects the whole total before confirming.
	ModeFullPayment Mode = "full_payment"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeImmediate, ModeDeposit, ModeFullPayment:
		return true
	}
	return false
}

func (m Mode) RequiresPayment() bool {
	return m == ModeDeposit || m == ModeFullPayment
}

// LineRequest references a catalog entry. Prices are looked up server-side.
type LineRequest struct {
	ID       uuid.UUID `json:"id"`
	Quantity int       `json:"quantity"`
}

// Draft is the appointment being booked. The schedule (date, time and slot)
// is written only by SelectSlot or SelectTime.
type Draft struct {
	CustomerID   uuid.UUID
	VehicleID    uuid.UUID
	Services     []LineRequest
	Parts        []LineRequest
	TechnicianID *uuid.UUID
	Priority     appointment.Priority
	Notes        string

	scheduledAt time.Time
	slotID      *uuid.UUID
}

// SelectSlot schedules the draft at the slot's start and references the slot.
func (d *Draft) SelectSlot(s slot.Slot) {
	id := s.ID
	d.slotID = &id
	d.scheduledAt = s.StartsAt.UTC()
}

// SelectTime schedules the draft without holding slot capacity.
func (d *Draft) SelectTime(at time.Time) {
	d.slotID = nil
	d.scheduledAt = at.UTC()
}

func (d Draft) ScheduledAt() time.Time { return d.scheduledAt }

func (d Draft) SlotID() *uuid.UUID {
	if d.slotID == nil {
		return nil
	}
	id := *d.slotID
	return &id
}

func (d Draft) validate() error {
	if d.CustomerID == uuid.Nil {
		return fmt.Errorf("%w: customer_id is required", appointment.ErrValidation)
	}
	if d.VehicleID == uuid.Nil {
		return fmt.Errorf("%w: vehicle_id is required", appointment.ErrValidation)
	}
	if len(d.Services) == 0 {
		return fmt.Errorf("%w: at least one service is required", appointment.ErrValidation)
	}
	for i, l := range d.Services {
		if l.ID == uuid.Nil || l.Quantity < 1 {
			return fmt.Errorf("%w: services[%d] is invalid", appointment.ErrValidation, i)
		}
	}
	for i, l := range d.Parts {
		if l.ID == uuid.Nil || l.Quantity < 1 {
			return fmt.Errorf("%w: parts[%d] is invalid", appointment.ErrValidation, i)
		}
	}
	if d.scheduledAt.IsZero() {
		return fmt.Errorf("%w: no slot or time selected", appointment.ErrValidation)
	}
	if d.Priority != "" && !d.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", appointment.ErrValidation, d.Priority)
	}
	return nil
}

type draftJSON struct {
	CustomerID   uuid.UUID            `json:"customer_id"`
	VehicleID    uuid.UUID            `json:"vehicle_id"`
	Services     []LineRequest        `json:"services"`
	Parts        []LineRequest        `json:"parts,omitempty"`
	TechnicianID *uuid.UUID           `json:"technician_id,omitempty"`
	Priority     appointment.Priority `json:"priority,omitempty"`
	Notes        string               `json:"notes,omitempty"`
	ScheduledAt  time.Time            `json:"scheduled_at"`
	SlotID       *uuid.UUID           `json:"slot_id,omitempty"`
}

// MarshalJSON includes the schedule so the draft survives the side channel.
func (d Draft) MarshalJSON() ([]byte, error) {
	return json.Marshal(draftJSON{
		CustomerID:   d.CustomerID,
		VehicleID:    d.VehicleID,
		Services:     d.Services,
		Parts:        d.Parts,
		TechnicianID: d.TechnicianID,
		Priority:     d.Priority,
		Notes:        d.Notes,
		ScheduledAt:  d.scheduledAt,
		SlotID:       d.slotID,
	})
}

func (d *Draft) UnmarshalJSON(data []byte) error {
	var raw draftJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Draft{
		CustomerID:   raw.CustomerID,
		VehicleID:    raw.VehicleID,
		Services:     raw.Services,
		Parts:        raw.Parts,
		TechnicianID: raw.TechnicianID,
		Priority:     raw.Priority,
		Notes:        raw.Notes,
		scheduledAt:  raw.ScheduledAt,
		slotID:       raw.SlotID,
	}
	return nil
}

// StartRequest is the single validated input for Saga.Start.
type StartRequest struct {
	Mode  Mode
	Draft Draft
	// ReservationToken is a hold the caller took earlier on the draft's slot.
	ReservationToken *uuid.UUID
	Actor            appointment.Actor
}

func (r StartRequest) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown booking mode %q", appointment.ErrValidation, r.Mode)
	}
	if err := r.Draft.validate(); err != nil {
		return err
	}
	if r.ReservationToken != nil && r.Draft.slotID == nil {
		return fmt.Errorf("%w: reservation token given without a slot", appointment.ErrValidation)
	}
	return nil
}

// CompleteRequest resumes a suspended booking after the payment redirect.
type CompleteRequest struct {
	CorrelationID  uuid.UUID
	TransactionRef string
	// Timeout bounds the gateway verification call. Zero uses the default.
	Timeout time.Duration
}

func (r CompleteRequest) Validate() error {
	if r.CorrelationID == uuid.Nil {
		return fmt.Errorf("%w: correlation id is required", appointment.ErrValidation)
	}
	if r.TransactionRef == "" {
		return fmt.Errorf("%w: transaction reference is required", appointment.ErrValidation)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", appointment.ErrValidation)
	}
	return nil
}
