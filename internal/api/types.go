package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	"github.com/hackgods/service-center-booking/internal/slot"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Action  Action `json:"action,omitempty"`
}

type SlotResponse struct {
	ID            uuid.UUID   `json:"id"`
	StartsAt      time.Time   `json:"starts_at"`
	EndsAt        time.Time   `json:"ends_at"`
	Capacity      int         `json:"capacity"`
	BookedCount   int         `json:"booked_count"`
	Remaining     int         `json:"remaining"`
	Status        slot.Status `json:"status"`
	TechnicianIDs []uuid.UUID `json:"technician_ids,omitempty"`
}

func toSlotResponse(s slot.Slot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		StartsAt:      s.StartsAt,
		EndsAt:        s.EndsAt,
		Capacity:      s.Capacity,
		BookedCount:   s.BookedCount,
		Remaining:     s.Remaining(),
		Status:        s.Status(),
		TechnicianIDs: s.TechnicianIDs,
	}
}

type ReservationResponse struct {
	Token     uuid.UUID              `json:"token"`
	SlotID    uuid.UUID              `json:"slot_id"`
	Status    slot.ReservationStatus `json:"status"`
	ExpiresAt time.Time              `json:"expires_at"`
}

func toReservationResponse(r *slot.Reservation) ReservationResponse {
	return ReservationResponse{
		Token:     r.Token,
		SlotID:    r.SlotID,
		Status:    r.Status,
		ExpiresAt: r.ExpiresAt,
	}
}

// StartBookingRequest carries either slot_id or scheduled_at, never both.
// Prices are never accepted from the client.
type StartBookingRequest struct {
	Mode             booking.Mode          `json:"mode"`
	CustomerID       *uuid.UUID            `json:"customer_id,omitempty"`
	VehicleID        uuid.UUID             `json:"vehicle_id"`
	Services         []booking.LineRequest `json:"services"`
	Parts            []booking.LineRequest `json:"parts,omitempty"`
	TechnicianID     *uuid.UUID            `json:"technician_id,omitempty"`
	Priority         appointment.Priority  `json:"priority,omitempty"`
	Notes            string                `json:"notes,omitempty"`
	SlotID           *uuid.UUID            `json:"slot_id,omitempty"`
	ScheduledAt      *time.Time            `json:"scheduled_at,omitempty"`
	ReservationToken *uuid.UUID            `json:"reservation_token,omitempty"`
}

type StartBookingResponse struct {
	Mode           booking.Mode         `json:"mode"`
	CorrelationID  uuid.UUID            `json:"correlation_id"`
	Appointment    *AppointmentResponse `json:"appointment,omitempty"`
	TransactionRef string               `json:"transaction_ref,omitempty"`
	RedirectURL    string               `json:"redirect_url,omitempty"`
	Amount         int64                `json:"amount,omitempty"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
}

type CompleteBookingRequest struct {
	TransactionRef string `json:"transaction_ref"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type CompleteBookingResponse struct {
	Appointment      AppointmentResponse `json:"appointment"`
	AlreadyCompleted bool                `json:"already_completed"`
}

type PendingBookingResponse struct {
	CorrelationID  uuid.UUID            `json:"correlation_id"`
	Mode           booking.Mode         `json:"mode"`
	State          booking.PendingState `json:"state"`
	TotalAmount    int64                `json:"total_amount"`
	Amount         int64                `json:"amount"`
	Currency       string               `json:"currency"`
	TransactionRef string               `json:"transaction_ref"`
	RedirectURL    string               `json:"redirect_url,omitempty"`
	ScheduledAt    time.Time            `json:"scheduled_at"`
	SlotID         *uuid.UUID           `json:"slot_id,omitempty"`
	ExpiresAt      time.Time            `json:"expires_at"`
	FailureReason  string               `json:"failure_reason,omitempty"`
}

func toPendingBookingResponse(p *booking.PendingBooking) PendingBookingResponse {
	return PendingBookingResponse{
		CorrelationID:  p.CorrelationID,
		Mode:           p.Mode,
		State:          p.State,
		TotalAmount:    p.TotalAmount,
		Amount:         p.Amount,
		Currency:       p.Currency,
		TransactionRef: p.TransactionRef,
		RedirectURL:    p.RedirectURL,
		ScheduledAt:    p.Draft.ScheduledAt(),
		SlotID:         p.Draft.SlotID(),
		ExpiresAt:      p.ExpiresAt,
		FailureReason:  p.FailureReason,
	}
}

type AppointmentResponse struct {
	ID            uuid.UUID                  `json:"id"`
	Number        string                     `json:"number"`
	CustomerID    uuid.UUID                  `json:"customer_id"`
	VehicleID     uuid.UUID                  `json:"vehicle_id"`
	Services      []appointment.LineItem     `json:"services"`
	Parts         []appointment.PartItem     `json:"parts,omitempty"`
	TechnicianID  *uuid.UUID                 `json:"technician_id,omitempty"`
	SlotID        *uuid.UUID                 `json:"slot_id,omitempty"`
	ScheduledAt   time.Time                  `json:"scheduled_at"`
	Priority      appointment.Priority       `json:"priority"`
	TotalAmount   int64                      `json:"total_amount"`
	Deposit       *appointment.DepositInfo   `json:"deposit,omitempty"`
	Payment       *appointment.PaymentInfo   `json:"payment,omitempty"`
	Status        appointment.Status         `json:"status"`
	CancelRequest *appointment.CancelRequest `json:"cancel_request,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:            a.ID,
		Number:        a.Number,
		CustomerID:    a.CustomerID,
		VehicleID:     a.VehicleID,
		Services:      a.Services,
		Parts:         a.Parts,
		TechnicianID:  a.TechnicianID,
		SlotID:        a.SlotID,
		ScheduledAt:   a.ScheduledAt,
		Priority:      a.Priority,
		TotalAmount:   a.TotalAmount,
		Deposit:       a.Deposit,
		Payment:       a.Payment,
		Status:        a.Status,
		CancelRequest: a.CancelRequest,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

type HistoryResponse struct {
	AppointmentID uuid.UUID                  `json:"appointment_id"`
	Entries       []appointment.HistoryEntry `json:"entries"`
}

type TransitionRequest struct {
	Status appointment.Status `json:"status"`
	Notes  string             `json:"notes,omitempty"`
}

type CancellationRequest struct {
	Reason       string                   `json:"reason"`
	RefundMethod appointment.RefundMethod `json:"refund_method"`
	Bank         *appointment.BankInfo    `json:"bank,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}
