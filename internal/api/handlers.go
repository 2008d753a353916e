package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	"github.com/hackgods/service-center-booking/internal/cancellation"
)

const defaultSlotWindow = 7 * 24 * time.Hour

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid UUID", appointment.ErrValidation, name)
	}
	return id, nil
}

func actorFrom(r *http.Request) appointment.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}

// ownsCustomer reports whether actor may act for customerID.
func ownsCustomer(actor appointment.Actor, customerID uuid.UUID) bool {
	return actor.IsStaff() || actor.ID == customerID.String()
}

func (h *handler) listSlots(w http.ResponseWriter, r *http.Request) {
	from := time.Now().UTC()
	to := from.Add(defaultSlotWindow)

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: from must be RFC3339", appointment.ErrValidation))
			return
		}
		from = t
		to = t.Add(defaultSlotWindow)
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: to must be RFC3339", appointment.ErrValidation))
			return
		}
		to = t
	}
	if !to.After(from) {
		h.handleError(w, r, fmt.Errorf("%w: to must be after from", appointment.ErrValidation))
		return
	}

	slots, err := h.slots.List(r.Context(), from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reserveSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := urlUUID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.slots.Reserve(r.Context(), slotID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

func (h *handler) getReservation(w http.ResponseWriter, r *http.Request) {
	token, err := urlUUID(r, "token")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.slots.Reservation(r.Context(), token)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	token, err := urlUUID(r, "token")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.slots.Release(r.Context(), token); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) startBooking(w http.ResponseWriter, r *http.Request) {
	var body StartBookingRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		h.handleError(w, r, err)
		return
	}
	actor := actorFrom(r)

	draft := booking.Draft{
		VehicleID:    body.VehicleID,
		Services:     body.Services,
		Parts:        body.Parts,
		TechnicianID: body.TechnicianID,
		Priority:     body.Priority,
		Notes:        body.Notes,
	}

	switch {
	case body.CustomerID != nil:
		if !ownsCustomer(actor, *body.CustomerID) {
			h.handleError(w, r, appointment.ErrForbidden)
			return
		}
		draft.CustomerID = *body.CustomerID
	case actor.Role == appointment.RoleCustomer:
		id, err := uuid.Parse(actor.ID)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: token subject is not a customer id", appointment.ErrValidation))
			return
		}
		draft.CustomerID = id
	}

	switch {
	case body.SlotID != nil && body.ScheduledAt != nil:
		h.handleError(w, r, fmt.Errorf("%w: give either slot_id or scheduled_at", appointment.ErrValidation))
		return
	case body.SlotID != nil:
		s, err := h.slots.Get(r.Context(), *body.SlotID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		draft.SelectSlot(*s)
	case body.ScheduledAt != nil:
		draft.SelectTime(*body.ScheduledAt)
	}

	res, err := h.bookings.Start(r.Context(), booking.StartRequest{
		Mode:             body.Mode,
		Draft:            draft,
		ReservationToken: body.ReservationToken,
		Actor:            actor,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := StartBookingResponse{
		Mode:           res.Mode,
		CorrelationID:  res.CorrelationID,
		TransactionRef: res.TransactionRef,
		RedirectURL:    res.RedirectURL,
		Amount:         res.Amount,
	}
	if res.Appointment != nil {
		appt := toAppointmentResponse(res.Appointment)
		resp.Appointment = &appt
		writeJSON(w, http.StatusCreated, resp)
		return
	}
	expires := res.ExpiresAt
	resp.ExpiresAt = &expires
	writeJSON(w, http.StatusAccepted, resp)
}

// pendingFor loads the pending booking and checks the caller may act on it.
// A missing record is not an error here: Complete is idempotent after the
// record is gone.
func (h *handler) pendingFor(r *http.Request, cid uuid.UUID) (*booking.PendingBooking, error) {
	pb, err := h.bookings.Status(r.Context(), cid)
	if err != nil {
		if errors.Is(err, booking.ErrPendingBookingNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !ownsCustomer(actorFrom(r), pb.Draft.CustomerID) {
		return nil, appointment.ErrForbidden
	}
	return pb, nil
}

func (h *handler) bookingStatus(w http.ResponseWriter, r *http.Request) {
	cid, err := urlUUID(r, "cid")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	pb, err := h.pendingFor(r, cid)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if pb == nil {
		h.handleError(w, r, booking.ErrPendingBookingNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toPendingBookingResponse(pb))
}

func (h *handler) completeBooking(w http.ResponseWriter, r *http.Request) {
	cid, err := urlUUID(r, "cid")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body CompleteBookingRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		h.handleError(w, r, err)
		return
	}
	timeout := time.Duration(body.TimeoutSeconds) * time.Second
	if body.TimeoutSeconds < 0 || timeout > h.maxVerify {
		h.handleError(w, r, fmt.Errorf("%w: timeout_seconds must be between 0 and %d",
			appointment.ErrValidation, int(h.maxVerify/time.Second)))
		return
	}
	if _, err := h.pendingFor(r, cid); err != nil {
		h.handleError(w, r, err)
		return
	}

	res, err := h.bookings.Complete(r.Context(), booking.CompleteRequest{
		CorrelationID:  cid,
		TransactionRef: body.TransactionRef,
		Timeout:        timeout,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ownsCustomer(actorFrom(r), res.Appointment.CustomerID) {
		h.handleError(w, r, appointment.ErrForbidden)
		return
	}

	status := http.StatusCreated
	if res.AlreadyCompleted {
		status = http.StatusOK
	}
	writeJSON(w, status, CompleteBookingResponse{
		Appointment:      toAppointmentResponse(res.Appointment),
		AlreadyCompleted: res.AlreadyCompleted,
	})
}

func (h *handler) abandonBooking(w http.ResponseWriter, r *http.Request) {
	cid, err := urlUUID(r, "cid")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	pb, err := h.pendingFor(r, cid)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if pb == nil {
		h.handleError(w, r, booking.ErrPendingBookingNotFound)
		return
	}

	if err := h.bookings.Abandon(r.Context(), cid); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()

	var customerID uuid.UUID
	if v := q.Get("customer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: customer_id must be a valid UUID", appointment.ErrValidation))
			return
		}
		customerID = id
	} else if actor.Role == appointment.RoleCustomer {
		id, err := uuid.Parse(actor.ID)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("%w: token subject is not a customer id", appointment.ErrValidation))
			return
		}
		customerID = id
	} else {
		h.handleError(w, r, fmt.Errorf("%w: customer_id is required", appointment.ErrValidation))
		return
	}
	if !ownsCustomer(actor, customerID) {
		h.handleError(w, r, appointment.ErrForbidden)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	appts, err := h.appointments.ListByCustomer(r.Context(), customerID, limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadOwned fetches an appointment the caller is allowed to see.
func (h *handler) loadOwned(r *http.Request) (*appointment.Appointment, error) {
	id, err := urlUUID(r, "id")
	if err != nil {
		return nil, err
	}
	appt, err := h.appointments.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !ownsCustomer(actorFrom(r), appt.CustomerID) {
		return nil, appointment.ErrForbidden
	}
	return appt, nil
}

func (h *handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.loadOwned(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handler) appointmentHistory(w http.ResponseWriter, r *http.Request) {
	appt, err := h.loadOwned(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	collapse := r.URL.Query().Get("collapse") == "true"
	entries, err := h.appointments.History(r.Context(), appt.ID, collapse)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{AppointmentID: appt.ID, Entries: entries})
}

func (h *handler) transitionAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body TransitionRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		h.handleError(w, r, err)
		return
	}

	appt, err := h.appointments.Transition(r.Context(), id, body.Status, actorFrom(r), body.Notes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handler) requestCancellation(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body CancellationRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		h.handleError(w, r, err)
		return
	}

	appt, err := h.cancellations.Request(r.Context(), cancellation.RequestInput{
		AppointmentID: id,
		Reason:        body.Reason,
		RefundMethod:  body.RefundMethod,
		Bank:          body.Bank,
		Actor:         actorFrom(r),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handler) approveCancellation(w http.ResponseWriter, r *http.Request) {
	h.staffCancellationStep(w, r, h.cancellations.Approve)
}

func (h *handler) processRefund(w http.ResponseWriter, r *http.Request) {
	h.staffCancellationStep(w, r, h.cancellations.ProcessRefund)
}

type cancellationStep func(ctx context.Context, id uuid.UUID, actor appointment.Actor, notes string) (*appointment.Appointment, error)

func (h *handler) staffCancellationStep(w http.ResponseWriter, r *http.Request, step cancellationStep) {
	id, err := urlUUID(r, "id")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body NotesRequest
	if err := decodeJSON(w, r, &body, true); err != nil {
		h.handleError(w, r, err)
		return
	}

	appt, err := step(r.Context(), id, actorFrom(r), body.Notes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}
