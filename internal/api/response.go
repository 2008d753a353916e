package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	redisclient "github.com/hackgods/service-center-booking/internal/redis"
	"github.com/hackgods/service-center-booking/internal/slot"
)

// Action tells the client what to do about an error.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionChangeInput    Action = "change_input"
	ActionContactSupport Action = "contact_support"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string, action Action) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details, Action: action})
}

// decodeJSON rejects unknown fields so a client cannot smuggle amounts or
// statuses the server computes itself.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", appointment.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must hold a single JSON object", appointment.ErrValidation)
	}
	return nil
}

type errorMapping struct {
	target error
	status int
	code   string
	action Action
}

var errorMappings = []errorMapping{
	{appointment.ErrValidation, http.StatusBadRequest, "validation_failed", ActionChangeInput},
	{appointment.ErrForbidden, http.StatusForbidden, "forbidden", ActionContactSupport},
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found", ActionChangeInput},
	{appointment.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition", ActionChangeInput},
	{appointment.ErrReservationNotHeld, http.StatusConflict, "reservation_not_held", ActionChangeInput},
	{appointment.ErrDuplicateTransaction, http.StatusConflict, "duplicate_transaction", ActionContactSupport},
	{slot.ErrSlotNotFound, http.StatusNotFound, "slot_not_found", ActionChangeInput},
	{slot.ErrSlotUnavailable, http.StatusConflict, "slot_unavailable", ActionChangeInput},
	{slot.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found", ActionChangeInput},
	{booking.ErrPendingBookingNotFound, http.StatusNotFound, "pending_booking_not_found", ActionChangeInput},
	{booking.ErrTransactionMismatch, http.StatusConflict, "transaction_mismatch", ActionChangeInput},
	{booking.ErrPaymentCreationFailed, http.StatusBadGateway, "payment_creation_failed", ActionRetry},
	{booking.ErrPaymentVerificationTimeout, http.StatusGatewayTimeout, "payment_verification_timeout", ActionContactSupport},
	{booking.ErrPaymentVerificationFailed, http.StatusPaymentRequired, "payment_verification_failed", ActionRetry},
	{booking.ErrCompletionInProgress, http.StatusConflict, "completion_in_progress", ActionRetry},
	{booking.ErrAppointmentCreationFailed, http.StatusInternalServerError, "appointment_creation_failed", ActionContactSupport},
	{booking.ErrBookingCompensated, http.StatusConflict, "booking_compensated", ActionContactSupport},
	{redisclient.ErrLockNotAcquired, http.StatusConflict, "resource_busy", ActionRetry},
}

func (h *handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error(), m.action)
			return
		}
	}
	h.logger.Error("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error", ActionContactSupport)
}
