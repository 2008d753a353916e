package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hackgods/service-center-booking/internal/appointment"
	"github.com/hackgods/service-center-booking/internal/booking"
	"github.com/hackgods/service-center-booking/internal/cancellation"
	"github.com/hackgods/service-center-booking/internal/slot"
)

type SlotService interface {
	List(ctx context.Context, from, to time.Time) ([]slot.Slot, error)
	Get(ctx context.Context, id uuid.UUID) (*slot.Slot, error)
	Reserve(ctx context.Context, slotID uuid.UUID) (*slot.Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
	Reservation(ctx context.Context, token uuid.UUID) (*slot.Reservation, error)
}

type AppointmentService interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, to appointment.Status, actor appointment.Actor, notes string) (*appointment.Appointment, error)
	History(ctx context.Context, id uuid.UUID, collapse bool) ([]appointment.HistoryEntry, error)
}

type BookingService interface {
	Start(ctx context.Context, req booking.StartRequest) (*booking.StartResult, error)
	Complete(ctx context.Context, req booking.CompleteRequest) (*booking.CompleteResult, error)
	Abandon(ctx context.Context, correlationID uuid.UUID) error
	Status(ctx context.Context, correlationID uuid.UUID) (*booking.PendingBooking, error)
}

type CancellationService interface {
	Request(ctx context.Context, in cancellation.RequestInput) (*appointment.Appointment, error)
	Approve(ctx context.Context, id uuid.UUID, actor appointment.Actor, notes string) (*appointment.Appointment, error)
	ProcessRefund(ctx context.Context, id uuid.UUID, actor appointment.Actor, notes string) (*appointment.Appointment, error)
}

var (
	_ SlotService         = (*slot.Ledger)(nil)
	_ AppointmentService  = (*appointment.Service)(nil)
	_ BookingService      = (*booking.Saga)(nil)
	_ CancellationService = (*cancellation.Workflow)(nil)
)

type RouterConfig struct {
	Slots         SlotService
	Appointments  AppointmentService
	Bookings      BookingService
	Cancellations CancellationService
	Postgres      Pinger
	Redis         Pinger
	Logger        *zap.Logger
	JWTSecret     []byte
	RateLimitRPS  float64
	RateBurst     int
	CORSOrigins   []string
	Env           string
	Version       string

	// MaxVerifyTimeout caps timeout_seconds on booking completion. Defaults to 30s.
	MaxVerifyTimeout time.Duration
}

type handler struct {
	slots         SlotService
	appointments  AppointmentService
	bookings      BookingService
	cancellations CancellationService
	logger        *zap.Logger
	maxVerify     time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &handler{
		slots:         cfg.Slots,
		appointments:  cfg.Appointments,
		bookings:      cfg.Bookings,
		cancellations: cfg.Cancellations,
		logger:        cfg.Logger,
		maxVerify:     cfg.MaxVerifyTimeout,
	}
	if h.maxVerify <= 0 {
		h.maxVerify = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(NewRateLimiter(cfg.RateLimitRPS, cfg.RateBurst).Limit)
		}
		r.Use(Authenticate(cfg.JWTSecret))

		r.Get("/slots", h.listSlots)
		r.Post("/slots/{id}/reservations", h.reserveSlot)
		r.Get("/reservations/{token}", h.getReservation)
		r.Delete("/reservations/{token}", h.releaseReservation)

		r.Post("/bookings", h.startBooking)
		r.Get("/bookings/{cid}", h.bookingStatus)
		r.Post("/bookings/{cid}/complete", h.completeBooking)
		r.Post("/bookings/{cid}/abandon", h.abandonBooking)

		r.Get("/appointments", h.listAppointments)
		r.Get("/appointments/{id}", h.getAppointment)
		r.Get("/appointments/{id}/history", h.appointmentHistory)
		r.Post("/appointments/{id}/transitions", h.transitionAppointment)
		r.Post("/appointments/{id}/cancellation", h.requestCancellation)
		r.Post("/appointments/{id}/cancellation/approve", h.approveCancellation)
		r.Post("/appointments/{id}/cancellation/refund", h.processRefund)
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}).Handler(r)
}
