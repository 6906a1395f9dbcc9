package booking

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/locker"
	"github.com/ehr/portal/internal/session"
	"github.com/ehr/portal/pkg/pagination"
)

const (
	inflightKeyPrefix = "booking:inflight:"

	// DefaultLockTTL is the minimum lifetime of the in-flight lock. It grows
	// with the submitter's retry budget.
	DefaultLockTTL = 2 * time.Minute
	lockTTLMargin  = 15 * time.Second

	// ErrInFlight is the error code returned while another submission by the
	// same patient is still being delivered.
	ErrInFlight = "submission_in_progress"
)

// ErrorResponse is the body returned for failed bookings.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler serves the patient booking endpoints.
type Handler struct {
	submitter *Submitter
	attempts  AttemptLog
	locker    locker.Locker
	lockTTL   time.Duration
	logger    zerolog.Logger
}

// NewHandler serves bookings for the patient found on the request context.
// The submitter must be built with session.ContextProvider. A nil attempts
// log disables the attempts endpoint; a nil locker disables the in-flight guard.
func NewHandler(sub *Submitter, attempts AttemptLog, lk locker.Locker, logger zerolog.Logger) *Handler {
	return &Handler{
		submitter: sub,
		attempts:  attempts,
		locker:    lk,
		lockTTL:   lockTTLFor(sub),
		logger:    logger,
	}
}

// lockTTLFor keeps the in-flight lock alive for the submitter's worst-case
// delivery so a second submit cannot start while the first is still retrying.
func lockTTLFor(sub *Submitter) time.Duration {
	if sub == nil {
		return DefaultLockTTL
	}
	if ttl := sub.MaxDeliveryTime() + lockTTLMargin; ttl > DefaultLockTTL {
		return ttl
	}
	return DefaultLockTTL
}

// RegisterRoutes mounts the booking endpoints under /appointments for patients.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments", session.RequireRole(session.RolePatient))
	g.POST("", h.Create)
	g.GET("/attempts", h.ListAttempts)
}

// Create submits a booking for the session's patient while holding the in-flight lock.
func (h *Handler) Create(c echo.Context) error {
	ctx := c.Request().Context()
	s := session.FromContext(ctx)
	if s == nil || s.UserID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no active session")
	}

	var form BookingForm
	if err := c.Bind(&form); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   string(KindValidation),
			Message: "invalid booking form",
		})
	}

	if h.locker != nil {
		key := inflightKeyPrefix + s.UserID
		ok, value, err := h.locker.TryLock(ctx, key, h.lockTTL)
		if err != nil {
			h.logger.Error().Err(err).Str("patient_id", s.UserID).Msg("in-flight lock unavailable")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "booking temporarily unavailable")
		}
		if !ok {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   ErrInFlight,
				Message: "a booking is already being submitted",
			})
		}
		defer func() {
			if err := h.locker.Unlock(context.WithoutCancel(ctx), key, value); err != nil {
				h.logger.Warn().Err(err).Str("patient_id", s.UserID).Msg("in-flight lock release failed")
			}
		}()
	}

	booked, err := h.submitter.Submit(ctx, form)
	if err != nil {
		be, ok := AsBookingError(err)
		if !ok {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(StatusFor(be), ErrorResponse{Error: string(be.Kind), Message: be.UserMessage()})
	}
	return c.JSON(http.StatusCreated, booked)
}

// ListAttempts pages through the session patient's delivery attempts.
func (h *Handler) ListAttempts(c echo.Context) error {
	if h.attempts == nil {
		return echo.NewHTTPError(http.StatusNotFound, "attempt log is not enabled")
	}
	s := session.FromContext(c.Request().Context())
	if s == nil || s.UserID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no active session")
	}

	p := pagination.FromContext(c)
	items, total, err := h.attempts.ListByPatient(c.Request().Context(), s.UserID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*DeliveryAttempt{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

// StatusFor maps a booking failure onto the HTTP status returned to the browser.
func StatusFor(be *BookingError) int {
	switch be.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindSlotConflict:
		return http.StatusConflict
	case KindClientError:
		if be.StatusCode >= 400 && be.StatusCode < 500 {
			return be.StatusCode
		}
		return http.StatusBadRequest
	case KindServerError:
		return http.StatusBadGateway
	case KindNetworkError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
