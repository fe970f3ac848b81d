package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
	"github.com/iliyamo/ticket-booking/internal/service"
)

// BookingCoordinator is the part of the booking service used over HTTP.
type BookingCoordinator interface {
	CreateBooking(ctx context.Context, in service.CreateBookingInput) (model.Reservation, error)
	GetBooking(ctx context.Context, bookingID string) (model.Reservation, error)
}

// BookingHandler exposes booking creation and lookup to customers. All
// methods assume JWT authentication and role validation has already been
// performed by middleware.
type BookingHandler struct {
	Bookings BookingCoordinator
}

// NewBookingHandler constructs a BookingHandler and panics on a nil
// coordinator.
func NewBookingHandler(bookings BookingCoordinator) *BookingHandler {
	if bookings == nil {
		panic("nil coordinator passed to NewBookingHandler")
	}
	return &BookingHandler{Bookings: bookings}
}

// maxTTLSeconds is the largest ttl_seconds that converts to a
// time.Duration without overflowing. The coordinator applies the
// configured upper bound.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

type createBookingRequest struct {
	EventID    string `json:"event_id"`
	SeatType   string `json:"seat_type"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// CreateBooking handles POST /v1/bookings. It reserves seats and returns
// 201 with the PENDING reservation and its expiry. A pool that cannot
// cover the quantity yields 409; storage failures yield 503 and are safe
// to retry because no partial reservation survives them.
func (h *BookingHandler) CreateBooking(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unauthorized")
	}
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	seatType, ok := model.ParseSeatType(body.SeatType)
	if !ok {
		return respondError(c, http.StatusBadRequest, "seat_type must be one of VIP, REGULAR, ECONOMY")
	}
	if body.TTLSeconds < 0 || int64(body.TTLSeconds) > maxTTLSeconds {
		return respondError(c, http.StatusBadRequest, "ttl_seconds out of range")
	}
	res, err := h.Bookings.CreateBooking(c.Request().Context(), service.CreateBookingInput{
		UserID:   userID,
		EventID:  strings.TrimSpace(body.EventID),
		SeatType: seatType,
		Quantity: body.Quantity,
		TTL:      time.Duration(body.TTLSeconds) * time.Second,
	})
	if err != nil {
		return bookingError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"item": res})
}

// GetBooking handles GET /v1/bookings/:id. Bookings of other users are
// reported as not found.
func (h *BookingHandler) GetBooking(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return respondError(c, http.StatusUnauthorized, "unauthorized")
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return respondError(c, http.StatusBadRequest, "invalid booking id")
	}
	res, err := h.Bookings.GetBooking(c.Request().Context(), id)
	if err != nil {
		return bookingError(c, err)
	}
	if res.UserID != userID {
		return respondError(c, http.StatusNotFound, "booking not found")
	}
	return c.JSON(http.StatusOK, echo.Map{"item": res})
}

func bookingError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrPoolNotFound):
		return respondError(c, http.StatusNotFound, "seat pool not found")
	case errors.Is(err, repository.ErrReservationNotFound):
		return respondError(c, http.StatusNotFound, "booking not found")
	case errors.Is(err, repository.ErrInsufficientInventory):
		return respondError(c, http.StatusConflict, "insufficient inventory")
	case errors.Is(err, repository.ErrDuplicateBooking):
		return respondError(c, http.StatusConflict, "duplicate booking")
	}
	c.Logger().Errorf("booking request failed: %v", err)
	c.Response().Header().Set("Retry-After", "1")
	return respondError(c, http.StatusServiceUnavailable, "booking temporarily unavailable, retry")
}
