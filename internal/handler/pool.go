package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

// PoolLedger is the part of the inventory ledger used to publish and
// inspect seat pools.
type PoolLedger interface {
	CreatePool(ctx context.Context, eventID string, seatType model.SeatType, capacity int) (model.SeatPool, error)
	GetPool(ctx context.Context, eventID string, seatType model.SeatType) (model.SeatPool, error)
}

// PoolHandler serves seat pool publication for organizers and
// availability lookups for everyone.
type PoolHandler struct {
	Pools PoolLedger
}

// NewPoolHandler constructs a PoolHandler and panics on a nil ledger.
func NewPoolHandler(pools PoolLedger) *PoolHandler {
	if pools == nil {
		panic("nil ledger passed to NewPoolHandler")
	}
	return &PoolHandler{Pools: pools}
}

// CreatePool handles POST /v1/events/:eventId/pools. The body carries
// seat_type and capacity; the new pool starts fully available. Returns
// 409 when the pool already exists.
func (h *PoolHandler) CreatePool(c echo.Context) error {
	eventID := strings.TrimSpace(c.Param("eventId"))
	if eventID == "" {
		return respondError(c, http.StatusBadRequest, "invalid event id")
	}
	var body struct {
		SeatType string `json:"seat_type"`
		Capacity int    `json:"capacity"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, http.StatusBadRequest, "invalid request body")
	}
	seatType, ok := model.ParseSeatType(body.SeatType)
	if !ok {
		return respondError(c, http.StatusBadRequest, "seat_type must be one of VIP, REGULAR, ECONOMY")
	}
	if body.Capacity <= 0 {
		return respondError(c, http.StatusBadRequest, "capacity must be positive")
	}
	pool, err := h.Pools.CreatePool(c.Request().Context(), eventID, seatType, body.Capacity)
	if err != nil {
		if errors.Is(err, repository.ErrPoolExists) {
			return respondError(c, http.StatusConflict, "seat pool already exists")
		}
		c.Logger().Errorf("create pool failed: %v", err)
		return respondError(c, http.StatusInternalServerError, "failed to create seat pool")
	}
	return c.JSON(http.StatusCreated, echo.Map{"item": pool})
}

// GetPool handles GET /v1/events/:eventId/pools/:seatType and reports the
// pool's current counters.
func (h *PoolHandler) GetPool(c echo.Context) error {
	eventID := strings.TrimSpace(c.Param("eventId"))
	seatType, ok := model.ParseSeatType(c.Param("seatType"))
	if eventID == "" || !ok {
		return respondError(c, http.StatusBadRequest, "invalid event id or seat type")
	}
	pool, err := h.Pools.GetPool(c.Request().Context(), eventID, seatType)
	if err != nil {
		if errors.Is(err, repository.ErrPoolNotFound) {
			return respondError(c, http.StatusNotFound, "seat pool not found")
		}
		c.Logger().Errorf("get pool failed: %v", err)
		return respondError(c, http.StatusInternalServerError, "failed to load seat pool")
	}
	return c.JSON(http.StatusOK, echo.Map{"item": pool})
}
