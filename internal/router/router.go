// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-booking/internal/config"
	"github.com/iliyamo/ticket-booking/internal/handler"
	"github.com/iliyamo/ticket-booking/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication:
// liveness at /healthz and readiness at /readyz.
func RegisterRoutes(e *echo.Echo, deps map[string]handler.Pinger) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(deps))
}

// RegisterBooking mounts the customer booking endpoints under /v1. Every
// request must carry a valid access token with the CUSTOMER role; reads
// and writes share the per-user, per-event rate limit.
func RegisterBooking(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, rdb *redis.Client, rl config.RateLimitConfig) {
	g := e.Group("/v1/bookings")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(middleware.RoleCustomer))
	g.Use(middleware.NewBookingRateLimit(rl, rdb))

	g.POST("", h.CreateBooking)
	g.GET("/:id", h.GetBooking)
}

// RegisterPools mounts seat pool endpoints. Publishing a pool is limited
// to organizers; the availability lookup is public and served through
// the short-lived response cache.
func RegisterPools(e *echo.Echo, h *handler.PoolHandler, jwtSecret string, rdb *redis.Client, cc config.CacheConfig) {
	e.GET("/v1/events/:eventId/pools/:seatType", h.GetPool, middleware.NewRedisCache(cc, rdb))

	e.POST("/v1/events/:eventId/pools", h.CreatePool,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleOrganizer),
	)
}
