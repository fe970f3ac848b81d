package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is a liveness endpoint for load balancers. It returns "ok" with
// 200 as long as the process serves HTTP.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Pinger is implemented by *sql.DB and wrapped Redis clients.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Ready returns a readiness endpoint that pings every named dependency
// and answers 503 listing the ones that failed.
func Ready(deps map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		failed := map[string]string{}
		for name, p := range deps {
			if err := p.PingContext(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "failed": failed})
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	}
}
