package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-booking/internal/config"
)

// gcraScript is a generic cell rate limiter. The key holds the theoretical
// arrival time (ms) of the next request; a request is admitted while that
// time is no more than burst emission intervals ahead of now. Denied
// requests leave the key untouched. It returns {allowed, remaining,
// retry_after_ms}.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local retain = tonumber(ARGV[4])

local tat = tonumber(redis.call('GET', key))
if tat == nil or tat < now then
  tat = now
end

local tolerance = emission * burst
local next_tat = tat + emission
local allow_at = next_tat - tolerance
if now < allow_at then
  return {0, 0, allow_at - now}
end

redis.call('SET', key, next_tat, 'PX', math.max(next_tat - now, retain))
return {1, math.floor((tolerance - (next_tat - now)) / emission), 0}
`)

// peekLimit bounds how much of a booking body is read to find its event.
const peekLimit = 64 << 10

// NewBookingRateLimit throttles booking traffic in Redis. By default each
// user gets Capacity requests per event as a burst, refilled at
// RefillTokens per RefillInterval, so hammering one sold-out event does
// not eat the user's allowance for others. Requests pass through when the
// limiter is disabled, rdb is nil or Redis errors.
func NewBookingRateLimit(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	emission := emissionInterval(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			args := []interface{}{time.Now().UnixMilli(), emission, cfg.Capacity, cfg.TTL.Milliseconds()}
			vals, err := gcraScript.Run(c.Request().Context(), rdb, []string{key}, args...).Int64Slice()
			if err != nil || len(vals) != 3 {
				if cfg.Debug {
					c.Logger().Warnf("[ratelimit] redis error for key=%s: %v", key, err)
				}
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(vals[1], 10))
			if vals[0] == 1 {
				return next(c)
			}
			secs := int(math.Ceil(float64(vals[2]) / 1000.0))
			h.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				c.Logger().Infof("[ratelimit] block key=%s retry=%dms", key, vals[2])
			}
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":       "too_many_requests",
				"message":     "booking rate limit exceeded",
				"retry_after": secs,
			})
		}
	}
}

// emissionInterval is the spacing in ms between admitted requests at the
// sustained rate.
func emissionInterval(cfg config.RateLimitConfig) int64 {
	tokens := int64(cfg.RefillTokens)
	if tokens < 1 {
		tokens = 1
	}
	ms := cfg.RefillInterval.Milliseconds() / tokens
	if ms < 1 {
		ms = 1
	}
	return ms
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", clientIP(c))
	case "user":
		parts = append(parts, "user", currentUserID(c))
	case "event":
		parts = append(parts, "event", bookingEventID(c))
	case "ip_user":
		parts = append(parts, "ip", clientIP(c), "user", currentUserID(c))
	default: // "user_event"
		parts = append(parts, "user", currentUserID(c), "event", bookingEventID(c))
	}
	return strings.Join(parts, ":")
}

func clientIP(c echo.Context) string {
	if ip := c.RealIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// bookingEventID finds the event a request targets: the eventId route
// parameter, or the event_id field of a JSON body. The body is restored
// for the handler. It returns "-" when neither is present.
func bookingEventID(c echo.Context) string {
	if id := strings.TrimSpace(c.Param("eventId")); id != "" {
		return id
	}
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody ||
		!strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return "-"
	}
	peeked, err := io.ReadAll(io.LimitReader(req.Body, peekLimit))
	req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(peeked), req.Body), Closer: req.Body}
	if err != nil {
		return "-"
	}
	var body struct {
		EventID string `json:"event_id"`
	}
	if json.Unmarshal(peeked, &body) != nil {
		return "-"
	}
	if id := strings.TrimSpace(body.EventID); id != "" {
		return id
	}
	return "-"
}

type readCloser struct {
	io.Reader
	io.Closer
}
