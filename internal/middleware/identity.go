package middleware

// identity.go holds helpers shared across middleware files.

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// currentUserID returns the subject stored by JWTAuth as a string, or
// "anon" for unauthenticated requests.
func currentUserID(c echo.Context) string {
	switch v := c.Get("user_id").(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return "anon"
}
