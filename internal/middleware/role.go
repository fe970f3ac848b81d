package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the booking API.
const (
	RoleCustomer  = "CUSTOMER"
	RoleOrganizer = "ORGANIZER"
)

// RequireRole returns a middleware that lets a request through when the
// authenticated user holds at least one of roles. It reads the "role"
// string and the "roles" list stored by JWTAuth and aborts with 403
// Forbidden otherwise.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, r := range userRoles(c) {
				if allowed[r] {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
		}
	}
}

func userRoles(c echo.Context) []string {
	var out []string
	if r, ok := c.Get("role").(string); ok && r != "" {
		out = append(out, r)
	}
	switch list := c.Get("roles").(type) {
	case []string:
		out = append(out, list...)
	case []interface{}:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
