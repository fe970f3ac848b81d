package handler // handler defines http handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// respondError writes an ErrorResponse with the given status and message.
func respondError(c echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{
		StatusCode: status,
		Message:    message,
		Error:      http.StatusText(status),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       c.Request().URL.Path,
	})
}

// getUserID extracts the user_id placed in the context by JWTAuth. Token
// subjects may be encoded as strings or numbers.
func getUserID(c echo.Context) (string, error) {
	switch t := c.Get("user_id").(type) {
	case string:
		if t != "" {
			return t, nil
		}
	case float64:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	}
	return "", errors.New("invalid user_id in context")
}
