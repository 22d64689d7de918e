package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit int64 = 1 << 20

var limitUnits = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// BodyLimit caps request bodies at a human-readable size ("64K", "1M"; a
// bare number is bytes). Declared oversize bodies are refused up front;
// bodies without a trustworthy Content-Length are cut off while the handler
// reads them, and the resulting read error becomes a 413.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return payloadTooLarge(max)
			}
			req.Body = http.MaxBytesReader(c.Response().Writer, req.Body, max)

			err := next(c)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return payloadTooLarge(tooLarge.Limit)
			}
			return err
		}
	}
}

func payloadTooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

// parseLimit falls back to 1 MB for empty or unparseable input.
func parseLimit(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")

	var shift uint
	for _, u := range limitUnits {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, shift = rest, u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n << shift
}
