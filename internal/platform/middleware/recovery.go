package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eclinic/qrid/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs it with the request
// id, caller and stack. http.ErrAbortHandler is re-raised so net/http can
// abort the connection quietly.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				rid, _ := c.Get("request_id").(string)
				req := c.Request()
				logger.Error().
					Err(perr).
					Str("request_id", rid).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(perr)
			}()
			return next(c)
		}
	}
}

