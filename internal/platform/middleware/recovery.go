package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a handler panic into a 500 and logs it with the request's
// identity and stack. http.ErrAbortHandler is re-raised so net/http can drop
// the connection.
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

				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Bool("committed", c.Response().Committed)
				if uid, ok := c.Get("user_id").(string); ok && uid != "" {
					evt = evt.Str("user_id", uid)
				}
				if perr, ok := r.(error); ok {
					evt = evt.Err(perr)
				} else {
					evt = evt.Str("panic", fmt.Sprint(r))
				}
				evt.Bytes("stack", debug.Stack()).Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
