package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// MiddlewareConfig tunes Middleware.
type MiddlewareConfig struct {
	// Skipper bypasses the middleware for matching requests (health checks).
	Skipper func(c echo.Context) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Middleware requires a bearer token, decodes it into a Session and places
// the session on the request context for ContextProvider.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			s, err := FromToken(parts[1], now())
			if errors.Is(err, ErrTokenExpired) {
				return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
			}
			if err != nil || s.UserID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("user_id", s.UserID)
			c.SetRequest(c.Request().WithContext(WithSession(c.Request().Context(), s)))
			return next(c)
		}
	}
}

// RequireRole allows the request when the session's role is one of roles.
// Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := FromContext(c.Request().Context())
			if s == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "no active session")
			}
			for _, required := range roles {
				if s.Role == required || s.Role == RoleAdmin {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
