package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func runMiddleware(t *testing.T, header string, handler echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := Middleware(MiddlewareConfig{Now: func() time.Time { return fixedNow }})
	return mw(handler)(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestMiddleware_Rejects(t *testing.T) {
	expired := createTestToken(t, jwt.MapClaims{"userId": "P-1", "exp": fixedNow.Add(-time.Second).Unix()})
	noID := createTestToken(t, jwt.MapClaims{"role": "patient"})

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"no bearer prefix", "Token abc123"},
		{"empty bearer", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired", "Bearer " + expired},
		{"no user id", "Bearer " + noID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			err := runMiddleware(t, tt.header, func(c echo.Context) error {
				called = true
				return nil
			})
			expectStatus(t, err, http.StatusUnauthorized)
			if called {
				t.Error("handler should not run")
			}
		})
	}
}

func TestMiddleware_SetsSession(t *testing.T) {
	tok := createTestToken(t, jwt.MapClaims{
		"userId": "P-55",
		"role":   "ROLE_PATIENT",
		"exp":    fixedNow.Add(time.Hour).Unix(),
	})

	var got *Session
	err := runMiddleware(t, "Bearer "+tok, func(c echo.Context) error {
		got = FromContext(c.Request().Context())
		if c.Get("user_id") != "P-55" {
			t.Errorf("expected user_id on echo context, got %v", c.Get("user_id"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.UserID != "P-55" || got.Role != RolePatient || got.Token != tok {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestMiddleware_Skipper(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := Middleware(MiddlewareConfig{Skipper: func(c echo.Context) bool {
		return c.Request().URL.Path == "/health"
	}})
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("expected skipped request to pass, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		session *Session
		code    int
	}{
		{"no session", nil, http.StatusUnauthorized},
		{"patient", &Session{UserID: "1", Role: RolePatient}, http.StatusOK},
		{"admin", &Session{UserID: "1", Role: RoleAdmin}, http.StatusOK},
		{"doctor", &Session{UserID: "1", Role: RoleDoctor}, http.StatusForbidden},
		{"no role", &Session{UserID: "1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.session != nil {
				req = req.WithContext(WithSession(req.Context(), tt.session))
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RolePatient)(okHandler)(c)
			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectStatus(t, err, tt.code)
		})
	}
}
