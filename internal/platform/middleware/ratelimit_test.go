package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func doRequest(e *echo.Echo, h echo.HandlerFunc, userID string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
	}
	return rec, h(c)
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := doRequest(e, handler, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := doRequest(e, handler, ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := doRequest(e, handler, "")
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}

	retryVal, parseErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if parseErr != nil {
		t.Fatalf("Retry-After header is not a valid integer: %q", rec.Header().Get("Retry-After"))
	}
	if retryVal < 1 {
		t.Errorf("expected Retry-After >= 1, got %d", retryVal)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining '0', got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := doRequest(e, handler, "P-1"); err != nil {
		t.Fatalf("P-1 first request: expected no error, got %v", err)
	}
	if _, err := doRequest(e, handler, "P-1"); err == nil {
		t.Fatal("P-1 second request: expected rate limit error")
	}
	if _, err := doRequest(e, handler, "P-2"); err != nil {
		t.Fatalf("P-2 first request: expected no error, got %v", err)
	}
	// Anonymous requests are keyed by IP, separate from user buckets.
	if _, err := doRequest(e, handler, ""); err != nil {
		t.Fatalf("anonymous request: expected no error, got %v", err)
	}
}

func TestRateLimit_ZeroRate(t *testing.T) {
	e := echo.New()
	handler := rateLimitedHandler(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})

	if _, err := doRequest(e, handler, ""); err != nil {
		t.Fatalf("first request: expected no error, got %v", err)
	}
	rec, err := doRequest(e, handler, "")
	if err == nil {
		t.Fatal("expected rate limit error with zero refill rate")
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 20 {
		t.Errorf("expected RequestsPerSecond 20, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 40 {
		t.Errorf("expected BurstSize 40, got %d", cfg.BurstSize)
	}
}

func TestLimiterStore_ReusesAndEvicts(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5, IdleTTL: time.Minute})
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	l1 := store.get("key1")
	if l2 := store.get("key1"); l1 != l2 {
		t.Error("expected same limiter for same key")
	}
	if l3 := store.get("key2"); l1 == l3 {
		t.Error("expected different limiter for different key")
	}

	now = now.Add(2 * time.Minute)
	store.get("key3")
	if _, ok := store.clients["key1"]; ok {
		t.Error("expected idle key1 to be evicted")
	}
	if _, ok := store.clients["key3"]; !ok {
		t.Error("expected key3 to be present")
	}
}
