package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/locker"
	"github.com/ehr/portal/internal/session"
)

const handlerFormJSON = `{"name":"Jane","age":"34","phone":"5551234567","email":"jane@example.com",
	"specialty":"Cardiology","doctor":"Dr. Who","doctorId":"DOC-1","date":"2025-03-10","time":"10:00",
	"reason":"checkup"}`

type handlerFixture struct {
	e        *echo.Echo
	doer     *fakeDoer
	attempts *InMemoryAttemptLog
	locker   *locker.MemoryLocker
}

func newHandlerFixture(t *testing.T, responses ...scriptedResponse) *handlerFixture {
	t.Helper()
	doer := &fakeDoer{responses: responses}
	attempts := NewInMemoryAttemptLog()
	lk := locker.NewMemoryLocker()

	sub := NewSubmitter("http://appointments.test", session.ContextProvider{},
		WithHTTPClient(doer),
		WithSleeper((&fakeSleeper{}).sleep),
		WithLocation(time.UTC),
		WithAttemptLog(attempts),
	)
	h := NewHandler(sub, attempts, lk, zerolog.Nop())

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if uid := c.Request().Header.Get("X-Test-User"); uid != "" {
				role := c.Request().Header.Get("X-Test-Role")
				s := &session.Session{UserID: uid, Role: role, Token: "tok"}
				c.SetRequest(c.Request().WithContext(session.WithSession(c.Request().Context(), s)))
			}
			return next(c)
		}
	})
	h.RegisterRoutes(api)
	return &handlerFixture{e: e, doer: doer, attempts: attempts, locker: lk}
}

func (f *handlerFixture) do(method, path, body, userID, role string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
		req.Header.Set("X-Test-Role", role)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return er
}

func TestHandler_CreateBooked(t *testing.T) {
	f := newHandlerFixture(t, scriptedResponse{status: http.StatusCreated, body: `{"id":"APT-1"}`})

	rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "PAT-9", session.RolePatient)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var booked Booked
	if err := json.Unmarshal(rec.Body.Bytes(), &booked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if booked.AppointmentID != "APT-1" || booked.AppointmentDateTime != "2025-03-10T10:00:00.000Z" {
		t.Errorf("unexpected confirmation %+v", booked)
	}

	var sent AppointmentPayload
	if err := json.Unmarshal(f.doer.bodies[0], &sent); err != nil {
		t.Fatalf("decode upstream body: %v", err)
	}
	if sent.PatientID != "PAT-9" {
		t.Errorf("expected patient from session, got %q", sent.PatientID)
	}
	if got := f.doer.requests[0].Header.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("expected forwarded token, got %q", got)
	}

	// The lock is released once the request completes.
	if ok, _, _ := f.locker.TryLock(context.Background(), "booking:inflight:PAT-9", time.Minute); !ok {
		t.Error("expected in-flight lock to be released")
	}
}

func TestHandler_CreateErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		response  scriptedResponse
		body      string
		wantCode  int
		wantError string
		wantCalls int
	}{
		{"conflict", scriptedResponse{status: 409, body: `{"message":"Slot already booked"}`}, handlerFormJSON, http.StatusConflict, "slot_conflict", 1},
		{"client error keeps status", scriptedResponse{status: 403, body: `{}`}, handlerFormJSON, http.StatusForbidden, "client_error", 1},
		{"server error", scriptedResponse{status: 503}, handlerFormJSON, http.StatusBadGateway, "server_error", 3},
		{"network error", scriptedResponse{err: errors.New("dial tcp: connection refused")}, handlerFormJSON, http.StatusGatewayTimeout, "network_error", 3},
		{"validation", scriptedResponse{status: 201}, `{"name":"Jane"}`, http.StatusUnprocessableEntity, "validation_error", 0},
		{"malformed body", scriptedResponse{status: 201}, `{"name":`, http.StatusUnprocessableEntity, "validation_error", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, tt.response)
			rec := f.do(http.MethodPost, "/api/v1/appointments", tt.body, "PAT-9", session.RolePatient)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			er := decodeErrorResponse(t, rec)
			if er.Error != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, er.Error)
			}
			if er.Message == "" {
				t.Error("expected a user-facing message")
			}
			if f.doer.calls() != tt.wantCalls {
				t.Errorf("expected %d upstream calls, got %d", tt.wantCalls, f.doer.calls())
			}
		})
	}
}

func TestHandler_CreateConflictUsesServerMessage(t *testing.T) {
	f := newHandlerFixture(t, scriptedResponse{status: 409, body: `{"message":"Slot already booked"}`})
	rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "PAT-9", session.RolePatient)
	if er := decodeErrorResponse(t, rec); er.Message != "Slot already booked" {
		t.Errorf("expected server message, got %q", er.Message)
	}
}

func TestHandler_CreateRejectsWhileInFlight(t *testing.T) {
	f := newHandlerFixture(t, scriptedResponse{status: http.StatusCreated})
	ok, _, _ := f.locker.TryLock(context.Background(), "booking:inflight:PAT-9", time.Minute)
	if !ok {
		t.Fatal("failed to pre-acquire lock")
	}

	rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "PAT-9", session.RolePatient)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if er := decodeErrorResponse(t, rec); er.Error != ErrInFlight {
		t.Errorf("expected %s, got %q", ErrInFlight, er.Error)
	}
	if f.doer.calls() != 0 {
		t.Errorf("expected no upstream call, got %d", f.doer.calls())
	}

	// Another patient is unaffected.
	rec = f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "PAT-10", session.RolePatient)
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 for another patient, got %d", rec.Code)
	}
}

func TestHandler_RequiresPatientRole(t *testing.T) {
	f := newHandlerFixture(t, scriptedResponse{status: http.StatusCreated})

	if rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without session, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "DOC-1", session.RoleDoctor); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for doctor, got %d", rec.Code)
	}
	if f.doer.calls() != 0 {
		t.Errorf("expected no upstream call, got %d", f.doer.calls())
	}
}

func TestHandler_ListAttempts(t *testing.T) {
	f := newHandlerFixture(t, scriptedResponse{status: 500}, scriptedResponse{status: 201, body: `{"id":"APT-2"}`})

	if rec := f.do(http.MethodPost, "/api/v1/appointments", handlerFormJSON, "PAT-9", session.RolePatient); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec := f.do(http.MethodGet, "/api/v1/appointments/attempts?limit=1", "", "PAT-9", session.RolePatient)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []DeliveryAttempt `json:"data"`
		Total   int               `json:"total"`
		Limit   int               `json:"limit"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || page.Limit != 1 || !page.HasMore || len(page.Data) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Data[0].Outcome != OutcomeSuccess || page.Data[0].Attempt != 2 {
		t.Errorf("expected newest attempt first, got %+v", page.Data[0])
	}

	// Other patients see nothing.
	rec = f.do(http.MethodGet, "/api/v1/appointments/attempts", "", "PAT-10", session.RolePatient)
	if !strings.Contains(rec.Body.String(), `"data":[]`) || !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Errorf("expected empty page, got %s", rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *BookingError
		want int
	}{
		{&BookingError{Kind: KindValidation}, http.StatusUnprocessableEntity},
		{&BookingError{Kind: KindSlotConflict, StatusCode: 409}, http.StatusConflict},
		{&BookingError{Kind: KindClientError, StatusCode: 404}, http.StatusNotFound},
		{&BookingError{Kind: KindClientError}, http.StatusBadRequest},
		{&BookingError{Kind: KindServerError, StatusCode: 500}, http.StatusBadGateway},
		{&BookingError{Kind: KindNetworkError}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%s/%d) = %d, want %d", tt.err.Kind, tt.err.StatusCode, got, tt.want)
		}
	}
}

// ttlRecordingLocker records the TTL each lock is requested with.
type ttlRecordingLocker struct {
	*locker.MemoryLocker
	ttls []time.Duration
}

func (l *ttlRecordingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	l.ttls = append(l.ttls, ttl)
	return l.MemoryLocker.TryLock(ctx, key, ttl)
}

func TestCreate_LockOutlivesRetryBudget(t *testing.T) {
	doer := &fakeDoer{responses: []scriptedResponse{{status: http.StatusCreated, body: `{"id":"APT-1"}`}}}
	sub := NewSubmitter("http://appointments.test", session.ContextProvider{},
		WithHTTPClient(doer),
		WithSleeper((&fakeSleeper{}).sleep),
		WithLocation(time.UTC),
		WithMaxAttempts(5),
		WithRequestTimeout(30*time.Second),
		WithBackoffStep(2*time.Second),
	)
	lk := &ttlRecordingLocker{MemoryLocker: locker.NewMemoryLocker()}
	h := NewHandler(sub, nil, lk, zerolog.Nop())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(handlerFormJSON))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(session.WithSession(req.Context(), &session.Session{UserID: "PAT-9", Role: session.RolePatient}))
	rec := httptest.NewRecorder()

	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(lk.ttls) != 1 {
		t.Fatalf("expected one lock request, got %d", len(lk.ttls))
	}
	if budget := sub.MaxDeliveryTime(); lk.ttls[0] <= budget {
		t.Errorf("lock TTL %s does not outlive delivery budget %s", lk.ttls[0], budget)
	}
}

func TestLockTTLFor_DefaultIsFloor(t *testing.T) {
	sub := NewSubmitter("http://appointments.test", nil, WithMaxAttempts(1), WithRequestTimeout(time.Second))
	if got := lockTTLFor(sub); got != DefaultLockTTL {
		t.Errorf("expected %s for a small budget, got %s", DefaultLockTTL, got)
	}
	if got := lockTTLFor(nil); got != DefaultLockTTL {
		t.Errorf("expected %s without a submitter, got %s", DefaultLockTTL, got)
	}
}
