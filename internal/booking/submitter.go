// Package booking submits patient appointment requests to the remote
// appointment service. Submissions are validated locally, delivered with a
// bounded linear-backoff retry for transient failures, and every failure is
// reported as a *BookingError from a closed set of kinds.
package booking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreatePath is the appointment service endpoint for new bookings.
const CreatePath = "/api/appointments/create"

const (
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 30 * time.Second
	DefaultBackoffStep    = 2 * time.Second

	maxResponseBody = 64 << 10
)

// SessionProvider yields the signed-in patient's ID, if any.
type SessionProvider interface {
	CurrentPatientID(ctx context.Context) (string, bool)
}

// TokenProvider is optionally implemented by a SessionProvider to forward the
// caller's bearer token to the appointment service.
type TokenProvider interface {
	BearerToken(ctx context.Context) string
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(c Doer) Option {
	return func(s *Submitter) { s.client = c }
}

// WithMaxAttempts sets the number of delivery attempts per submission.
func WithMaxAttempts(n int) Option {
	return func(s *Submitter) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRequestTimeout bounds each individual delivery attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithBackoffStep sets the linear backoff unit: attempt n waits n*step before retrying.
func WithBackoffStep(d time.Duration) Option {
	return func(s *Submitter) { s.backoffStep = d }
}

// WithSleeper replaces the backoff wait, e.g. with a fake clock in tests.
func WithSleeper(fn Sleeper) Option {
	return func(s *Submitter) { s.sleep = fn }
}

// WithLocation sets the zone in which form dates and times are interpreted.
func WithLocation(loc *time.Location) Option {
	return func(s *Submitter) { s.loc = loc }
}

// WithLogger sets the logger used for per-attempt delivery logs.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// WithAttemptLog records every delivery attempt.
func WithAttemptLog(l AttemptLog) Option {
	return func(s *Submitter) { s.attempts = l }
}

// Submitter turns a BookingForm into a single booking request against the
// appointment service. It holds no per-submission state and is safe for
// concurrent use.
type Submitter struct {
	endpoint       string
	client         Doer
	session        SessionProvider
	maxAttempts    int
	requestTimeout time.Duration
	backoffStep    time.Duration
	sleep          Sleeper
	loc            *time.Location
	logger         zerolog.Logger
	attempts       AttemptLog
	validate       *validator.Validate
	now            func() time.Time
}

// NewSubmitter creates a Submitter posting to baseURL+CreatePath on behalf of
// the patient reported by session.
func NewSubmitter(baseURL string, session SessionProvider, opts ...Option) *Submitter {
	s := &Submitter{
		endpoint:       strings.TrimRight(baseURL, "/") + CreatePath,
		client:         &http.Client{},
		session:        session,
		maxAttempts:    DefaultMaxAttempts,
		requestTimeout: DefaultRequestTimeout,
		backoffStep:    DefaultBackoffStep,
		sleep:          sleepContext,
		loc:            time.Local,
		logger:         zerolog.Nop(),
		validate:       newValidator(),
		now:            time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxDeliveryTime is the longest a single Submit can spend delivering: every
// attempt running to its timeout plus the backoff waits between them.
func (s *Submitter) MaxDeliveryTime() time.Duration {
	n := time.Duration(s.maxAttempts)
	return n*s.requestTimeout + s.backoffStep*n*(n-1)/2
}

// Endpoint returns the full URL bookings are posted to.
func (s *Submitter) Endpoint() string {
	return s.endpoint
}

// Submit validates form, resolves the signed-in patient, builds the payload and
// delivers it. On failure the error is always a *BookingError. Validation
// failures never reach the network.
func (s *Submitter) Submit(ctx context.Context, form BookingForm) (*Booked, error) {
	form = form.normalized()
	if err := validateForm(s.validate, form); err != nil {
		return nil, err
	}

	var patientID string
	var ok bool
	if s.session != nil {
		patientID, ok = s.session.CurrentPatientID(ctx)
	}
	if !ok || patientID == "" {
		return nil, validationError("no signed-in patient; please log in again")
	}

	payload, err := NewPayload(form, patientID, s.loc)
	if err != nil {
		return nil, err
	}

	delivery, err := s.DeliverWithRetry(ctx, payload, s.maxAttempts)
	if err != nil {
		return nil, err
	}

	return &Booked{
		AppointmentID:       appointmentIDFrom(delivery.Body),
		PatientName:         payload.PatientName,
		Doctor:              form.Doctor,
		Department:          payload.Department,
		Date:                form.Date,
		Time:                form.Time,
		AppointmentDateTime: payload.AppointmentDateTime,
		Attempts:            delivery.Attempts,
	}, nil
}

// Delivery describes a successful POST.
type Delivery struct {
	SubmissionID string
	StatusCode   int
	Attempts     int
	Body         []byte
}

// DeliverWithRetry POSTs payload up to maxAttempts times. 409 and other 4xx
// responses end the loop immediately; 5xx responses and transport failures are
// retried after attempt*backoffStep.
func (s *Submitter) DeliverWithRetry(ctx context.Context, payload *AppointmentPayload, maxAttempts int) (*Delivery, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &BookingError{Kind: KindClientError, Message: "could not encode appointment", Err: err}
	}

	submissionID := uuid.New().String()
	var token string
	if tp, ok := s.session.(TokenProvider); ok {
		token = tp.BearerToken(ctx)
	}

	log := s.logger.With().
		Str("submission_id", submissionID).
		Str("patient_id", payload.PatientID).
		Str("doctor_id", payload.DoctorID).
		Str("appointment_date_time", payload.AppointmentDateTime).
		Logger()

	for attempt := 1; ; attempt++ {
		start := s.now()
		status, respBody, sendErr := s.send(ctx, body, submissionID, token)
		elapsed := s.now().Sub(start)

		outcome, bookErr := classify(status, respBody, sendErr)
		s.record(ctx, &DeliveryAttempt{
			ID:                  uuid.New().String(),
			SubmissionID:        submissionID,
			PatientID:           payload.PatientID,
			DoctorID:            payload.DoctorID,
			AppointmentDateTime: payload.AppointmentDateTime,
			Attempt:             attempt,
			StatusCode:          status,
			Outcome:             outcome,
			Error:               errorText(bookErr),
			Duration:            elapsed,
			CreatedAt:           start,
		})

		evt := log.Info()
		if bookErr != nil {
			evt = log.Warn().Err(bookErr)
		}
		evt.Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Int("status", status).
			Str("outcome", outcome).
			Dur("latency", elapsed).
			Msg("appointment delivery attempt")

		if bookErr == nil {
			return &Delivery{
				SubmissionID: submissionID,
				StatusCode:   status,
				Attempts:     attempt,
				Body:         respBody,
			}, nil
		}

		bookErr.Attempts = attempt
		if !bookErr.Kind.Retryable() || attempt >= maxAttempts {
			return nil, bookErr
		}
		if ctx.Err() != nil {
			return nil, &BookingError{Kind: KindNetworkError, Attempts: attempt, Err: ctx.Err()}
		}

		wait := time.Duration(attempt) * s.backoffStep
		if err := s.sleep(ctx, wait); err != nil {
			return nil, &BookingError{Kind: KindNetworkError, Attempts: attempt, Err: err}
		}
	}
}

func (s *Submitter) send(ctx context.Context, body []byte, submissionID, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", submissionID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// The booking was accepted; a truncated confirmation body is not a failure.
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, respBody, nil
}

func (s *Submitter) record(ctx context.Context, a *DeliveryAttempt) {
	if s.attempts == nil {
		return
	}
	if err := s.attempts.Record(ctx, a); err != nil {
		s.logger.Error().Err(err).Str("submission_id", a.SubmissionID).Msg("failed to record delivery attempt")
	}
}

// classify maps one attempt's result onto an outcome and, for failures, a BookingError.
func classify(status int, body []byte, sendErr error) (string, *BookingError) {
	if sendErr != nil {
		return OutcomeNetworkError, &BookingError{Kind: KindNetworkError, Err: sendErr}
	}
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, nil
	case status == http.StatusConflict:
		return OutcomeConflict, &BookingError{Kind: KindSlotConflict, StatusCode: status, Message: serverMessage(body)}
	case status >= 400 && status < 500:
		return OutcomeClientError, &BookingError{Kind: KindClientError, StatusCode: status, Message: serverMessage(body)}
	default:
		// 5xx, and anything else that is neither success nor a client error.
		return OutcomeServerError, &BookingError{Kind: KindServerError, StatusCode: status}
	}
}

type serverErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var eb serverErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}
	return eb.Error
}

type createdBody struct {
	ID            json.RawMessage `json:"id"`
	AppointmentID json.RawMessage `json:"appointmentId"`
}

// appointmentIDFrom reads the created appointment's ID, which the service may
// send as a string or a number. Missing or malformed bodies yield "".
func appointmentIDFrom(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var cb createdBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return ""
	}
	for _, raw := range []json.RawMessage{cb.AppointmentID, cb.ID} {
		if id := rawID(raw); id != "" {
			return id
		}
	}
	return ""
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return strings.TrimSpace(string(raw))
}

func errorText(err *BookingError) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
