package booking

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/portal/pkg/pagination"
)

// Outcome values recorded for a delivery attempt.
const (
	OutcomeSuccess      = "success"
	OutcomeConflict     = "conflict"
	OutcomeClientError  = "client_error"
	OutcomeServerError  = "server_error"
	OutcomeNetworkError = "network_error"
)

// DeliveryAttempt records a single POST to the appointment service. All attempts
// of one submission share a SubmissionID.
type DeliveryAttempt struct {
	ID                  string        `json:"id"`
	SubmissionID        string        `json:"submission_id"`
	PatientID           string        `json:"patient_id"`
	DoctorID            string        `json:"doctor_id"`
	AppointmentDateTime string        `json:"appointment_date_time"`
	Attempt             int           `json:"attempt"`
	StatusCode          int           `json:"status_code"`
	Outcome             string        `json:"outcome"`
	Error               string        `json:"error,omitempty"`
	Duration            time.Duration `json:"duration_ns"`
	CreatedAt           time.Time     `json:"created_at"`
}

// AttemptLog persists delivery attempts for later inspection. It is never
// used to re-send a submission.
type AttemptLog interface {
	Record(ctx context.Context, attempt *DeliveryAttempt) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*DeliveryAttempt, int, error)
}

// InMemoryAttemptLog is a thread-safe, in-memory AttemptLog.
type InMemoryAttemptLog struct {
	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

func NewInMemoryAttemptLog() *InMemoryAttemptLog {
	return &InMemoryAttemptLog{}
}

func (l *InMemoryAttemptLog) Record(_ context.Context, attempt *DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := *attempt
	l.attempts = append(l.attempts, &a)
	return nil
}

// ListByPatient returns the newest attempts first.
func (l *InMemoryAttemptLog) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []*DeliveryAttempt
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if l.attempts[i].PatientID == patientID {
			filtered = append(filtered, l.attempts[i])
		}
	}
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(filtered))
	page := make([]*DeliveryAttempt, end-start)
	copy(page, filtered[start:end])
	return page, len(filtered), nil
}

// All returns every recorded attempt in insertion order.
func (l *InMemoryAttemptLog) All() []*DeliveryAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*DeliveryAttempt, len(l.attempts))
	copy(out, l.attempts)
	return out
}
