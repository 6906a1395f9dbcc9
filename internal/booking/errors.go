package booking

import (
	"errors"
	"fmt"
)

// Kind classifies a failed submission. The set is closed: every error returned
// by Submitter.Submit carries exactly one of these.
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindSlotConflict Kind = "slot_conflict"
	KindClientError  Kind = "client_error"
	KindServerError  Kind = "server_error"
	KindNetworkError Kind = "network_error"
)

// MsgBusinessHours is returned when the appointment falls outside 09:00-17:00 UTC.
const MsgBusinessHours = "Appointments must be between 9AM and 5PM UTC"

// UserMessage returns the default user-facing text for the kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindValidation:
		return "Please fill in all required fields."
	case KindSlotConflict:
		return "The selected time slot is no longer available. Please choose another time."
	case KindClientError:
		return "The appointment request was rejected. Please review your details and try again."
	case KindServerError:
		return "The appointment service is unavailable. Please try again later."
	case KindNetworkError:
		return "Could not reach the appointment service. Please check your connection and try again."
	default:
		return "Failed to book appointment."
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindServerError || k == KindNetworkError
}

// BookingError is the single error type surfaced by the submission flow.
type BookingError struct {
	Kind       Kind
	Message    string // server-provided or validation message, may be empty
	StatusCode int    // upstream HTTP status, 0 when no response was received
	Attempts   int    // delivery attempts made, 0 for validation failures
	Err        error
}

func (e *BookingError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.UserMessage()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// UserMessage prefers the server message for conflicts and client errors and
// the validation message for validation failures.
func (e *BookingError) UserMessage() string {
	switch e.Kind {
	case KindValidation, KindSlotConflict, KindClientError:
		if e.Message != "" {
			return e.Message
		}
	}
	return e.Kind.UserMessage()
}

func validationError(format string, args ...interface{}) *BookingError {
	return &BookingError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// AsBookingError extracts the BookingError from err, if any.
func AsBookingError(err error) (*BookingError, bool) {
	var be *BookingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsKind reports whether err is a BookingError of the given kind.
func IsKind(err error, kind Kind) bool {
	be, ok := AsBookingError(err)
	return ok && be.Kind == kind
}
