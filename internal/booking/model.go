package booking

import (
	"strconv"
	"strings"
	"time"
)

// AppointmentDuration is the fixed slot length in minutes.
const AppointmentDuration = 30

// BookingForm is the patient-entered booking state prior to submission.
type BookingForm struct {
	Name      string `json:"name" validate:"required"`
	Age       string `json:"age"`
	Phone     string `json:"phone" validate:"required"`
	Email     string `json:"email" validate:"omitempty,email"`
	Specialty string `json:"specialty"`
	Doctor    string `json:"doctor"`
	DoctorID  string `json:"doctorId" validate:"required"`
	Date      string `json:"date" validate:"required"`
	Time      string `json:"time" validate:"required"`
	Emergency bool   `json:"emergency"`
	Reason    string `json:"reason" validate:"required"`
	Symptoms  string `json:"symptoms,omitempty"`
	Notes     string `json:"notes"`
}

// AppointmentPayload is the request body sent to the appointment service.
type AppointmentPayload struct {
	PatientID           string `json:"patientId"`
	DoctorID            string `json:"doctorId"`
	PatientName         string `json:"patientName"`
	Age                 int    `json:"age"`
	Department          string `json:"department"`
	PatientEmail        string `json:"patientEmail"`
	AppointmentDateTime string `json:"appointmentDateTime"`
	Duration            int    `json:"duration"`
	Reason              string `json:"reason"`
	Symptoms            string `json:"symptoms"`
	AdditionalNotes     string `json:"additionalNotes"`
	Emergency           bool   `json:"emergency"`
	PhoneNumber         string `json:"phoneNumber"`
}

// Booked is the confirmation shown to the patient after a successful booking.
type Booked struct {
	AppointmentID       string `json:"appointmentId,omitempty"`
	PatientName         string `json:"patientName"`
	Doctor              string `json:"doctor"`
	Department          string `json:"department"`
	Date                string `json:"date"`
	Time                string `json:"time"`
	AppointmentDateTime string `json:"appointmentDateTime"`
	Attempts            int    `json:"attempts"`
}

// NewPayload builds the wire payload for form on behalf of patientID. It fails
// with a validation error when the date/time cannot be normalised.
func NewPayload(form BookingForm, patientID string, loc *time.Location) (*AppointmentPayload, error) {
	when, err := BuildAppointmentDateTime(form.Date, form.Time, loc)
	if err != nil {
		return nil, err
	}

	symptoms := strings.TrimSpace(form.Symptoms)
	if symptoms == "" {
		symptoms = strings.TrimSpace(form.Reason)
	}

	return &AppointmentPayload{
		PatientID:           patientID,
		DoctorID:            strings.TrimSpace(form.DoctorID),
		PatientName:         strings.TrimSpace(form.Name),
		Age:                 parseAge(form.Age),
		Department:          strings.TrimSpace(form.Specialty),
		PatientEmail:        strings.TrimSpace(form.Email),
		AppointmentDateTime: when,
		Duration:            AppointmentDuration,
		Reason:              strings.TrimSpace(form.Reason),
		Symptoms:            symptoms,
		AdditionalNotes:     strings.TrimSpace(form.Notes),
		Emergency:           form.Emergency,
		PhoneNumber:         strings.TrimSpace(form.Phone),
	}, nil
}

// parseAge mirrors a lenient integer parse: empty or non-numeric input is 0.
func parseAge(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
