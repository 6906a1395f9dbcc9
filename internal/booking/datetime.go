package booking

import (
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"

	// ISOLayout matches the millisecond, Z-suffixed form the appointment service expects.
	ISOLayout = "2006-01-02T15:04:05.000Z"

	businessHourStart = 9
	businessHourEnd   = 17
)

var timeLayouts = []string{"15:04", "15:04:05"}

// ParseAppointmentTime combines a calendar date and a 24-hour time picked in
// loc and returns the instant in UTC. The UTC hour must be in [9, 17).
func ParseAppointmentTime(date, clock string, loc *time.Location) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, validationError("appointment date and time are required")
	}
	if loc == nil {
		loc = time.Local
	}

	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, &BookingError{Kind: KindValidation, Message: "appointment date must be YYYY-MM-DD", Err: err}
	}

	var tod time.Time
	for _, layout := range timeLayouts {
		tod, err = time.Parse(layout, clock)
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, &BookingError{Kind: KindValidation, Message: "appointment time must be HH:MM", Err: err}
	}

	local := time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, loc)
	utc := local.UTC()
	if h := utc.Hour(); h < businessHourStart || h >= businessHourEnd {
		return time.Time{}, validationError(MsgBusinessHours)
	}
	return utc, nil
}

// BuildAppointmentDateTime is ParseAppointmentTime serialised as ISO-8601 UTC.
func BuildAppointmentDateTime(date, clock string, loc *time.Location) (string, error) {
	t, err := ParseAppointmentTime(date, clock, loc)
	if err != nil {
		return "", err
	}
	return t.Format(ISOLayout), nil
}
