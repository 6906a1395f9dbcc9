package booking

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validationMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email address",
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// normalized trims surrounding whitespace so that blank fields fail "required".
func (f BookingForm) normalized() BookingForm {
	f.Name = strings.TrimSpace(f.Name)
	f.Age = strings.TrimSpace(f.Age)
	f.Phone = strings.TrimSpace(f.Phone)
	f.Email = strings.TrimSpace(f.Email)
	f.Specialty = strings.TrimSpace(f.Specialty)
	f.Doctor = strings.TrimSpace(f.Doctor)
	f.DoctorID = strings.TrimSpace(f.DoctorID)
	f.Date = strings.TrimSpace(f.Date)
	f.Time = strings.TrimSpace(f.Time)
	f.Reason = strings.TrimSpace(f.Reason)
	f.Symptoms = strings.TrimSpace(f.Symptoms)
	f.Notes = strings.TrimSpace(f.Notes)
	return f
}

func validateForm(v *validator.Validate, form BookingForm) error {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &BookingError{Kind: KindValidation, Message: "invalid booking form", Err: err}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := validationMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		msgs = append(msgs, fe.Field()+" "+msg)
	}
	return validationError("%s", strings.Join(msgs, ", "))
}
