package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/booking"
	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/session"
)

func bookCmd() *cobra.Command {
	var form booking.BookingForm

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an appointment as the signed-in patient",
		Long: "Submits a booking for the patient stored by 'session login'. Date and time are\n" +
			"read in BOOKING_TIMEZONE and must fall between 09:00 and 17:00 UTC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runBook(ctx, cfg, form, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&form.Name, "name", "", "patient full name (required)")
	f.StringVar(&form.Age, "age", "", "patient age")
	f.StringVar(&form.Phone, "phone", "", "contact phone number (required)")
	f.StringVar(&form.Email, "email", "", "contact email")
	f.StringVar(&form.Specialty, "specialty", "", "department or specialty")
	f.StringVar(&form.Doctor, "doctor", "", "doctor display name")
	f.StringVar(&form.DoctorID, "doctor-id", "", "doctor identifier (required)")
	f.StringVar(&form.Date, "date", "", "appointment date, YYYY-MM-DD (required)")
	f.StringVar(&form.Time, "time", "", "appointment time, HH:MM (required)")
	f.BoolVar(&form.Emergency, "emergency", false, "mark the appointment as an emergency")
	f.StringVar(&form.Reason, "reason", "", "reason for the visit (required)")
	f.StringVar(&form.Symptoms, "symptoms", "", "symptoms, defaults to the reason")
	f.StringVar(&form.Notes, "notes", "", "additional notes")
	return cmd
}

func runBook(ctx context.Context, cfg *config.Config, form booking.BookingForm, stdout, stderr io.Writer) error {
	logger := newLogger(cfg, stderr)

	opts, err := submitterOptions(cfg, logger)
	if err != nil {
		return err
	}
	store := session.NewFileStore(cfg.SessionFile)
	submitter := booking.NewSubmitter(cfg.AppointmentServiceURL, session.NewStoreProvider(store), opts...)

	booked, err := submitter.Submit(ctx, form)
	if err != nil {
		if be, ok := booking.AsBookingError(err); ok {
			fmt.Fprintln(stderr, be.UserMessage())
			if be.Kind == booking.KindValidation {
				if _, loadErr := store.Load(ctx); errors.Is(loadErr, session.ErrNoSession) {
					fmt.Fprintln(stderr, "Run 'booking-portal session login' first.")
				}
			}
		}
		return err
	}

	printBooked(stdout, booked)
	return nil
}

func printBooked(w io.Writer, b *booking.Booked) {
	fmt.Fprintln(w, "Appointment booked.")
	if b.AppointmentID != "" {
		fmt.Fprintf(w, "  Reference:  %s\n", b.AppointmentID)
	}
	fmt.Fprintf(w, "  Patient:    %s\n", b.PatientName)
	if b.Doctor != "" {
		fmt.Fprintf(w, "  Doctor:     %s\n", b.Doctor)
	}
	if b.Department != "" {
		fmt.Fprintf(w, "  Department: %s\n", b.Department)
	}
	fmt.Fprintf(w, "  When:       %s %s (%s)\n", b.Date, b.Time, b.AppointmentDateTime)
}
