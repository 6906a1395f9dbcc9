package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/booking"
	"github.com/ehr/portal/internal/config"
)

const version = "0.1.0"

func main() {
	os.Exit(execute(newRootCmd()))
}

// execute runs cmd and returns the process exit code. Booking failures were
// already reported by the book command; every other error is printed here.
func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if _, ok := booking.AsBookingError(err); !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return 1
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "booking-portal",
		Short:         "Patient appointment booking portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// newLogger builds the process logger: JSON in production, console output in
// development, at the level named by LOG_LEVEL.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
