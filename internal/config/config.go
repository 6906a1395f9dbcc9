package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	AppointmentServiceURL string        `mapstructure:"APPOINTMENT_SERVICE_URL"`
	AuthServiceURL        string        `mapstructure:"AUTH_SERVICE_URL"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema              string        `mapstructure:"DB_SCHEMA"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	BookingMaxAttempts    int           `mapstructure:"BOOKING_MAX_ATTEMPTS"`
	BookingRequestTimeout time.Duration `mapstructure:"BOOKING_REQUEST_TIMEOUT"`
	BookingBackoffStep    time.Duration `mapstructure:"BOOKING_BACKOFF_STEP"`
	BookingTimezone       string        `mapstructure:"BOOKING_TIMEZONE"`
	SessionFile           string        `mapstructure:"SESSION_FILE"`
}

var envKeys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"APPOINTMENT_SERVICE_URL",
	"AUTH_SERVICE_URL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DB_SCHEMA",
	"REDIS_URL",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"BOOKING_MAX_ATTEMPTS",
	"BOOKING_REQUEST_TIMEOUT",
	"BOOKING_BACKOFF_STEP",
	"BOOKING_TIMEZONE",
	"SESSION_FILE",
}

// Load reads the configuration and requires APPOINTMENT_SERVICE_URL.
func Load() (*Config, error) {
	cfg, err := LoadPartial()
	if err != nil {
		return nil, err
	}
	if cfg.AppointmentServiceURL == "" {
		return nil, fmt.Errorf("APPOINTMENT_SERVICE_URL is required")
	}
	return cfg, nil
}

// LoadPartial reads the configuration without requiring the appointment
// service, for commands that never book (session, migrate).
func LoadPartial() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BOOKING_MAX_ATTEMPTS", 3)
	v.SetDefault("BOOKING_REQUEST_TIMEOUT", "30s")
	v.SetDefault("BOOKING_BACKOFF_STEP", "2s")
	v.SetDefault("BOOKING_TIMEZONE", "Local")
	v.SetDefault("SESSION_FILE", ".portal/current_user.json")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves BOOKING_TIMEZONE. "Local" (or empty) means the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.BookingTimezone == "" || c.BookingTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.BookingTimezone)
	if err != nil {
		return nil, fmt.Errorf("load BOOKING_TIMEZONE %q: %w", c.BookingTimezone, err)
	}
	return loc, nil
}

// Validate checks the settings that Load cannot enforce through defaults.
func (c *Config) Validate() error {
	if err := validateServiceURL("APPOINTMENT_SERVICE_URL", c.AppointmentServiceURL); err != nil {
		return err
	}
	if c.AuthServiceURL != "" {
		if err := validateServiceURL("AUTH_SERVICE_URL", c.AuthServiceURL); err != nil {
			return err
		}
	}
	if c.BookingMaxAttempts < 1 {
		return fmt.Errorf("BOOKING_MAX_ATTEMPTS must be at least 1, got %d", c.BookingMaxAttempts)
	}
	if c.BookingRequestTimeout <= 0 {
		return fmt.Errorf("BOOKING_REQUEST_TIMEOUT must be positive, got %s", c.BookingRequestTimeout)
	}
	if c.BookingBackoffStep < 0 {
		return fmt.Errorf("BOOKING_BACKOFF_STEP must not be negative, got %s", c.BookingBackoffStep)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func validateServiceURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", name, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
