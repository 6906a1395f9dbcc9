package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/booking"
	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/locker"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/session"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg, os.Stdout))
		},
	}
}

// serverDeps are the optional backing services of the API server.
type serverDeps struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	attempts booking.AttemptLog
	locker   locker.Locker
}

// redisPinger adapts *redis.Client to db.Pinger.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func submitterOptions(cfg *config.Config, logger zerolog.Logger) ([]booking.Option, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return []booking.Option{
		booking.WithMaxAttempts(cfg.BookingMaxAttempts),
		booking.WithRequestTimeout(cfg.BookingRequestTimeout),
		booking.WithBackoffStep(cfg.BookingBackoffStep),
		booking.WithLocation(loc),
		booking.WithLogger(logger),
	}, nil
}

// newServer wires the HTTP surface. Nil backing services fall back to
// in-process implementations.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps, extra ...booking.Option) (*echo.Echo, error) {
	if deps.attempts == nil {
		deps.attempts = booking.NewInMemoryAttemptLog()
	}
	if deps.locker == nil {
		deps.locker = locker.NewMemoryLocker()
	}

	opts, err := submitterOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts = append(opts, booking.WithAttemptLog(deps.attempts))
	opts = append(opts, extra...)
	submitter := booking.NewSubmitter(cfg.AppointmentServiceURL, session.ContextProvider{}, opts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = middleware.JSONSerializer{}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if deps.pool != nil {
		e.GET("/health/db", db.HealthHandler(deps.pool))
	}
	if deps.redis != nil {
		e.GET("/health/redis", db.HealthHandler(redisPinger{deps.redis}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		session.Middleware(session.MiddlewareConfig{}),
		middleware.RateLimit(rateLimitCfg),
	)
	booking.NewHandler(submitter, deps.attempts, deps.locker, logger).RegisterRoutes(apiV1)

	return e, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	var deps serverDeps

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		deps.pool = pool
		deps.attempts = booking.NewAttemptRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, delivery attempts are kept in memory")
	}

	if cfg.RedisURL != "" {
		client, err := locker.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		deps.redis = client
		deps.locker = locker.NewRedisLocker(client, logger)
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, in-flight guard is per process")
	}

	e, err := newServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("appointment_service", cfg.AppointmentServiceURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
