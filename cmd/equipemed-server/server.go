package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/equipemed/equipemed/internal/config"
	"github.com/equipemed/equipemed/internal/domain/admission"
	"github.com/equipemed/equipemed/internal/platform/auth"
	"github.com/equipemed/equipemed/internal/platform/db"
	"github.com/equipemed/equipemed/internal/platform/middleware"
	"github.com/equipemed/equipemed/internal/platform/outbox"
)

const (
	devUser = "dev-user"
	devRole = "doctor"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	store, sqlDB := outbox.OpenSQLStore(pool)
	defer sqlDB.Close()

	e := newEcho(cfg, logger, pool, store)

	// Outbox relay
	relayDone := make(chan struct{})
	if cfg.OutboxRelayEnabled {
		pub, err := newPublisher(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create event publisher")
		}
		defer pub.Close()
		relay := outbox.NewRelay(store, pub, relayConfig(cfg), logger)
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("outbox relay stopped")
			}
		}()
	} else {
		close(relayDone)
		logger.Warn().Msg("outbox relay disabled; change events stay queued until a relay runs")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-relayDone
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the HTTP server. pool and store may be nil in tests.
func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, store outbox.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Last-Modified", middleware.RequestIDHeader},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		logger.Warn().Msg("development auth enabled: identities are taken from request headers")
		e.Use(auth.DevAuthMiddleware(devUser, devRole))
	} else {
		e.Use(jwtSkipper(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health checks
	e.GET("/healthz", db.LivenessHandler())
	e.GET("/readyz", db.ReadinessHandler(pool))

	// Admission domain
	repo := admission.NewRepo(pool, db.NewTxRunner(pool, cfg.DBLockTimeout))
	svc := admission.NewService(repo, admission.NewPolicy(cfg.EditWindow))
	svc.SetClockSkewTolerance(cfg.ClockSkewTolerance)
	svc.SetLogger(logger.With().Str("component", "admission").Logger())

	h := admission.NewHandler(svc)
	if store != nil {
		h.WithOutbox(store)
	}
	h.RegisterRoutes(e.Group("/api/v1"))

	e.HTTPErrorHandler = errorHandler(e)
	return e
}

// jwtSkipper leaves health probes unauthenticated.
func jwtSkipper(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := mw(next)
		return func(c echo.Context) error {
			switch c.Path() {
			case "/healthz", "/readyz":
				return next(c)
			}
			return guarded(c)
		}
	}
}

// errorHandler renders HTTPErrors whose message is already a JSON object
// without wrapping it a second time.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			if body, ok := he.Message.(map[string]interface{}); ok && !c.Response().Committed {
				if c.Request().Method == http.MethodHead {
					_ = c.NoContent(he.Code)
					return
				}
				_ = c.JSON(he.Code, body)
				return
			}
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

func relayConfig(cfg *config.Config) outbox.RelayConfig {
	return outbox.RelayConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
		Retention:    cfg.OutboxRetention,
	}
}

// newPublisher returns the broker selected by EVENT_SINK.
func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (outbox.Publisher, error) {
	switch cfg.EventSink {
	case config.SinkKafka:
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing change events to kafka")
		return outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.SinkRedis:
		pub, err := outbox.NewRedisStreamPublisher(cfg.RedisURL, cfg.RedisStream, cfg.RedisStreamMaxLen)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pub.Ping(pingCtx); err != nil {
			_ = pub.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("stream", cfg.RedisStream).Msg("publishing change events to redis")
		return pub, nil
	case config.SinkLog, "":
		return outbox.NewLogPublisher(logger.With().Str("component", "events").Logger()), nil
	}
	return nil, fmt.Errorf("unknown event sink %q", cfg.EventSink)
}

func runRelay() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, sqlDB := outbox.OpenSQLStore(pool)
	defer sqlDB.Close()

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	err = outbox.NewRelay(store, pub, relayConfig(cfg), logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("relay stopped")
		return nil
	}
	return err
}
