// Package main is the entry point for the Mockforge API server.
//
// The server exposes the HTTP/JSON API that the web app, workers, and the
// payment provider talk to: job enqueueing and lifecycle, balance reads,
// payment webhooks, and operational endpoints.
//
// Designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes:
// 1. Storage (PostgreSQL, or in-memory for local development)
// 2. The credit ledger and job state machine
// 3. The lease sweeper
// 4. Circuit breakers and the identity client
// 5. The Redis balance mirror (optional)
// 6. The HTTP server with logging and recovery middleware
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/breaker"
	"github.com/mockforge/engine/internal/cache"
	"github.com/mockforge/engine/internal/identity"
	"github.com/mockforge/engine/internal/jobs"
	"github.com/mockforge/engine/internal/ledger"
	"github.com/mockforge/engine/internal/rest"
	"github.com/mockforge/engine/internal/store/memory"
	"github.com/mockforge/engine/internal/store/postgres"
	"github.com/mockforge/engine/internal/webhook"
)

// Config holds all configuration for the server.
// All fields are loaded from environment variables.
type Config struct {
	HTTPPort      string
	PostgresURL   string
	RedisAddr     string
	RedisPassword string
	IdentityURL   string
	StripeSecret  string
	MaxAttempts   int
	LeaseDuration time.Duration
	SweepInterval time.Duration
	LogLevel      string
	Environment   string
}

// LoadConfig loads configuration from environment variables with defaults.
//
// POSTGRES_URL may be empty; the server then runs on the in-memory stores,
// which is only useful for local development and demos.
func LoadConfig() *Config {
	return &Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		IdentityURL:   getEnv("IDENTITY_URL", ""),
		StripeSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
		MaxAttempts:   getEnvInt("JOB_MAX_ATTEMPTS", 3),
		LeaseDuration: getEnvDuration("JOB_LEASE_DURATION", 5*time.Minute),
		SweepInterval: getEnvDuration("JOB_SWEEP_INTERVAL", time.Minute),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Environment:   getEnv("ENVIRONMENT", "development"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func main() {
	cfg := LoadConfig()

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting mockforge api server")

	// Storage. PostgreSQL in production; in-memory stores when no URL is
	// configured so a bare `go run` works.
	var (
		ledgerStore ledger.Store
		jobStore    jobs.Store
		pinger      rest.Pinger
	)
	if cfg.PostgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.Open(ctx, cfg.PostgresURL, logger)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to postgresql")
		}
		defer pg.Close()
		ledgerStore = pg
		jobStore = pg
		pinger = pg
		logger.Info().Msg("connected to postgresql")
	} else {
		ledgerStore = memory.NewLedgerStore()
		jobStore = memory.NewJobStore()
		logger.Warn().Msg("no POSTGRES_URL set, using in-memory storage")
	}

	credits := ledger.New(ledgerStore, logger)

	machine := jobs.NewMachine(jobStore, credits, jobs.Config{
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration,
	}, logger)

	sweeper := jobs.NewSweeper(machine, logger)
	sweeper.Start(cfg.SweepInterval)
	defer sweeper.Stop()

	// One breaker per outbound dependency, shared across callers.
	breakers := breaker.NewRegistry(breaker.Config{}, logger)

	var idClient *identity.Client
	if cfg.IdentityURL != "" {
		idClient = identity.NewClient(cfg.IdentityURL, breakers.Get("identity"), logger)
		logger.Info().Str("url", cfg.IdentityURL).Msg("identity client configured")
	}

	ingestor := webhook.NewIngestor(credits, cfg.StripeSecret, logger)
	if cfg.StripeSecret == "" {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	handler := rest.NewHandler(credits, machine, ingestor, idClient, breakers, logger)
	if pinger != nil {
		handler.WithPinger(pinger)
	}

	// Optional Redis balance mirror for the read-heavy balance endpoint.
	var mirror *cache.Mirror
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			PoolSize:     50,
			MinIdleConns: 10,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

		mirror = cache.NewMirror(redisClient, ledgerStore, logger)

		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mirror.Warm(warmCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to warm balance mirror")
		}
		warmCancel()

		credits.OnBalanceChange(mirror.Push)
		mirror.StartPeriodicResync(5 * time.Minute)
		defer mirror.Stop()

		handler.WithMirror(mirror)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var root http.Handler = mux
	root = rest.LoggingMiddleware(logger)(root)
	root = rest.RecoveryMiddleware(logger)(root)
	if cfg.Environment == "development" {
		root = rest.CORS(root)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// Deferred cleanup stops the sweeper and mirror and closes storage.
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "mockforge-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}
