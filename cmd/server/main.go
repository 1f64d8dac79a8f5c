/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the quote engine HTTP server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment)
  2. Build the zap logger
  3. Initialize tracing (noop unless OTEL_ENABLED)
  4. Open the store selected by STORE_DRIVER and migrate it
  5. Build the notifier (Kafka when NOTIFY_KAFKA_BROKERS is set, log otherwise)
  6. Create the engine, handler and router
  7. Start the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Drain pending notifications
  4. Flush spans, close the store

EXAMPLES:
  # SQLite file database (default)
  SQLITE_PATH=./data/quotes.db ./server

  # PostgreSQL
  STORE_DRIVER=postgres POSTGRES_DSN=postgres://... ./server

  # Throwaway in-memory store with demo products
  STORE_DRIVER=memory SEED_DEMO_CATALOG=true ./server

SEE ALSO:
  - config/config.go: All environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/api"
	"github.com/warp/quote-engine/config"
	"github.com/warp/quote-engine/logging"
	"github.com/warp/quote-engine/notify"
	"github.com/warp/quote-engine/observability"
	"github.com/warp/quote-engine/quote"
	"github.com/warp/quote-engine/quote/store"
	"github.com/warp/quote-engine/store/postgres"
	"github.com/warp/quote-engine/store/sqlite"
)

const serviceName = "quote-engine"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quote-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		ServiceName: serviceName,
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	ctx := context.Background()

	shutdownTracing, err := observability.Init(ctx, observability.Config{
		Enabled:       cfg.OTelEnabled,
		OTLPEndpoint:  cfg.OTelEndpoint,
		SamplingRatio: cfg.OTelSamplingRatio,
		ServiceName:   serviceName,
		Environment:   string(cfg.AppEnv),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	st, ready, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier := buildNotifier(cfg, logger)

	engine := quote.NewEngine(st, quote.Options{
		Sequencer:    quote.NewSequencer(cfg.ReceiptPrefix, cfg.InvoicePrefix, cfg.DocumentNumberWidth),
		Notifier:     notifier,
		Logger:       logger.Named("engine"),
		TaxRate:      decimal.NewNullDecimal(cfg.TaxRate),
		MaxAttempts:  cfg.AuthorizeMaxAttempts,
		RetryBackoff: cfg.AuthorizeRetryBackoff,
	})

	if cfg.SeedDemoCatalog {
		n, err := api.SeedCatalog(ctx, engine)
		if err != nil {
			return err
		}
		logger.Info("demo catalog seeded", zap.Int("created", n))
	}

	handler := api.NewHandler(engine, api.JSONRenderer{}, logger.Named("api"))
	handler.Ready = ready
	router := api.NewRouter(handler, api.RouterOptions{
		ServiceName:    serviceName,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger.Named("http"),
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store_driver", string(cfg.StoreDriver)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := closeNotifier(shutdownCtx); err != nil {
		logger.Warn("notifier drain incomplete", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// openStore returns the configured store, a readiness check and a closer.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (quote.Store, func(context.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		logger.Info("connecting to postgres", zap.String("dsn", cfg.MaskedDSN()))
		pg, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg.Ping, pg.Close, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil, func() {}, nil

	default:
		db, err := sqlite.New(cfg.SQLitePath, sqlite.WithBusyTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, nil, nil, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		}
		return db, db.Ping, closeDB, nil
	}
}

// buildNotifier picks Kafka when brokers are configured and wraps it so
// publishing never delays a response.
func buildNotifier(cfg config.Config, logger *zap.Logger) (quote.Notifier, func(context.Context) error) {
	if len(cfg.KafkaBrokers) == 0 {
		return notify.NewLog(logger.Named("events")), func(context.Context) error { return nil }
	}

	kafka := notify.NewKafka(logger.Named("kafka"), cfg.KafkaBrokers, cfg.KafkaTopic)
	async := notify.NewAsync(kafka, logger.Named("notify"))
	logger.Info("publishing quote events to kafka",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaTopic),
	)
	return async, func(ctx context.Context) error {
		drainErr := async.Close(ctx)
		if err := kafka.Close(); err != nil {
			return err
		}
		return drainErr
	}
}
