package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/ticket-booking/internal/config"
	"github.com/iliyamo/ticket-booking/internal/database"
	"github.com/iliyamo/ticket-booking/internal/handler"
	"github.com/iliyamo/ticket-booking/internal/queue"
	"github.com/iliyamo/ticket-booking/internal/repository"
	"github.com/iliyamo/ticket-booking/internal/router"
	"github.com/iliyamo/ticket-booking/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// ledger is what the server needs from an inventory backend: the saga
// side used by the coordinator and the pool side used over HTTP.
type ledger interface {
	service.Ledger
	handler.PoolLedger
}

func newLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	opts.Level = slog.LevelDebug
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := map[string]handler.Pinger{}

	var db *sql.DB
	if cfg.UsesMySQL() {
		var err error
		db, err = database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
		deps["mysql"] = db
		logger.Info("database ready", "host", cfg.DBHost, "name", cfg.DBName)
	}

	// Redis is required by the Lua ledger; everywhere else it only powers
	// rate limiting, caching and payment dedup, which degrade without it.
	rdb, err := config.NewRedisClient(config.LoadRedisConfig())
	if err != nil {
		if cfg.LedgerBackend == config.BackendRedis {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Warn("redis unavailable, rate limiting and caching disabled", "error", err)
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
		deps["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var inventory ledger
	switch cfg.LedgerBackend {
	case config.BackendMySQL:
		inventory = repository.NewSeatPoolRepo(db)
	case config.BackendRedis:
		inventory = repository.NewRedisLedger(rdb, "")
	default:
		inventory = repository.NewMemoryLedger()
	}

	var store service.ReservationStore
	if cfg.StoreBackend == config.BackendMySQL {
		store = repository.NewReservationRepo(db, cfg.Booking.SweepPageSize)
	} else {
		store = repository.NewMemoryReservationStore()
	}

	var tracker service.SequenceTracker
	if rdb != nil {
		tracker = repository.NewRedisSequenceTracker(rdb, "", cfg.Booking.SequenceTTL)
	} else {
		tracker = repository.NewMemorySequenceTracker()
	}

	var publisher service.EventPublisher
	if cfg.RabbitMQURL != "" {
		p := queue.NewPublisher(cfg.RabbitMQURL, logger)
		defer p.Close()
		publisher = p
	} else {
		logger.Warn("RABBITMQ_URL not set, booking events will not be published")
	}

	bookings := service.NewBookingService(inventory, store, publisher, logger, service.BookingOptions{
		DefaultTTL:  cfg.Booking.DefaultTTL,
		MaxTTL:      cfg.Booking.MaxTTL,
		MaxQuantity: cfg.Booking.MaxQuantity,
	})
	reconciler := service.NewReconciler(bookings, tracker, logger, service.ReconcilerOptions{
		MaxAttempts: cfg.Booking.ReconcileAttempts,
		BaseBackoff: cfg.Booking.ReconcileBackoff,
	})
	sweeper := service.NewSweeper(store, bookings, cfg.Booking.SweepInterval, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()
	if cfg.RabbitMQURL != "" {
		consumer := queue.NewPaymentConsumer(cfg.RabbitMQURL, reconciler, cfg.Booking.ConsumerPrefetch, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("payment consumer stopped", "error", err)
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	router.RegisterRoutes(e, deps)
	router.RegisterBooking(e, handler.NewBookingHandler(bookings), cfg.JWTSecret, rdb, config.LoadRateLimitConfig())
	router.RegisterPools(e, handler.NewPoolHandler(inventory), cfg.JWTSecret, rdb, config.LoadCacheConfig())

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env,
			"ledger", cfg.LedgerBackend, "store", cfg.StoreBackend)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return nil
}
