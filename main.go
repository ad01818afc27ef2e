package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"identity-reconciliation/internal/config"
	"identity-reconciliation/internal/database"
	"identity-reconciliation/internal/handlers"
	"identity-reconciliation/internal/lock"
	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/metrics"
	"identity-reconciliation/internal/service"
	"identity-reconciliation/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode, cfg.RedactPII)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited", "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []service.Option{service.WithMetrics(metrics.New(reg))}

	// Initialize contact store
	var (
		repo   store.Repository
		health handlers.Pinger
	)
	if cfg.Database.Driver == "memory" {
		repo = store.NewInMemory()
	} else {
		db, err := database.New(ctx, cfg.Database.Driver, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer db.Close()
		repo = store.NewSQLStore(db)
		health = db
	}
	log.Info("contact store ready", "driver", cfg.Database.Driver)

	redisClient, err := lock.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("initialize redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(redisClient, cfg.Redis.LockTTL)))
		log.Info("distributed attribute lock enabled")
	}

	svc := service.NewReconciliationService(repo, log, opts...)

	router := handlers.NewRouter(handlers.RouterConfig{
		Service:        svc,
		Log:            log,
		Gatherer:       reg,
		Health:         health,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
