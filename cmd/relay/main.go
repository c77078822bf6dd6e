// Package main is the entry point for the outbox relay: it wires the
// configured Store and Bus bindings to the polling dispatcher and runs
// it until terminated.
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

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "outboxd/internal/core/outbox"
	"outboxd/internal/domain/outbox"
	"outboxd/internal/infrastructure/bus/nats"
	"outboxd/internal/infrastructure/config"
	"outboxd/internal/infrastructure/storage/badger"
	"outboxd/internal/infrastructure/storage/postgres"
	"outboxd/internal/metrics"
	"outboxd/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Format != "json",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting outbox relay")

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to build store", "error", err)
	}
	defer closeStore()

	bus, err := nats.Connect(busConfig(cfg.Bus))
	if err != nil {
		log.Fatalw("failed to connect to bus", "error", err)
	}
	defer bus.Close()

	registerer := prometheus.NewRegistry()
	observer := metrics.NewObserver(registerer)

	dispatcher := outbox.NewDispatcher(store, bus, cfg.Delivery.Options(), log, observer)
	host := outbox.NewHost(dispatcher, log)

	httpServer := newHTTPServer(cfg.Server.Address, registerer, bus)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server exited", "error", err)
		}
	}()

	go host.Start(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")

	host.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown error", "error", err)
	}

	log.Info("outbox relay stopped")
}

// buildStore constructs the configured Store binding and returns a
// cleanup func that releases its underlying connection.
func buildStore(ctx context.Context, cfg *config.Config) (core.Store, func(), error) {
	switch cfg.Store.Strategy {
	case config.StoreStrategyRowLock:
		pgCfg := cfg.Store.Postgres
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:               pgCfg.DSN,
			MaxConns:          pgCfg.MaxConns,
			MinConns:          pgCfg.MinConns,
			MaxConnLifetime:   pgCfg.MaxConnLifetime,
			MaxConnIdleTime:   pgCfg.MaxConnIdleTime,
			HealthCheckPeriod: pgCfg.HealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres pool: %w", err)
		}

		clause := postgres.LockForUpdate
		if pgCfg.LockNoWait {
			clause = postgres.LockForUpdateNoWait
		}
		store := postgres.NewRowLockStore(pool, postgres.WithLockStatementProvider(
			postgres.NewStaticLockStatementProvider(clause),
		))
		return store, pool.Close, nil

	case config.StoreStrategyLockToken:
		opts := badgerdb.DefaultOptions(cfg.Store.Badger.Path)
		db, err := badgerdb.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger database: %w", err)
		}
		store := badger.NewLockTokenStore(db)
		return store, func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store strategy %q", cfg.Store.Strategy)
	}
}

func busConfig(cfg config.BusConfig) nats.Config {
	return nats.Config{
		URL:             cfg.URL,
		MaxReconnects:   cfg.MaxReconnects,
		ReconnectWait:   cfg.ReconnectWait,
		ReconnectBuffer: cfg.ReconnectBuffer,
		CircuitBreaker: nats.CircuitBreakerConfig{
			Name:             cfg.CircuitBreakerName,
			MaxRequests:      cfg.CircuitBreakerRequests,
			Interval:         cfg.CircuitBreakerInterval,
			Timeout:          cfg.CircuitBreakerTimeout,
			FailureThreshold: cfg.CircuitBreakerFailures,
		},
	}
}

// newHTTPServer serves liveness/readiness probes and Prometheus metrics.
// A bare net/http.ServeMux is deliberate here: this surface has exactly
// three static routes and no routing features worth a router dependency.
func newHTTPServer(addr string, registerer *prometheus.Registry, bus *nats.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := bus.WaitForHealthStatus(ctx, core.HealthHealthy); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
