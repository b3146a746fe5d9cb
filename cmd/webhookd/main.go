// Command webhookd runs the outbound webhook delivery daemon: a batch
// processor draining due events from the configured store, plus an
// operational HTTP server for health probes, circuit breaker control, and
// delivery history.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/hookrelay/pkg/config"
	"github.com/dmitrymomot/hookrelay/pkg/logger"
	"github.com/dmitrymomot/hookrelay/pkg/ops"
	"github.com/dmitrymomot/hookrelay/pkg/webhook"
	"github.com/dmitrymomot/hookrelay/pkg/webhook/mongostore"
	"github.com/dmitrymomot/hookrelay/pkg/webhook/pgstore"
	"github.com/dmitrymomot/hookrelay/pkg/webhook/redislease"
)

type appConfig struct {
	Log logger.Config

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"` // memory, mongo, or postgres
	LeaseDriver   string `env:"LEASE_DRIVER" envDefault:"memory"`   // memory or redis

	OpsAddr string `env:"OPS_ADDR" envDefault:":8080"`

	BatchSize   int           `env:"PROCESSOR_BATCH_SIZE" envDefault:"100"`
	Concurrency int           `env:"PROCESSOR_CONCURRENCY" envDefault:"4"`
	Interval    time.Duration `env:"PROCESSOR_INTERVAL" envDefault:"10s"`
	StaleAfter  time.Duration `env:"PROCESSOR_STALE_AFTER" envDefault:"5m"`

	CircuitOpenTimeout time.Duration `env:"CIRCUIT_OPEN_TIMEOUT" envDefault:"60s"`
	CircuitDeferDelay  time.Duration `env:"CIRCUIT_DEFER_DELAY" envDefault:"5m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("webhookd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[appConfig]()
	if err != nil {
		return err
	}

	log := logger.NewFromConfig(cfg.Log, logger.WithService("webhookd"))
	logger.SetAsDefault(log)

	store, healthchecks, cleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	lease, leaseHealthcheck, leaseCleanup, err := buildLease(ctx, cfg)
	if err != nil {
		return err
	}
	defer leaseCleanup()
	if leaseHealthcheck != nil {
		healthchecks["lease"] = leaseHealthcheck
	}

	svc, err := webhook.NewService(store,
		webhook.WithLogger(log),
		webhook.WithCircuitTimeout(cfg.CircuitOpenTimeout),
		webhook.WithDeferDelay(cfg.CircuitDeferDelay),
	)
	if err != nil {
		return fmt.Errorf("create delivery service: %w", err)
	}
	defer svc.Close()

	processor, err := webhook.NewProcessor(store, svc,
		webhook.WithProcessorLogger(log),
		webhook.WithBatchSize(cfg.BatchSize),
		webhook.WithConcurrency(cfg.Concurrency),
		webhook.WithInterval(cfg.Interval),
		webhook.WithStaleAfter(cfg.StaleAfter),
		webhook.WithLease(lease),
	)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	server := &http.Server{
		Addr: cfg.OpsAddr,
		Handler: ops.Router(ops.Deps{
			Service:      svc,
			Store:        store,
			Logger:       log,
			Healthchecks: healthchecks,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.InfoContext(gctx, "ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.InfoContext(ctx, "webhookd started",
		slog.String("storage", cfg.StorageDriver),
		slog.String("lease", cfg.LeaseDriver))

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("webhookd stopped")
	return nil
}

// buildStore wires the configured storage backend and its health probes.
func buildStore(ctx context.Context, cfg appConfig, log *slog.Logger) (webhook.Store, map[string]ops.Healthcheck, func(), error) {
	noop := func() {}

	switch cfg.StorageDriver {
	case "memory":
		return webhook.NewMemoryStore(), map[string]ops.Healthcheck{}, noop, nil

	case "mongo":
		mongoCfg, err := config.Load[mongostore.Config]()
		if err != nil {
			return nil, nil, noop, err
		}
		client, err := mongostore.Connect(ctx, mongoCfg)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect mongo: %w", err)
		}
		store := mongostore.New(client.Database(mongoCfg.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, noop, err
		}
		cleanup := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Error("failed to disconnect mongo", slog.String("error", err.Error()))
			}
		}
		return store, map[string]ops.Healthcheck{"mongo": mongostore.Healthcheck(client)}, cleanup, nil

	case "postgres":
		pgCfg, err := config.Load[pgstore.Config]()
		if err != nil {
			return nil, nil, noop, err
		}
		pool, err := pgstore.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pgstore.Migrate(ctx, pool, pgCfg, log); err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		return pgstore.New(pool), map[string]ops.Healthcheck{"postgres": pgstore.Healthcheck(pool)}, pool.Close, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// buildLease wires the configured cross-instance event lease.
func buildLease(ctx context.Context, cfg appConfig) (webhook.EventLease, ops.Healthcheck, func(), error) {
	noop := func() {}

	switch cfg.LeaseDriver {
	case "memory":
		return webhook.NewMemoryLease(), nil, noop, nil

	case "redis":
		redisCfg, err := config.Load[redislease.Config]()
		if err != nil {
			return nil, nil, noop, err
		}
		client, err := redislease.Connect(ctx, redisCfg)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		cleanup := func() { _ = client.Close() }
		return redislease.New(client, redisCfg.KeyPrefix), redislease.Healthcheck(client), cleanup, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown lease driver %q", cfg.LeaseDriver)
	}
}
