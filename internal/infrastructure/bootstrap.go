package infrastructure

import (
	"context"
	"log/slog"
	"time"

	"bimaledger/internal/batch"
	"bimaledger/internal/config"
	"bimaledger/internal/model"
	"bimaledger/internal/platform"
	"bimaledger/internal/store"
	transportNATS "bimaledger/internal/transport/nats"
	"bimaledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	// ── Sinks ──────────────────────────────────────────────────────────────────
	bus := transportNATS.NewBus(nc)
	stateStore := store.NewRedisStateStore(rdb)
	usageStore := store.NewUsageStore(db)
	claimStore := store.NewClaimStore(db)
	publisher := store.NewUsagePublisher(bus)

	// ── Durable object platform ────────────────────────────────────────────────
	eng := platform.New(platform.Deps{
		StateStore: stateStore,
		UsageSink:  publisher.Flush,
		ClaimSink:  claimStore.Flush,
		UsageDrop: func(items []model.CreditUsage, cause error) {
			if err := publisher.PublishDrop("credit_usage", items, cause); err != nil {
				slog.Error("bootstrap: failed to publish drop notice", "error", err)
			}
		},
	}, platform.Options{
		ShardCount:   cfg.ShardCount,
		SyncInterval: cfg.SyncInterval,
		Batch: batch.Config{
			MaxSize:       cfg.BatchMaxSize,
			FlushInterval: cfg.FlushInterval,
			MaxRetries:    uint64(cfg.MaxRetries),
			RetryDelay:    cfg.RetryDelay,
		},
		InitialCredits: cfg.InitialCredits,
	})

	servers := []Server{
		worker.NewUsageWorker(usageStore, nc),
		transportNATS.NewHandler(eng, nc),
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			slog.Error("shutdown: durable objects reported errors", "error", err)
			return err
		}
		return nil
	}

	return NewApp(servers, shutdown), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
