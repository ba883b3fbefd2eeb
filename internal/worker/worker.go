// Package worker syncs flushed usage events from the bus into Postgres.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"bimaledger/internal/model"
	"bimaledger/internal/store"
)

// UsageInserter is the slice of the usage store the worker needs.
type UsageInserter interface {
	InsertBatch(ctx context.Context, events []model.CreditUsage) error
}

// UsageWorker listens on the usage.recorded topic and persists each flushed
// batch to the credit_usage table. Inserts are idempotent on usage_id, so
// at-least-once bus delivery is safe.
type UsageWorker struct {
	usage    UsageInserter
	natsConn *nats.Conn
}

func NewUsageWorker(usage UsageInserter, nc *nats.Conn) *UsageWorker {
	return &UsageWorker{usage: usage, natsConn: nc}
}

// Run subscribes and blocks until ctx is cancelled.
func (w *UsageWorker) Run(ctx context.Context) error {
	// QueueSubscribe: with several engine replicas, only one worker in the
	// group receives each batch.
	sub, err := w.natsConn.QueueSubscribe(store.TopicUsageRecorded, "usage_workers", func(m *nats.Msg) {
		var events []model.CreditUsage
		if err := json.Unmarshal(m.Data, &events); err != nil {
			slog.Error("worker: failed to unmarshal usage batch", "error", err)
			return
		}
		if len(events) == 0 {
			return
		}

		if err := w.usage.InsertBatch(ctx, events); err != nil {
			slog.Error("worker: failed to persist usage batch",
				"events", len(events),
				"model", events[0].ModelID,
				"error", err,
			)
			return
		}

		slog.Info("worker: usage batch persisted",
			"events", len(events),
			"model", events[0].ModelID,
		)
	})

	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Usage worker is running")

	// Wait for shutdown signal.
	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	// Close subscription gracefully, waiting for current processing to complete.
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *UsageWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *UsageWorker) Stop(ctx context.Context) error {
	return nil
}
