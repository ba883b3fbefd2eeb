// Package claims batches raw claim submissions for bulk persistence. Each
// claim is stamped with its SACCO and submission time at enqueue, then flushed
// in FIFO batches through the supplied sink.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bimaledger/internal/batch"
	"bimaledger/internal/durable"
	"bimaledger/internal/model"
)

const (
	stateKeyPending   = "pending"
	stateKeySubmitted = "submitted_total"
)

// Config bundles the batcher's tunables.
type Config struct {
	SyncInterval time.Duration
	Batch        batch.Config
}

// Batcher is a durable claim intake for one SACCO. AddClaim never blocks on
// the persistence sink; it only fails once the batcher has shut down.
type Batcher struct {
	saccoID string
	obj     *durable.Object
	proc    *batch.Processor[model.ClaimRecord]
}

// New creates a batcher named "claims:<saccoID>". The claim sink receives
// flushed batches for bulk persistence.
func New(saccoID string, sink durable.Sink, cfg Config, claimSink batch.FlushFunc[model.ClaimRecord], opts ...batch.Option[model.ClaimRecord]) (*Batcher, error) {
	b := &Batcher{
		saccoID: saccoID,
		obj:     durable.NewObject("claims:"+saccoID, durable.KindBatch, sink, cfg.SyncInterval),
	}

	// Pending count follows the queue: down on flush success, down on drop.
	wrapped := func(ctx context.Context, items []model.ClaimRecord) error {
		if err := claimSink(ctx, items); err != nil {
			return err
		}
		b.adjustPending(-len(items))
		return nil
	}
	opts = append(opts, batch.WithDropHandler(func(items []model.ClaimRecord, err error) {
		b.adjustPending(-len(items))
		slog.Error("claims: batch dropped, records lost to sink",
			"sacco", b.saccoID, "claims", len(items), "error", err)
	}))

	proc, err := batch.New(cfg.Batch, wrapped, opts...)
	if err != nil {
		return nil, err
	}
	b.proc = proc
	b.obj.SetStatsSource(proc.Stats)
	return b, nil
}

func (b *Batcher) SaccoID() string { return b.saccoID }

// Object exposes the underlying durable object.
func (b *Batcher) Object() *durable.Object { return b.obj }

// Restore hydrates counters from the durable sink. Call before Start.
func (b *Batcher) Restore(ctx context.Context) error { return b.obj.Restore(ctx) }

// Start launches the sync and flush loops.
func (b *Batcher) Start(ctx context.Context) error {
	if err := b.obj.Start(ctx); err != nil {
		return err
	}
	b.proc.Start(ctx)
	return nil
}

// Shutdown drains pending claims, then stops the object with a final sync.
func (b *Batcher) Shutdown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(b.proc.Close(ctx), b.obj.Shutdown(ctx))
}

// AddClaim stamps the claim with a fresh id, the SACCO id, and the current
// time, and enqueues it for batched persistence.
func (b *Batcher) AddClaim(ctx context.Context, claim map[string]any) (model.ClaimRecord, error) {
	fields := make(map[string]any, len(claim))
	for k, v := range claim {
		fields[k] = v
	}
	record := model.ClaimRecord{
		ID:          uuid.NewString(),
		SaccoID:     b.saccoID,
		SubmittedAt: time.Now().UTC(),
		Fields:      fields,
	}

	if err := b.proc.Enqueue(record); err != nil {
		return model.ClaimRecord{}, fmt.Errorf("claims: %w", err)
	}

	_ = b.obj.Update(func(state map[string]any) error {
		pending, _ := state[stateKeyPending].(float64)
		state[stateKeyPending] = pending + 1
		submitted, _ := state[stateKeySubmitted].(float64)
		state[stateKeySubmitted] = submitted + 1
		return nil
	})
	return record, nil
}

// Pending returns the number of claims accepted but not yet persisted.
func (b *Batcher) Pending() int {
	var pending float64
	b.obj.View(func(state map[string]any) {
		pending, _ = state[stateKeyPending].(float64)
	})
	return int(pending)
}

func (b *Batcher) adjustPending(delta int) {
	_ = b.obj.Update(func(state map[string]any) error {
		pending, _ := state[stateKeyPending].(float64)
		pending += float64(delta)
		if pending < 0 {
			pending = 0
		}
		state[stateKeyPending] = pending
		return nil
	})
}
