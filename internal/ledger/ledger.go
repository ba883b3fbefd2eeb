// Package ledger implements per-model AI credit accounting on top of the
// durable object core: atomic debit with rollback, and batched audit
// publication of every successful spend.
package ledger

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

var (
	// ErrInsufficientCredits is returned when a debit exceeds the balance.
	// No state changes when this is returned.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrClosed is returned by UseCredits after Shutdown.
	ErrClosed = errors.New("ledger: closed")
)

const (
	stateKeyBalance = "balance"
	stateKeyTotal   = "total_usage"
	stateKeyHistory = "usage_history"
)

// Config bundles the ledger's tunables.
type Config struct {
	InitialBalance float64
	SyncInterval   time.Duration
	Batch          batch.Config
}

// Ledger is a durable credit balance for one AI model. Successful debits are
// recorded as CreditUsage items and flushed in batches through the supplied
// sink; the balance itself is persisted by the periodic durable sync.
type Ledger struct {
	modelID string
	obj     *durable.Object
	proc    *batch.Processor[model.CreditUsage]
}

// New creates a ledger named "ai_credits:<modelID>". The usage sink receives
// flushed batches of usage records; drops after retry exhaustion are logged
// and passed to onDrop when provided.
func New(modelID string, sink durable.Sink, cfg Config, usageSink batch.FlushFunc[model.CreditUsage], opts ...batch.Option[model.CreditUsage]) (*Ledger, error) {
	obj := durable.NewObject("ai_credits:"+modelID, durable.KindCredits, sink, cfg.SyncInterval)

	proc, err := batch.New(cfg.Batch, usageSink, opts...)
	if err != nil {
		return nil, err
	}
	obj.SetStatsSource(proc.Stats)

	l := &Ledger{modelID: modelID, obj: obj, proc: proc}
	_ = obj.Update(func(state map[string]any) error {
		if _, ok := state[stateKeyBalance]; !ok {
			state[stateKeyBalance] = cfg.InitialBalance
		}
		if _, ok := state[stateKeyTotal]; !ok {
			state[stateKeyTotal] = 0.0
		}
		return nil
	})
	return l, nil
}

func (l *Ledger) ModelID() string { return l.modelID }

// Object exposes the underlying durable object (lifecycle, metadata).
func (l *Ledger) Object() *durable.Object { return l.obj }

// Restore hydrates balance and history from the durable sink. Call before Start.
func (l *Ledger) Restore(ctx context.Context) error { return l.obj.Restore(ctx) }

// Start launches the periodic sync loop and the batch flush loop.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.obj.Start(ctx); err != nil {
		return err
	}
	l.proc.Start(ctx)
	return nil
}

// Shutdown drains pending usage records, then stops the object with a final
// sync. Errors from either step surface; both are attempted.
func (l *Ledger) Shutdown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(l.proc.Close(ctx), l.obj.Shutdown(ctx))
}

// Balance returns the current credit balance.
func (l *Ledger) Balance() float64 {
	var bal float64
	l.obj.View(func(state map[string]any) {
		bal, _ = state[stateKeyBalance].(float64)
	})
	return bal
}

// TotalUsage returns cumulative credits debited over the ledger's life.
func (l *Ledger) TotalUsage() float64 {
	var total float64
	l.obj.View(func(state map[string]any) {
		total, _ = state[stateKeyTotal].(float64)
	})
	return total
}

// History returns a copy of the append-only usage history.
func (l *Ledger) History() []model.CreditUsage {
	var out []model.CreditUsage
	l.obj.View(func(state map[string]any) {
		if h, ok := state[stateKeyHistory].([]model.CreditUsage); ok {
			out = append(out, h...)
		}
	})
	return out
}

// Recharge adds credits to the balance.
func (l *Ledger) Recharge(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: recharge amount must be positive, got %v", amount)
	}
	return l.obj.Update(func(state map[string]any) error {
		bal, _ := state[stateKeyBalance].(float64)
		state[stateKeyBalance] = bal + amount
		return nil
	})
}

// UseCredits debits amount, runs fn, and commits or rolls back:
//
//  1. If balance < amount, fails with ErrInsufficientCredits and no mutation.
//  2. The debit is applied before fn runs, under the object lock, so
//     concurrent calls can never jointly overdraw.
//  3. If fn succeeds, a CreditUsage record is appended to the history and
//     enqueued for batched audit publication.
//  4. If fn fails, the debit is rolled back and fn's error is returned
//     unchanged.
func (l *Ledger) UseCredits(ctx context.Context, amount float64, meta map[string]string, fn func(ctx context.Context) error) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: debit amount must be positive, got %v", amount)
	}
	if l.obj.Lifecycle() == durable.StateStopped || l.obj.Lifecycle() == durable.StateShuttingDown {
		return ErrClosed
	}

	if err := l.obj.Update(func(state map[string]any) error {
		bal, _ := state[stateKeyBalance].(float64)
		if bal < amount {
			return fmt.Errorf("%w: model %s needs %v, has %v", ErrInsufficientCredits, l.modelID, amount, bal)
		}
		state[stateKeyBalance] = bal - amount
		return nil
	}); err != nil {
		return err
	}

	if fn != nil {
		if err := fn(ctx); err != nil {
			l.rollback(amount)
			return err
		}
	}

	usage := model.CreditUsage{
		ID:          uuid.NewString(),
		ModelID:     l.modelID,
		CreditsUsed: amount,
		RecordedAt:  time.Now().UTC(),
		Metadata:    meta,
	}
	_ = l.obj.Update(func(state map[string]any) error {
		total, _ := state[stateKeyTotal].(float64)
		state[stateKeyTotal] = total + amount
		history, _ := state[stateKeyHistory].([]model.CreditUsage)
		state[stateKeyHistory] = append(history, usage)
		return nil
	})

	if err := l.proc.Enqueue(usage); err != nil {
		slog.Warn("ledger: usage record not enqueued",
			"model", l.modelID, "usage_id", usage.ID, "error", err)
		return fmt.Errorf("ledger: record usage: %w", err)
	}

	slog.Debug("ledger: credits debited",
		"model", l.modelID, "amount", amount, "usage_id", usage.ID)
	return nil
}

func (l *Ledger) rollback(amount float64) {
	_ = l.obj.Update(func(state map[string]any) error {
		bal, _ := state[stateKeyBalance].(float64)
		state[stateKeyBalance] = bal + amount
		return nil
	})
}
