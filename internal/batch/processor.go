// Package batch provides a generic bounded queue that accumulates items and
// flushes them to a sink in FIFO batches, triggered by size or by the age of
// the oldest queued item, with bounded exponential-backoff retry.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"bimaledger/internal/model"
)

// ErrProcessorClosed is returned by Enqueue after Close.
var ErrProcessorClosed = errors.New("batch: processor closed")

// Config controls batching and retry behavior.
type Config struct {
	// MaxSize triggers an immediate flush once the queue reaches it, and caps
	// the number of items per flush call.
	MaxSize int
	// FlushInterval triggers a flush once the oldest queued item is this old.
	FlushInterval time.Duration
	// MaxRetries bounds retries after the first flush attempt fails.
	MaxRetries uint64
	// RetryDelay is the base for exponential backoff between attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       100,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("batch: max size must be >= 1, got %d", c.MaxSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("batch: flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("batch: retry delay must be positive, got %s", c.RetryDelay)
	}
	return nil
}

// FlushFunc delivers one batch to the sink. It must accept partial batches
// and be safe to retry (at-least-once delivery).
type FlushFunc[T any] func(ctx context.Context, items []T) error

// DropFunc observes a batch dropped after exhausting retries, with the final
// flush error. Dropped items never vanish silently.
type DropFunc[T any] func(items []T, err error)

type item[T any] struct {
	payload    T
	enqueuedAt time.Time
}

// Processor accumulates items and flushes them through a FlushFunc.
//
// A batch under retry blocks newer items: retries run to completion (success
// or drop) before the next batch is cut, so items reach the sink in strict
// enqueue order.
type Processor[T any] struct {
	cfg    Config
	flush  FlushFunc[T]
	onDrop DropFunc[T]

	mu     sync.Mutex
	queue  []item[T]
	stats  model.BatchStats
	closed bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Processor.
type Option[T any] func(*Processor[T])

// WithDropHandler registers a callback for batches dropped after exhausting
// retries.
func WithDropHandler[T any](fn DropFunc[T]) Option[T] {
	return func(p *Processor[T]) { p.onDrop = fn }
}

// New creates a processor. The flush func is required.
func New[T any](cfg Config, flush FlushFunc[T], opts ...Option[T]) (*Processor[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flush == nil {
		return nil, errors.New("batch: flush func is required")
	}
	p := &Processor[T]{
		cfg:   cfg,
		flush: flush,
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start spawns the background flush loop. Without Start the processor still
// accepts items; they are only flushed by Drain or Close.
func (p *Processor[T]) Start(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(runCtx)
}

// Enqueue appends an item. It fails only after Close. Reaching MaxSize wakes
// the flush loop immediately instead of waiting for the timer.
func (p *Processor[T]) Enqueue(v T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProcessorClosed
	}
	p.queue = append(p.queue, item[T]{payload: v, enqueuedAt: time.Now()})
	// Wake the loop when the batch is full, or when the queue goes from empty
	// to non-empty so the loop can arm the age timer.
	wake := len(p.queue) >= p.cfg.MaxSize || len(p.queue) == 1
	p.mu.Unlock()

	if wake {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Len returns the number of queued items.
func (p *Processor[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a snapshot of processed/failed counts.
func (p *Processor[T]) Stats() model.BatchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Drain flushes synchronously until the queue is empty or the context is
// cancelled. Batches that exhaust retries are dropped and counted, so Drain
// always terminates. Returns the final stats.
func (p *Processor[T]) Drain(ctx context.Context) (model.BatchStats, error) {
	for {
		p.mu.Lock()
		remaining := len(p.queue)
		p.mu.Unlock()
		if remaining == 0 {
			return p.Stats(), nil
		}
		if err := p.flushOnce(ctx); err != nil {
			return p.Stats(), err
		}
	}
}

// Close rejects further enqueues, stops the flush loop, and drains the queue.
// Idempotent.
func (p *Processor[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	_, err := p.Drain(ctx)
	return err
}

func (p *Processor[T]) loop(ctx context.Context) {
	defer close(p.done)

	for {
		timer, timeout := p.oldestDeadline()
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-p.kick:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}

		for p.shouldFlush() {
			if err := p.flushOnce(ctx); err != nil {
				// Cancelled; leftovers stay queued for the closing drain.
				return
			}
		}
	}
}

// oldestDeadline returns a timer that fires when the oldest queued item
// reaches FlushInterval, or a nil channel (blocks forever) on an empty queue.
func (p *Processor[T]) oldestDeadline() (*time.Timer, <-chan time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, nil
	}
	wait := p.cfg.FlushInterval - time.Since(p.queue[0].enqueuedAt)
	if wait < 0 {
		wait = 0
	}
	t := time.NewTimer(wait)
	return t, t.C
}

func (p *Processor[T]) shouldFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return false
	}
	return len(p.queue) >= p.cfg.MaxSize ||
		time.Since(p.queue[0].enqueuedAt) >= p.cfg.FlushInterval
}

// flushOnce cuts up to MaxSize oldest items and delivers them, retrying with
// exponential backoff and jitter. On success or on retry exhaustion the batch
// leaves the queue; only a cancelled context leaves it in place, and only
// then is an error returned.
func (p *Processor[T]) flushOnce(ctx context.Context) error {
	p.mu.Lock()
	n := len(p.queue)
	if n == 0 {
		p.mu.Unlock()
		return nil
	}
	if n > p.cfg.MaxSize {
		n = p.cfg.MaxSize
	}
	items := make([]T, n)
	for i := 0; i < n; i++ {
		items[i] = p.queue[i].payload
	}
	p.mu.Unlock()

	backoff := retry.WithMaxRetries(p.cfg.MaxRetries,
		retry.WithJitterPercent(10, retry.NewExponential(p.cfg.RetryDelay)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if ferr := p.flush(ctx, items); ferr != nil {
			slog.Warn("batch: flush attempt failed",
				"attempt", attempt, "items", n, "error", ferr)
			return retry.RetryableError(ferr)
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	p.queue = p.queue[n:]
	if err == nil {
		p.stats.Processed += int64(n)
	} else {
		p.stats.Failed += int64(n)
	}
	p.mu.Unlock()

	if err != nil {
		slog.Error("batch: batch dropped after exhausting retries",
			"items", n, "attempts", attempt, "error", err)
		if p.onDrop != nil {
			p.onDrop(items, err)
		}
	}
	return nil
}
