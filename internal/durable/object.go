// Package durable implements named stateful objects that accumulate state in
// memory and periodically persist it through a pluggable sink, in the manner
// of Cloudflare Durable Objects. Domain specializations (credit ledgers,
// claim batchers, policy registries) build on Object and supply the sink.
package durable

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bimaledger/internal/model"
)

// Sink persists object state durably. Persist must be an idempotent upsert:
// a duplicate call with the same version must succeed without effect. Load
// returns (nil, 0, nil) when nothing is stored under the name yet.
type Sink interface {
	Persist(ctx context.Context, name string, state map[string]any, version int64) error
	Load(ctx context.Context, name string) (map[string]any, int64, error)
}

// Object is a named state container with a periodic sync loop.
//
// All access to state and metadata is serialized by one mutex. The sync loop
// snapshots state under the lock, persists outside it, and confirms the sync
// under the lock again, so domain operations never block on the sink.
type Object struct {
	name         string
	kind         StateKind
	sink         Sink
	syncInterval time.Duration

	mu        sync.Mutex
	state     map[string]any
	meta      SyncMetadata
	lifecycle LifecycleState
	gen       uint64 // bumped on every mutation; guards the dirty flag across a sync
	statsFn   func() model.BatchStats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewObject creates an object in the Created state with an empty state map.
func NewObject(name string, kind StateKind, sink Sink, syncInterval time.Duration) *Object {
	return &Object{
		name:         name,
		kind:         kind,
		sink:         sink,
		syncInterval: syncInterval,
		state:        make(map[string]any),
		lifecycle:    StateCreated,
	}
}

func (o *Object) Name() string { return o.name }

func (o *Object) Kind() StateKind { return o.kind }

// Lifecycle returns the current lifecycle state.
func (o *Object) Lifecycle() LifecycleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

// Metadata returns a copy of the sync metadata.
func (o *Object) Metadata() SyncMetadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.meta
}

// SetStatsSource registers a callback whose result is folded into
// metadata.BatchStats on every successful sync. Owners wire their batch
// processor's Stats method here.
func (o *Object) SetStatsSource(fn func() model.BatchStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statsFn = fn
}

// Update runs fn on the state under the object lock. If fn returns an error
// the object is assumed unmodified and the dirty flag is left alone;
// otherwise the object is marked dirty.
func (o *Object) Update(fn func(state map[string]any) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := fn(o.state); err != nil {
		return err
	}
	o.meta.Dirty = true
	o.gen++
	return nil
}

// View runs fn on the state under the object lock for read-only access.
// fn must not retain or mutate the map.
func (o *Object) View(fn func(state map[string]any)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.state)
}

// Restore hydrates state and version from the sink. Valid only before Start.
func (o *Object) Restore(ctx context.Context) error {
	state, version, err := o.sink.Load(ctx, o.name)
	if err != nil {
		return fmt.Errorf("restore %s: %w", o.name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lifecycle != StateCreated {
		return ErrAlreadyStarted
	}
	if state != nil {
		o.state = state
	}
	o.meta.Version = version
	return nil
}

// Start transitions Created → Running and spawns the periodic sync loop.
func (o *Object) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.lifecycle != StateCreated {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.lifecycle = StateRunning

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.syncLoop(runCtx)

	slog.Info("durable: object started",
		"object", o.name, "kind", string(o.kind), "sync_interval", o.syncInterval)
	return nil
}

func (o *Object) syncLoop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Transient failures keep the dirty flag; next tick retries.
			if err := o.Sync(ctx); err != nil {
				slog.Warn("durable: periodic sync failed", "object", o.name, "error", err)
			}
		}
	}
}

// Sync persists the state through the sink if the object is dirty. On success
// it clears dirty, bumps version and sync count, and stamps the sync time.
// A no-op on a clean object.
func (o *Object) Sync(ctx context.Context) error {
	o.mu.Lock()
	if !o.meta.Dirty {
		o.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]any, len(o.state))
	for k, v := range o.state {
		snapshot[k] = v
	}
	version := o.meta.Version + 1
	gen := o.gen
	o.mu.Unlock()

	if err := o.sink.Persist(ctx, o.name, snapshot, version); err != nil {
		return fmt.Errorf("sync %s: %w", o.name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Clear dirty only if nothing mutated while the persist was in flight.
	if o.gen == gen {
		o.meta.Dirty = false
	}
	o.meta.Version = version
	o.meta.SyncCount++
	o.meta.LastSync = time.Now().UTC()
	if o.statsFn != nil {
		o.meta.BatchStats = o.statsFn()
	}
	return nil
}

// Shutdown stops the sync loop and, if the object is dirty, performs one
// final sync that is shielded from cancellation. Safe to call repeatedly;
// calls after the first are no-ops.
func (o *Object) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	switch o.lifecycle {
	case StateStopped, StateShuttingDown:
		o.mu.Unlock()
		return nil
	case StateCreated:
		// Never started; nothing to stop and nothing was promised durable.
		o.lifecycle = StateStopped
		o.mu.Unlock()
		return nil
	}
	o.lifecycle = StateShuttingDown
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done

	// The terminal sync must not be abandoned mid-write.
	err := o.Sync(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.lifecycle = StateStopped
	o.mu.Unlock()

	if err != nil {
		// Potential data loss; callers must see this.
		return fmt.Errorf("shutdown %s: final sync: %w", o.name, err)
	}
	slog.Info("durable: object stopped", "object", o.name, "syncs", o.Metadata().SyncCount)
	return nil
}
