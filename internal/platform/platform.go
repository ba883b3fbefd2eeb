// Package platform is the sharded front door to the durable objects: it
// hashes entity ids onto a fixed shard array and lazily creates, restores,
// and starts ledgers, claim batchers, and policy registries on first use.
package platform

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"bimaledger/internal/batch"
	"bimaledger/internal/claims"
	"bimaledger/internal/durable"
	"bimaledger/internal/ledger"
	"bimaledger/internal/model"
	"bimaledger/internal/policy"
)

// DefaultShardCount spreads object ownership without oversizing the array.
const DefaultShardCount = 16

// Deps are the injected sink implementations shared by every object.
type Deps struct {
	StateStore durable.Sink
	UsageSink  batch.FlushFunc[model.CreditUsage]
	ClaimSink  batch.FlushFunc[model.ClaimRecord]

	// UsageDrop, when set, observes usage batches dropped after exhausting
	// retries, e.g. to publish a recovery notice on the bus.
	UsageDrop batch.DropFunc[model.CreditUsage]
}

// Options tune the objects the platform creates.
type Options struct {
	ShardCount     int
	SyncInterval   time.Duration
	Batch          batch.Config
	InitialCredits float64
}

func (o *Options) applyDefaults() {
	if o.ShardCount <= 0 {
		o.ShardCount = DefaultShardCount
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Second
	}
	if o.Batch == (batch.Config{}) {
		o.Batch = batch.DefaultConfig()
	}
}

type shard struct {
	mu         sync.Mutex
	ledgers    map[string]*ledger.Ledger
	batchers   map[string]*claims.Batcher
	registries map[string]*policy.Registry
}

func newShard() *shard {
	return &shard{
		ledgers:    make(map[string]*ledger.Ledger),
		batchers:   make(map[string]*claims.Batcher),
		registries: make(map[string]*policy.Registry),
	}
}

// Platform owns the shard array and the get-or-create accessors.
type Platform struct {
	deps   Deps
	opts   Options
	shards []*shard
}

func New(deps Deps, opts Options) *Platform {
	opts.applyDefaults()
	shards := make([]*shard, opts.ShardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Platform{deps: deps, opts: opts, shards: shards}
}

func (p *Platform) shardFor(entityID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Ledger returns the credit ledger for a model, creating, restoring, and
// starting it on first access.
func (p *Platform) Ledger(ctx context.Context, modelID string) (*ledger.Ledger, error) {
	s := p.shardFor(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.ledgers[modelID]; ok {
		return l, nil
	}
	var opts []batch.Option[model.CreditUsage]
	if p.deps.UsageDrop != nil {
		opts = append(opts, batch.WithDropHandler(p.deps.UsageDrop))
	}
	l, err := ledger.New(modelID, p.deps.StateStore, ledger.Config{
		InitialBalance: p.opts.InitialCredits,
		SyncInterval:   p.opts.SyncInterval,
		Batch:          p.opts.Batch,
	}, p.deps.UsageSink, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.Restore(ctx); err != nil {
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		return nil, err
	}
	s.ledgers[modelID] = l
	return l, nil
}

// ClaimsBatcher returns the claim batcher for a SACCO, creating it on first
// access.
func (p *Platform) ClaimsBatcher(ctx context.Context, saccoID string) (*claims.Batcher, error) {
	s := p.shardFor(saccoID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.batchers[saccoID]; ok {
		return b, nil
	}
	b, err := claims.New(saccoID, p.deps.StateStore, claims.Config{
		SyncInterval: p.opts.SyncInterval,
		Batch:        p.opts.Batch,
	}, p.deps.ClaimSink)
	if err != nil {
		return nil, err
	}
	if err := b.Restore(ctx); err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		return nil, err
	}
	s.batchers[saccoID] = b
	return b, nil
}

// PolicyRegistry returns the policy registry for a SACCO, creating it on
// first access.
func (p *Platform) PolicyRegistry(ctx context.Context, saccoID string) (*policy.Registry, error) {
	s := p.shardFor(saccoID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.registries[saccoID]; ok {
		return r, nil
	}
	r := policy.New(saccoID, p.deps.StateStore, p.opts.SyncInterval)
	if err := r.Restore(ctx); err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	s.registries[saccoID] = r
	return r, nil
}

// SpendCredits debits a model's ledger. The protected region is a no-op here;
// command callers spend credits for work already performed.
func (p *Platform) SpendCredits(ctx context.Context, modelID string, amount float64, meta map[string]string) error {
	l, err := p.Ledger(ctx, modelID)
	if err != nil {
		return err
	}
	return l.UseCredits(ctx, amount, meta, nil)
}

// SubmitClaim runs the end-to-end intake pipeline: verify the vehicle holds
// an active policy, enqueue the claim for batched persistence, and attach the
// claim reference to the policy.
func (p *Platform) SubmitClaim(ctx context.Context, saccoID, vehicleReg string, amount float64, fields map[string]any) (model.ClaimRecord, error) {
	reg, err := p.PolicyRegistry(ctx, saccoID)
	if err != nil {
		return model.ClaimRecord{}, err
	}
	if !reg.HasActivePolicy(vehicleReg) {
		return model.ClaimRecord{}, policy.ErrNoActivePolicy
	}

	b, err := p.ClaimsBatcher(ctx, saccoID)
	if err != nil {
		return model.ClaimRecord{}, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["vehicle_reg"] = vehicleReg
	fields["amount"] = amount
	record, err := b.AddClaim(ctx, fields)
	if err != nil {
		return model.ClaimRecord{}, err
	}

	if err := reg.AttachClaim(vehicleReg, record.ID, amount); err != nil {
		return model.ClaimRecord{}, err
	}
	return record, nil
}

// SubmitClaimCommand adapts SubmitClaim for command transports that only
// care about success.
func (p *Platform) SubmitClaimCommand(ctx context.Context, saccoID, vehicleReg string, amount float64, fields map[string]any) error {
	_, err := p.SubmitClaim(ctx, saccoID, vehicleReg, amount, fields)
	return err
}

// Shutdown stops every live object across all shards, draining batch queues
// and forcing final syncs. Errors are collected, not short-circuited.
func (p *Platform) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range p.shards {
		s.mu.Lock()
		for _, l := range s.ledgers {
			errs = append(errs, l.Shutdown(ctx))
		}
		for _, b := range s.batchers {
			errs = append(errs, b.Shutdown(ctx))
		}
		for _, r := range s.registries {
			errs = append(errs, r.Shutdown(ctx))
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
