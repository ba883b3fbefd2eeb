package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bimaledger/internal/model"
)

// ClaimStore bulk-inserts flushed claim batches. Inserts are keyed on
// claim_id so a retried batch never duplicates rows.
type ClaimStore struct {
	pool *pgxpool.Pool
}

func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

// Flush persists one batch of claims in a single round trip.
func (s *ClaimStore) Flush(ctx context.Context, items []model.ClaimRecord) error {
	b := &pgx.Batch{}
	for _, c := range items {
		payload, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Errorf("store: marshal claim %s: %w", c.ID, err)
		}
		b.Queue(`
			INSERT INTO claims (claim_id, sacco_id, submitted_at, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (claim_id) DO NOTHING`,
			c.ID, c.SaccoID, c.SubmittedAt, payload,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range items {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: insert claims batch: %w", err)
		}
	}
	return nil
}

// UsageStore persists credit usage events. Inserts are keyed on usage_id so
// at-least-once delivery from the bus stays idempotent.
type UsageStore struct {
	pool *pgxpool.Pool
}

func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

// InsertBatch persists one batch of usage events in a single round trip.
func (s *UsageStore) InsertBatch(ctx context.Context, events []model.CreditUsage) error {
	b := &pgx.Batch{}
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal usage %s: %w", e.ID, err)
		}
		b.Queue(`
			INSERT INTO credit_usage (usage_id, model_id, credits_used, recorded_at, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (usage_id) DO NOTHING`,
			e.ID, e.ModelID, e.CreditsUsed, e.RecordedAt, meta,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: insert usage batch: %w", err)
		}
	}
	return nil
}
