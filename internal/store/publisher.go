package store

import (
	"context"
	"encoding/json"
	"fmt"

	"bimaledger/internal/model"
)

// Bus topics shared between the publisher, the usage worker, and the command
// handler.
const (
	TopicUsageRecorded = "usage.recorded"
	TopicBatchDropped  = "batches.dropped"
)

// UsagePublisher is the ledger's batch sink: each flushed batch of usage
// records goes out as one bus message for the usage worker to persist.
type UsagePublisher struct {
	bus MessageBus
}

func NewUsagePublisher(bus MessageBus) *UsagePublisher {
	return &UsagePublisher{bus: bus}
}

// Flush publishes one batch of usage events.
func (p *UsagePublisher) Flush(ctx context.Context, items []model.CreditUsage) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("store: marshal usage batch: %w", err)
	}
	if err := p.bus.Publish(TopicUsageRecorded, data); err != nil {
		return fmt.Errorf("store: publish usage batch: %w", err)
	}
	return nil
}

// DropNotice reports a batch dropped after exhausting retries, so the lost
// items remain recoverable downstream.
type DropNotice struct {
	Object string              `json:"object"`
	Reason string              `json:"reason"`
	Usage  []model.CreditUsage `json:"usage,omitempty"`
}

// PublishDrop emits a drop notice on the bus. Failures are returned for the
// caller to log; there is no retry on the notice itself.
func (p *UsagePublisher) PublishDrop(object string, items []model.CreditUsage, cause error) error {
	notice := DropNotice{Object: object, Reason: cause.Error(), Usage: items}
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("store: marshal drop notice: %w", err)
	}
	if err := p.bus.Publish(TopicBatchDropped, data); err != nil {
		return fmt.Errorf("store: publish drop notice: %w", err)
	}
	return nil
}
