package durable

import (
	"time"

	"bimaledger/internal/model"
)

// SyncMetadata is per-object sync bookkeeping. Dirty is set on every state
// mutation and cleared only after a confirmed successful sync. Version and
// SyncCount increment once per successful sync; Version is handed to the sink
// for optimistic-concurrency detection.
type SyncMetadata struct {
	LastSync   time.Time        `json:"last_sync"`
	SyncCount  int64            `json:"sync_count"`
	Dirty      bool             `json:"dirty"`
	Version    int64            `json:"version"`
	BatchStats model.BatchStats `json:"batch_stats"`
}
