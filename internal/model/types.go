package model

import "time"

// BatchStats counts items that made it through a batch sink and items that
// were dropped after exhausting retries.
type BatchStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// CreditUsage is one successful credit debit. It is both the in-memory audit
// record kept on the ledger and the wire event published to the bus, so the
// usage worker can replay it into Postgres idempotently (usage_id is the key).
type CreditUsage struct {
	ID          string            `json:"usage_id"`
	ModelID     string            `json:"model_id"`
	CreditsUsed float64           `json:"credits_used"`
	RecordedAt  time.Time         `json:"recorded_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ClaimRecord is a raw claim submission stamped at enqueue time with its
// SACCO and submission timestamp.
type ClaimRecord struct {
	ID          string         `json:"claim_id"`
	SaccoID     string         `json:"sacco_id"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Fields      map[string]any `json:"fields"`
}
