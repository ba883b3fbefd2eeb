// Package store holds the sink implementations the durable core is wired to:
// Redis for versioned object state, Postgres for usage and claim records, and
// the message bus publisher for flushed usage events.
package store

import (
	"context"
	"encoding/json"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bimaledger/internal/durable"
)

//go:embed persist.lua
var persistLuaScript string

const stateKeyPrefix = "durable:"

// RedisStateStore persists durable object state in a Redis hash per object,
// guarded by a Lua check-and-set on the version field. Implements
// durable.Sink.
type RedisStateStore struct {
	rdb *redis.Client
}

func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

// Persist writes the state snapshot at the given version. A duplicate write
// at the already-stored version succeeds without effect; any other version
// mismatch returns durable.ErrStateConflict.
func (s *RedisStateStore) Persist(ctx context.Context, name string, state map[string]any, version int64) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state for %s: %w", name, err)
	}

	keys := []string{stateKeyPrefix + name}
	args := []interface{}{string(payload), version, time.Now().UTC().Format(time.RFC3339)}

	result, err := s.rdb.Eval(ctx, persistLuaScript, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("store: persist %s: %w", name, err)
	}

	status, ok := result.(int64)
	if !ok {
		return fmt.Errorf("store: unexpected response persisting %s: %v", name, result)
	}
	switch status {
	case 1, 0:
		return nil
	case -1:
		return fmt.Errorf("%w: %s at version %d", durable.ErrStateConflict, name, version)
	default:
		return fmt.Errorf("store: unknown status %d persisting %s", status, name)
	}
}

// Load reads the stored state and version for an object. A missing key
// yields (nil, 0, nil).
func (s *RedisStateStore) Load(ctx context.Context, name string) (map[string]any, int64, error) {
	raw, err := s.rdb.HGetAll(ctx, stateKeyPrefix+name).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("store: load %s: %w", name, err)
	}
	if len(raw) == 0 {
		return nil, 0, nil
	}

	var state map[string]any
	if payload := raw["state"]; payload != "" {
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			return nil, 0, fmt.Errorf("store: decode state for %s: %w", name, err)
		}
	}
	var version int64
	if v := raw["version"]; v != "" {
		version, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("store: decode version for %s: %w", name, err)
		}
	}
	return state, version, nil
}

// Delete removes an object's stored state. Used by operational tooling, not
// by the sync path.
func (s *RedisStateStore) Delete(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, stateKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return nil
}

var _ durable.Sink = (*RedisStateStore)(nil)
