// Package idempotency provides the ledger that makes side-effecting
// operations safe to replay. Callers build a deterministic key for the
// operation, check the ledger before acting, and record the key after the
// effect lands.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Ledger records operation keys that have already produced their effect,
// together with the result of that effect.
type Ledger interface {
	// Lookup returns the stored result for a recorded key. An unrecorded
	// key returns (nil, false, nil).
	Lookup(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Record marks the key as done with the operation's result. Recording
	// an existing key is a no-op; the first writer's result is kept.
	Record(ctx context.Context, key string, result json.RawMessage) error
}

// Key builds a deterministic ledger key for an operation on an entity.
// Operations that may legitimately repeat over time (inventory syncs,
// publishes) pass a nonzero bucket so the key rolls over; a zero bucket
// keys the operation on kind and entity alone.
func Key(kind, entityID string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		return fmt.Sprintf("%s:%s", kind, entityID)
	}
	window := at.UTC().Truncate(bucket).Unix()
	return fmt.Sprintf("%s:%s:%d", kind, entityID, window)
}

// MemoryLedger is an in-process Ledger for tests and single-node use.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]json.RawMessage
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]json.RawMessage)}
}

func (m *MemoryLedger) Lookup(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.keys[key]
	return result, ok, nil
}

func (m *MemoryLedger) Record(_ context.Context, key string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return nil
	}
	m.keys[key] = result
	return nil
}
