package store

import (
	"context"
	"encoding/json"
	"fmt"

	"marketsync/internal/idempotency"
)

// Ledger returns the durable idempotency ledger backed by the
// idempotency_keys table.
func (s *Store) Ledger() idempotency.Ledger {
	return &pgLedger{q: &s.queries}
}

type pgLedger struct {
	q *queries
}

func (l *pgLedger) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var result []byte
	err := l.q.db.QueryRow(ctx, `
		SELECT result FROM idempotency_keys WHERE key = $1
	`, key).Scan(&result)
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("look up idempotency key: %w", err)
	}
	return result, true, nil
}

// Record inserts the key with its result. ON CONFLICT DO NOTHING keeps the
// first writer's result when two executions race on the same key.
func (l *pgLedger) Record(ctx context.Context, key string, result json.RawMessage) error {
	_, err := l.q.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, result, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key, result)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}
