package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWithoutBucket(t *testing.T) {
	k := Key("order_sync", "ord-1", time.Now(), 0)
	assert.Equal(t, "order_sync:ord-1", k)

	// Time must not influence unbucketed keys.
	later := Key("order_sync", "ord-1", time.Now().Add(48*time.Hour), 0)
	assert.Equal(t, k, later)
}

func TestKeyBucketRollover(t *testing.T) {
	base := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	bucket := 24 * time.Hour

	sameDay := Key("publish", "p1", base.Add(10*time.Hour), bucket)
	assert.Equal(t, Key("publish", "p1", base, bucket), sameDay)

	nextDay := Key("publish", "p1", base.Add(25*time.Hour), bucket)
	assert.NotEqual(t, sameDay, nextDay)
}

func TestKeySeparatesKindAndEntity(t *testing.T) {
	at := time.Now()
	assert.NotEqual(t, Key("a", "x", at, 0), Key("b", "x", at, 0))
	assert.NotEqual(t, Key("a", "x", at, 0), Key("a", "y", at, 0))
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	_, ok, err := l.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(ctx, "k1", json.RawMessage(`{"n":1}`)))

	result, ok, err := l.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(result))
}

func TestMemoryLedgerFirstResultWins(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	require.NoError(t, l.Record(ctx, "k2", json.RawMessage(`{"winner":true}`)))
	// A second record for the same key is a no-op and must not replace
	// the stored result.
	require.NoError(t, l.Record(ctx, "k2", json.RawMessage(`{"winner":false}`)))

	result, ok, err := l.Lookup(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"winner":true}`, string(result))
}
