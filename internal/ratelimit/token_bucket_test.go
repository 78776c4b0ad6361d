package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucketExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 0)
	key := ProviderKey("shopify")

	allowed, left, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 1, left, 0.01)

	allowed, _, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, left, err = bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Less(t, left, 1.0)
}

func TestTokenBucketIsolatesProviders(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 0)

	allowed, _, err := bucket.Allow(ctx, ProviderKey("ebay"))
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, _ = bucket.Allow(ctx, ProviderKey("ebay"))
	assert.False(t, allowed)

	// Draining eBay's bucket must not touch Joom's.
	allowed, _, err = bucket.Allow(ctx, ProviderKey("joom"))
	require.NoError(t, err)
	assert.True(t, allowed)
}

// Refill cannot be exercised against miniredis FastForward because the
// script takes its clock from the caller, so only capacity behavior is
// covered here.
