// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, shareTTL, cacheTTL time.Duration) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, shareTTL, cacheTTL), mr
}

func TestShareDedup(t *testing.T) {
	l, _ := newLedger(t, 0, 0)
	ctx := context.Background()

	shared, err := l.AlreadyShared(ctx, "src", "item", "sp-1")
	require.NoError(t, err)
	assert.False(t, shared)

	require.NoError(t, l.MarkShared(ctx, "src", "item", "sp-1"))

	shared, err = l.AlreadyShared(ctx, "src", "item", "sp-1")
	require.NoError(t, err)
	assert.True(t, shared)

	// Different provider, same item: not a duplicate.
	shared, err = l.AlreadyShared(ctx, "src", "item", "sp-2")
	require.NoError(t, err)
	assert.False(t, shared)
}

func TestMarkSharedIsIdempotent(t *testing.T) {
	l, mr := newLedger(t, 0, 0)
	ctx := context.Background()

	require.NoError(t, l.MarkShared(ctx, "src", "item", "sp-1"))
	first, err := mr.Get("share:src:item:sp-1")
	require.NoError(t, err)

	require.NoError(t, l.MarkShared(ctx, "src", "item", "sp-1"))
	second, err := mr.Get("share:src:item:sp-1")
	require.NoError(t, err)

	assert.Equal(t, first, second, "replayed mark must not overwrite the original record")
}

func TestShareTTLExpires(t *testing.T) {
	l, mr := newLedger(t, time.Minute, 0)
	ctx := context.Background()

	require.NoError(t, l.MarkShared(ctx, "src", "item", "sp-1"))
	mr.FastForward(2 * time.Minute)

	shared, err := l.AlreadyShared(ctx, "src", "item", "sp-1")
	require.NoError(t, err)
	assert.False(t, shared)
}

func TestZeroTTLKeepsForever(t *testing.T) {
	l, mr := newLedger(t, 0, 0)
	ctx := context.Background()

	require.NoError(t, l.MarkShared(ctx, "src", "item", "sp-1"))
	mr.FastForward(24 * time.Hour * 365)

	shared, err := l.AlreadyShared(ctx, "src", "item", "sp-1")
	require.NoError(t, err)
	assert.True(t, shared)
}

func TestValueCache(t *testing.T) {
	l, mr := newLedger(t, 0, time.Minute)
	ctx := context.Background()

	val, err := l.CachedValue(ctx, "src", "item")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, l.StoreCached(ctx, "src", "item", json.RawMessage(`{"v":1}`)))

	val, err = l.CachedValue(ctx, "src", "item")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(val))

	mr.FastForward(2 * time.Minute)
	val, err = l.CachedValue(ctx, "src", "item")
	require.NoError(t, err)
	assert.Nil(t, val)
}
