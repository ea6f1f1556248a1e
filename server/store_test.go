package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreScalars(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Millisecond))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreHashes(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}, 0))
	// Partial update merges.
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "3"}, 0))

	v, err := s.HGet(ctx, "h", "b")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, all)

	_, err = s.HGet(ctx, "h", "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	// Absent hash reads as empty, not an error.
	all, err = s.HGetAll(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemStoreIncr(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "counter", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestMemStoreTTL(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}

func TestMemStoreBatch(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "old", "x", 0))

	err := s.Batch(ctx, func(b Batch) {
		b.Del("old")
		b.Set("new", "y", 0)
		b.HSet("h", map[string]string{"f": "1"}, 0)
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	v, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "y", v)
	f, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "1", f)
}

func TestMemStorePubSub(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ch, cancel := s.Subscribe(ctx, "events")
	defer cancel()

	require.NoError(t, s.Publish(ctx, "events", "m1"))

	select {
	case got := <-ch:
		assert.Equal(t, "m1", got)
	case <-time.After(time.Second):
		t.Fatal("subscription never delivered")
	}
}
