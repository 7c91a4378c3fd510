package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Hello string `json:"hello"`
}

func newTestCache(t *testing.T, enabled bool) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:", enabled), mr
}

func TestGetOrSetFetchesOnce(t *testing.T) {
	c, mr := newTestCache(t, true)
	var calls atomic.Int32
	fetch := func(context.Context) (snapshot, error) {
		calls.Add(1)
		return snapshot{Hello: "world"}, nil
	}

	first, err := GetOrSet(context.Background(), c, "snap", time.Minute, fetch)
	require.NoError(t, err)
	second, err := GetOrSet(context.Background(), c, "snap", time.Minute, fetch)
	require.NoError(t, err)

	assert.Equal(t, "world", first.Hello)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	assert.True(t, mr.Exists("test:snap"))
	assert.Equal(t, time.Minute, mr.TTL("test:snap"))
}

func TestGetOrSetDoesNotCacheErrors(t *testing.T) {
	c, mr := newTestCache(t, true)
	boom := errors.New("HTTP 500")

	_, err := GetOrSet(context.Background(), c, "snap", time.Minute, func(context.Context) (snapshot, error) {
		return snapshot{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("test:snap"))
}

func TestDisabledCacheAlwaysFetches(t *testing.T) {
	c, mr := newTestCache(t, false)
	var calls atomic.Int32
	fetch := func(context.Context) (snapshot, error) {
		calls.Add(1)
		return snapshot{Hello: "again"}, nil
	}

	for range 2 {
		_, err := GetOrSet(context.Background(), c, "snap", time.Minute, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, mr.Exists("test:snap"))
}

func TestGetTreatsEmptyValuesAsMiss(t *testing.T) {
	c, mr := newTestCache(t, true)
	require.NoError(t, mr.Set("test:empty", "{}"))
	require.NoError(t, mr.Set("test:broken", "{not json"))

	var dst snapshot
	ok, err := c.Get(context.Background(), "empty", &dst)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Get(context.Background(), "broken", &dst)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(context.Background(), "full", snapshot{Hello: "x"}, 0))
	assert.Equal(t, DefaultTTL, mr.TTL("test:full"))
	require.NoError(t, c.Delete(context.Background(), "full"))
	assert.False(t, mr.Exists("test:full"))
}
