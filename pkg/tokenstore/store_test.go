package tokenstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newClockedStore() (*MemoryStore, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.now = c.now
	return s, c
}

func TestMemoryStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, c := newClockedStore()

	require.NoError(t, s.Put(ctx, Token{Key: "k", Value: "v", ExpiresAt: c.t.Add(time.Hour)}))
	tok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", tok.Value)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	c.t = c.t.Add(time.Hour)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMemoryStore_Prune(t *testing.T) {
	ctx := context.Background()
	s, c := newClockedStore()
	_ = s.Put(ctx, Token{Key: "old", Value: "1", ExpiresAt: c.t.Add(time.Minute)})
	_ = s.Put(ctx, Token{Key: "new", Value: "2", ExpiresAt: c.t.Add(time.Hour)})

	c.t = c.t.Add(10 * time.Minute)
	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "new"))
	_, err = s.Get(ctx, "new")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestToken_ExpiresWithin(t *testing.T) {
	now := time.Now()
	tok := Token{ExpiresAt: now.Add(10 * time.Minute)}
	assert.False(t, tok.ExpiresWithin(now, 5*time.Minute))
	assert.True(t, tok.ExpiresWithin(now, 10*time.Minute))
}

func TestCache_MintsOnceAndRefreshesEarly(t *testing.T) {
	ctx := context.Background()
	s, c := newClockedStore()
	cache := NewCache(s, 5*time.Minute)
	cache.now = c.now

	var mints int
	mint := func(context.Context) (string, time.Time, error) {
		mints++
		return "tok", c.t.Add(time.Hour), nil
	}

	for i := 0; i < 3; i++ {
		v, err := cache.Get(ctx, "repo", mint)
		require.NoError(t, err)
		assert.Equal(t, "tok", v)
	}
	assert.Equal(t, 1, mints)

	// Inside the refresh window the store still holds it, but the cache re-mints.
	c.t = c.t.Add(56 * time.Minute)
	_, err := cache.Get(ctx, "repo", mint)
	require.NoError(t, err)
	assert.Equal(t, 2, mints)
}

func TestCache_MintErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore(), time.Minute)
	boom := errors.New("forge down")

	_, err := cache.Get(ctx, "k", func(context.Context) (string, time.Time, error) {
		return "", time.Time{}, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := cache.Get(ctx, "k", func(context.Context) (string, time.Time, error) {
		return "ok", time.Now().Add(time.Hour), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCache_ZeroExpiryIsNotStored(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	cache := NewCache(s, time.Minute)

	_, err := cache.Get(ctx, "k", func(context.Context) (string, time.Time, error) {
		return "once", time.Time{}, nil
	})
	require.NoError(t, err)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCache_ConcurrentMissesShareMint(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore(), time.Minute)
	var mints atomic.Int32
	release := make(chan struct{})

	mint := func(context.Context) (string, time.Time, error) {
		mints.Add(1)
		<-release
		return "shared", time.Now().Add(time.Hour), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Get(ctx, "k", mint)
		}(i)
	}
	// Let every goroutine reach the flight before the mint returns.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.Equal(t, int32(1), mints.Load())
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(NewMemoryStore(), time.Minute)
	n := 0
	mint := func(context.Context) (string, time.Time, error) {
		n++
		return "v", time.Now().Add(time.Hour), nil
	}
	_, _ = cache.Get(ctx, "k", mint)
	require.NoError(t, cache.Invalidate(ctx, "k"))
	_, _ = cache.Get(ctx, "k", mint)
	assert.Equal(t, 2, n)
}
