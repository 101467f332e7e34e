// Package tokenstore caches short-lived credentials, such as repository
// push tokens, so they are minted once and reused until shortly before
// they expire.
package tokenstore

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token is one cached credential.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the token is expired, or will be within d of now.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(t.ExpiresAt)
}

// Store persists tokens by key.
type Store interface {
	// Put stores or replaces a token.
	Put(ctx context.Context, tok Token) error
	// Get returns ErrTokenNotFound or ErrTokenExpired when no usable token exists.
	Get(ctx context.Context, key string) (*Token, error)
	Delete(ctx context.Context, key string) error
	// Prune removes expired tokens and returns how many were removed.
	Prune(ctx context.Context) (int, error)
}

// MintFunc creates a fresh credential. A zero expiresAt means the value is
// used once and not cached.
type MintFunc func(ctx context.Context) (value string, expiresAt time.Time, err error)

// Cache fronts a Store. It serves a cached token while more than skew of
// its lifetime remains and mints a new one otherwise. Concurrent misses on
// the same key share a single mint.
type Cache struct {
	store Store
	skew  time.Duration
	now   func() time.Time
	group singleflight.Group
}

// NewCache wraps store. Tokens are refreshed skew before they expire.
func NewCache(store Store, skew time.Duration) *Cache {
	return &Cache{store: store, skew: skew, now: time.Now}
}

// Get returns the cached value for key, minting it when missing or stale.
func (c *Cache) Get(ctx context.Context, key string, mint MintFunc) (string, error) {
	if tok, err := c.store.Get(ctx, key); err == nil && !tok.ExpiresWithin(c.now(), c.skew) {
		return tok.Value, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		value, expiresAt, err := mint(ctx)
		if err != nil {
			return "", err
		}
		if !expiresAt.IsZero() {
			// A value that cannot be cached is still good for this caller.
			_ = c.store.Put(ctx, Token{Key: key, Value: value, ExpiresAt: expiresAt})
		}
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops key so the next Get mints again.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}
