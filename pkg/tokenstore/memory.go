package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process memory. Tokens do not survive a restart,
// which only costs a re-mint.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

func (m *MemoryStore) Put(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.Key] = tok
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.ExpiresWithin(m.now(), 0) {
		return nil, ErrTokenExpired
	}
	return &tok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStore) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, tok := range m.tokens {
		if tok.ExpiresWithin(now, 0) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}
