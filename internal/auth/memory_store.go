package auth

import (
	"context"
	"sync"
	"time"
)

type memoryTokenRecord struct {
	identity  Identity
	expiresAt time.Time
}

// MemoryTokenStore keeps tokens in-memory. It is safe for concurrent use and
// primarily intended for development or single-instance deployments.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]memoryTokenRecord
}

// NewMemoryTokenStore constructs an in-memory store implementation.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]memoryTokenRecord)}
}

// Save records the identity for the provided token.
func (s *MemoryTokenStore) Save(_ context.Context, token string, identity Identity, expiresAt time.Time) error {
	s.mu.Lock()
	s.tokens[token] = memoryTokenRecord{identity: identity, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Get retrieves the identity for the provided token. Expired tokens are
// dropped on read.
func (s *MemoryTokenStore) Get(_ context.Context, token string) (Identity, bool, error) {
	s.mu.RLock()
	record, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, false, nil
	}
	if time.Now().After(record.expiresAt) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
		return Identity{}, false, nil
	}
	return record.identity, true, nil
}

// Delete removes the token from the store.
func (s *MemoryTokenStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes any expired tokens from the store.
func (s *MemoryTokenStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for token, record := range s.tokens {
		if now.After(record.expiresAt) {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryTokenStore) Ping(context.Context) error {
	return nil
}
