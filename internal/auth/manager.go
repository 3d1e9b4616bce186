package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Option configures a Manager instance.
type Option func(*Manager)

// WithStore injects a custom TokenStore implementation.
func WithStore(store TokenStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithStaticTokens seeds long-lived tokens resolved before the store is
// consulted. These back service accounts and local development.
func WithStaticTokens(tokens map[string]Identity) Option {
	return func(m *Manager) {
		for token, identity := range tokens {
			m.static[token] = identity
		}
	}
}

// WithTokenLength sets the token length used for newly issued tokens.
func WithTokenLength(length int) Option {
	return func(m *Manager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// Manager issues and validates API tokens against a backing store.
type Manager struct {
	store        TokenStore
	static       map[string]Identity
	ttl          time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
}

// NewManager constructs a Manager with the provided token TTL and options.
// It defaults to a 24-hour TTL and an in-memory store when none is supplied.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	manager := &Manager{
		static:       make(map[string]Identity),
		ttl:          ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryTokenStore()
	}
	return manager
}

// Create issues a new token for the provided identity.
func (m *Manager) Create(ctx context.Context, identity Identity) (string, time.Time, error) {
	if err := identity.Validate(); err != nil {
		return "", time.Time{}, err
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(m.ttl).UTC()
	if err := m.store.Save(ctx, token, identity, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate resolves the token to an identity. Static tokens are checked
// before the backing store.
func (m *Manager) Validate(ctx context.Context, token string) (Identity, bool, error) {
	if token == "" {
		return Identity{}, false, nil
	}
	if identity, ok := m.static[token]; ok {
		return identity, true, nil
	}
	return m.store.Get(ctx, token)
}

// Revoke deletes the token from the backing store. Static tokens cannot be
// revoked at runtime.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, token)
}

// PurgeExpired removes any expired tokens from the backing store.
func (m *Manager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, time.Now())
}

// Ping verifies the underlying token store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Ping(ctx)
}

// ParseStaticTokens parses a comma-separated token spec of the form
// "token=role:userID" or "token=role:userID:mentorID".
func ParseStaticTokens(spec string) (map[string]Identity, error) {
	tokens := make(map[string]Identity)
	for _, entry := range strings.Split(spec, ",") {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		token, value, found := strings.Cut(trimmed, "=")
		if !found {
			return nil, fmt.Errorf("invalid token entry %q", trimmed)
		}
		token = strings.TrimSpace(token)
		parts := strings.Split(value, ":")
		if token == "" || len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid token entry %q", trimmed)
		}
		identity := Identity{
			Role:   Role(strings.TrimSpace(parts[0])),
			UserID: strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			identity.MentorID = strings.TrimSpace(parts[2])
		}
		if err := identity.Validate(); err != nil {
			return nil, fmt.Errorf("invalid token entry %q: %w", trimmed, err)
		}
		tokens[token] = identity
	}
	return tokens, nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
