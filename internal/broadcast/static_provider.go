package broadcast

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
)

// StaticProvider derives stream keys locally from a shared secret. The media
// server holds the same secret and can validate keys without a control-plane
// round trip. Revocation bumps a per-channel rotation counter, which changes
// the derived key.
type StaticProvider struct {
	secret string

	mu        sync.Mutex
	rotations map[string]uint64
}

// NewStaticProvider constructs a StaticProvider with the given shared secret.
func NewStaticProvider(secret string) *StaticProvider {
	return &StaticProvider{
		secret:    secret,
		rotations: make(map[string]uint64),
	}
}

func (p *StaticProvider) IssueKey(ctx context.Context, params IssueParams) (KeyGrant, error) {
	if params.ProviderChannelID == "" {
		return KeyGrant{}, fmt.Errorf("providerChannelID is required")
	}
	p.mu.Lock()
	rotation := p.rotations[params.ProviderChannelID]
	p.mu.Unlock()
	return KeyGrant{StreamKey: deriveStreamKey(p.secret, params.ProviderChannelID, rotation)}, nil
}

func (p *StaticProvider) RevokeKey(ctx context.Context, providerChannelID string) error {
	if providerChannelID == "" {
		return fmt.Errorf("providerChannelID is required")
	}
	p.mu.Lock()
	p.rotations[providerChannelID]++
	p.mu.Unlock()
	return nil
}

// ProvisionChannel returns an empty result; static deployments register
// channel endpoints through the admin console instead.
func (p *StaticProvider) ProvisionChannel(ctx context.Context, params ProvisionParams) (ProvisionResult, error) {
	return ProvisionResult{}, nil
}

func (p *StaticProvider) HealthChecks(ctx context.Context) []HealthStatus {
	return []HealthStatus{{Component: "provider", Status: "ok", Detail: "static key derivation"}}
}

// Authorize reports whether key matches the channel's current rotation. The
// media server's publish hook uses this to admit or reject an encoder.
func (p *StaticProvider) Authorize(providerChannelID, key string) bool {
	p.mu.Lock()
	rotation := p.rotations[providerChannelID]
	p.mu.Unlock()
	expected := deriveStreamKey(p.secret, providerChannelID, rotation)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(key)) == 1
}
