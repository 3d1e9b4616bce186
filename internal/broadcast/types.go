package broadcast

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures and 5xx responses from the
// streaming provider. Callers surface it as a temporary outage rather than a
// client fault.
var ErrUnavailable = errors.New("streaming provider unavailable")

// IssueParams identifies the channel a stream key is minted for.
type IssueParams struct {
	// ProviderChannelID is the channel's identifier on the provider side,
	// not the pool's own channel id.
	ProviderChannelID string

	// SessionID ties the grant to a teaching session for provider-side
	// auditing. Providers that do not track sessions may ignore it.
	SessionID string
}

// KeyGrant is a stream key minted by the provider. Keys are valid until
// revoked; rotation revokes the previous key as a side effect.
type KeyGrant struct {
	StreamKey string `json:"streamKey"`
}

// ProvisionParams describes a new ingest channel to create on the provider.
type ProvisionParams struct {
	Name string `json:"name"`
}

// ProvisionResult reports the endpoints of a newly provisioned channel.
type ProvisionResult struct {
	ProviderChannelID string `json:"providerChannelId"`
	IngestEndpoint    string `json:"ingestEndpoint"`
	PlaybackEndpoint  string `json:"playbackEndpoint"`
}

// HealthStatus captures the availability of the external streaming provider.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Provider mints and revokes stream keys and provisions ingest channels on
// the external streaming platform.
//
// Implementations should be safe for concurrent use.
type Provider interface {
	// IssueKey mints a stream key for the channel. Issuing again for the
	// same channel invalidates the previous key.
	IssueKey(ctx context.Context, params IssueParams) (KeyGrant, error)

	// RevokeKey invalidates the channel's outstanding stream key. Revoking
	// a channel with no outstanding key is a no-op.
	RevokeKey(ctx context.Context, providerChannelID string) error

	// ProvisionChannel creates a new ingest channel on the provider and
	// returns its endpoints.
	ProvisionChannel(ctx context.Context, params ProvisionParams) (ProvisionResult, error)

	// HealthChecks returns a snapshot of provider availability.
	HealthChecks(ctx context.Context) []HealthStatus
}

// NoopProvider is a Provider used in tests and in deployments where no
// external streaming platform is configured. Keys are minted locally and
// revocation is a no-op.
type NoopProvider struct{}

// IssueKey returns a locally generated random key.
func (NoopProvider) IssueKey(ctx context.Context, params IssueParams) (KeyGrant, error) {
	key, err := randomStreamKey()
	if err != nil {
		return KeyGrant{}, err
	}
	return KeyGrant{StreamKey: key}, nil
}

// RevokeKey performs no work and always returns nil.
func (NoopProvider) RevokeKey(ctx context.Context, providerChannelID string) error {
	return nil
}

// ProvisionChannel returns an empty result; callers supply endpoints
// themselves when no provider is configured.
func (NoopProvider) ProvisionChannel(ctx context.Context, params ProvisionParams) (ProvisionResult, error) {
	return ProvisionResult{}, nil
}

// HealthChecks reports that the provider integration is disabled.
func (NoopProvider) HealthChecks(ctx context.Context) []HealthStatus {
	return []HealthStatus{{Component: "provider", Status: "disabled"}}
}
