package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"classcast/internal/models"
)

// Issuer wraps a Provider with bounded retries and composes the credential
// bundle handed to mentors. Only outages (ErrUnavailable) are retried; a
// rejection is returned as-is.
type Issuer struct {
	provider      Provider
	maxAttempts   int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewIssuer constructs an Issuer. Zero maxAttempts and retryInterval fall
// back to one retry after half a second.
func NewIssuer(provider Provider, maxAttempts int, retryInterval time.Duration, logger *slog.Logger) *Issuer {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if retryInterval <= 0 {
		retryInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		provider:      provider,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Provider exposes the wrapped provider for health reporting.
func (i *Issuer) Provider() Provider {
	return i.provider
}

// Issue mints a stream key for the channel and assembles the credentials for
// the session.
func (i *Issuer) Issue(ctx context.Context, channel models.Channel, session models.Session) (models.Credentials, error) {
	grant, err := i.withRetry(ctx, "issue key", func() (KeyGrant, error) {
		return i.provider.IssueKey(ctx, IssueParams{
			ProviderChannelID: channel.ProviderChannelID,
			SessionID:         session.ID,
		})
	})
	if err != nil {
		return models.Credentials{}, err
	}
	return models.Credentials{
		SessionID:      session.ID,
		ChannelID:      channel.ID,
		IngestEndpoint: channel.IngestEndpoint,
		StreamKey:      grant.StreamKey,
		PlaybackURL:    channel.PlaybackEndpoint,
	}, nil
}

// Revoke invalidates the channel's outstanding stream key.
func (i *Issuer) Revoke(ctx context.Context, channel models.Channel) error {
	_, err := i.withRetry(ctx, "revoke key", func() (KeyGrant, error) {
		return KeyGrant{}, i.provider.RevokeKey(ctx, channel.ProviderChannelID)
	})
	return err
}

func (i *Issuer) withRetry(ctx context.Context, operation string, call func() (KeyGrant, error)) (KeyGrant, error) {
	var lastErr error
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		grant, err := call()
		if err == nil {
			return grant, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return KeyGrant{}, err
		}
		if attempt == i.maxAttempts {
			break
		}
		i.logger.Warn("provider call failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return KeyGrant{}, ctx.Err()
		case <-time.After(i.retryInterval):
		}
	}
	return KeyGrant{}, lastErr
}
