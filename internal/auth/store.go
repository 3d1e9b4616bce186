package auth

import (
	"context"
	"time"
)

// TokenStore defines the persistence contract for issued API tokens.
type TokenStore interface {
	Save(ctx context.Context, token string, identity Identity, expiresAt time.Time) error
	Get(ctx context.Context, token string) (Identity, bool, error)
	Delete(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) error
	Ping(ctx context.Context) error
}
