package storage

import (
	"context"
	"time"

	"classcast/internal/models"
)

// CreateChannelParams captures the fields recorded when a channel is
// provisioned.
type CreateChannelParams struct {
	ProviderChannelID string
	Name              string
	IngestEndpoint    string
	PlaybackEndpoint  string
	Enabled           bool
}

// CreateSessionParams captures the fields recorded when a session is
// scheduled.
type CreateSessionParams struct {
	MentorID        string
	Title           string
	ScheduledAt     time.Time
	DurationMinutes int
}

// Repository is the persistence contract shared by the JSON-file and
// Postgres datastores. All pool mutations are atomic with respect to
// concurrent callers: two reservations never select the same channel, and
// lifecycle transitions are compare-and-swap on the current status.
type Repository interface {
	CreateChannel(ctx context.Context, params CreateChannelParams) (models.Channel, error)
	GetChannel(ctx context.Context, id string) (models.Channel, error)
	ListChannels(ctx context.Context) ([]models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	SetChannelEnabled(ctx context.Context, id string, enabled bool) (models.Channel, error)
	ChannelStats(ctx context.Context) (models.ChannelStats, error)

	// ReserveChannel links the longest-idle free channel to the session.
	// It is idempotent: a session that already holds a channel gets that
	// channel back. Returns ErrNoFreeChannels on exhaustion.
	ReserveChannel(ctx context.Context, sessionID string) (models.Channel, error)

	// ReleaseChannel returns the session's channel to the pool. The second
	// return value reports whether a channel was actually held; releasing a
	// session that holds nothing is a no-op, not an error.
	ReleaseChannel(ctx context.Context, sessionID string) (models.Channel, bool, error)

	// MarkChannelActive flags the session's channel as carrying a live
	// broadcast. Returns ErrNotReserved when the session holds no channel.
	MarkChannelActive(ctx context.Context, sessionID string) (models.Channel, error)

	// ExpiredReservations lists channels held without going live for longer
	// than ttl.
	ExpiredReservations(ctx context.Context, ttl time.Duration) ([]models.Channel, error)

	// ReclaimChannel atomically releases the channel when it is still
	// assigned, inactive, and past ttl. It reports false when the
	// reservation went live or was released in the meantime.
	ReclaimChannel(ctx context.Context, channelID string, ttl time.Duration) (models.Channel, models.Session, bool, error)

	CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	ListSessions(ctx context.Context, mentorID string) ([]models.Session, error)
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
	MarkSessionLive(ctx context.Context, id string) (models.Session, error)
	CompleteSession(ctx context.Context, id string) (models.Session, error)
	CancelSession(ctx context.Context, id string) (models.Session, error)
	SetCredentialsIssued(ctx context.Context, id string, issued bool) (models.Session, error)

	Ping(ctx context.Context) error
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
