package models

import "time"

// SessionStatus enumerates the lifecycle states of a live teaching session.
// A session holding a channel while still scheduled is considered reserved;
// reservation is derived from ChannelID rather than stored as its own status.
type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusLive      SessionStatus = "live"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusLive, SessionStatusEnded, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the session can no longer transition.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusEnded || s == SessionStatusCancelled
}

// Channel is one provisioned broadcast ingest slot. Channels are scarce,
// externally provisioned resources; assignment to a session is exclusive.
type Channel struct {
	ID                string     `json:"id"`
	ProviderChannelID string     `json:"providerChannelId"`
	Name              string     `json:"name"`
	IngestEndpoint    string     `json:"ingestEndpoint"`
	PlaybackEndpoint  string     `json:"playbackEndpoint"`
	Enabled           bool       `json:"enabled"`
	Active            bool       `json:"active"`
	AssignedSessionID *string    `json:"assignedSessionId,omitempty"`
	ReservedAt        *time.Time `json:"reservedAt,omitempty"`
	TotalUsageSeconds int64      `json:"totalUsageSeconds"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Session is one scheduled teaching broadcast. Scheduling metadata is owned
// by the course domain; status and channel linkage are mutated here.
type Session struct {
	ID                string        `json:"id"`
	MentorID          string        `json:"mentorId"`
	Title             string        `json:"title"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	DurationMinutes   int           `json:"durationMinutes"`
	Status            SessionStatus `json:"status"`
	ChannelID         *string       `json:"channelId,omitempty"`
	CredentialsIssued bool          `json:"credentialsIssued"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Reserved reports whether the session holds a channel without having gone live.
func (s Session) Reserved() bool {
	return s.Status == SessionStatusScheduled && s.ChannelID != nil
}

// Credentials is the bundle a mentor needs to publish into a channel.
type Credentials struct {
	SessionID      string `json:"sessionId"`
	ChannelID      string `json:"channelId"`
	IngestEndpoint string `json:"ingestEndpoint"`
	StreamKey      string `json:"streamKey"`
	PlaybackURL    string `json:"playbackUrl"`
}

// ChannelStats summarises the pool. Each channel is counted in exactly one
// bucket: active, then reserved, then disabled, then free, so the buckets
// always sum to Total.
type ChannelStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Free     int `json:"free"`
	Reserved int `json:"reserved"`
	Disabled int `json:"disabled"`
}
