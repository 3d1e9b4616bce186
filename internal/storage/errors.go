package storage

import "errors"

var (
	// ErrNoFreeChannels signals pool exhaustion. It is an expected outcome,
	// not a fault; callers surface it to the mentor rather than retrying.
	ErrNoFreeChannels = errors.New("no free channels available")

	// ErrNotReserved is returned when an operation requires a held channel
	// and the session holds none.
	ErrNotReserved = errors.New("session holds no channel reservation")

	// ErrSessionNotScheduled is returned when a lifecycle transition is
	// attempted from a state that does not permit it.
	ErrSessionNotScheduled = errors.New("session is not in a schedulable state")

	// ErrChannelActive is returned when disabling or deleting a channel that
	// is currently carrying a live broadcast.
	ErrChannelActive = errors.New("channel is carrying a live broadcast")

	// ErrChannelAssigned is returned when deleting a channel still held by a
	// session.
	ErrChannelAssigned = errors.New("channel is assigned to a session")

	ErrChannelNotFound = errors.New("channel not found")
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvariantViolation indicates the channel/session linkage disagrees.
	// It is never repaired silently; callers log it loudly and fail the
	// operation.
	ErrInvariantViolation = errors.New("channel and session assignment records disagree")
)
