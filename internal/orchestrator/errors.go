package orchestrator

import "errors"

var (
	// ErrMentorProfileMissing is returned when an account without a mentor
	// profile tries to drive a session. This is an account-data problem the
	// caller cannot fix by retrying.
	ErrMentorProfileMissing = errors.New("account has no mentor profile")

	// ErrNotSessionOwner is returned when a caller drives a session that
	// belongs to a different mentor.
	ErrNotSessionOwner = errors.New("session belongs to a different mentor")

	// ErrSessionLive is returned when cancelling a session that is already
	// broadcasting; live sessions must be stopped instead.
	ErrSessionLive = errors.New("session is live and must be stopped, not cancelled")
)
