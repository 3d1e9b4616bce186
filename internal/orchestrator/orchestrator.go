package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"classcast/internal/auth"
	"classcast/internal/broadcast"
	"classcast/internal/models"
	"classcast/internal/observability/metrics"
	"classcast/internal/storage"
)

// Config collects the orchestrator's dependencies.
type Config struct {
	Store  storage.Repository
	Issuer *broadcast.Issuer
	Logger *slog.Logger

	// ReservationTTL is how long a session may hold a channel without going
	// live before the reaper returns it to the pool.
	ReservationTTL time.Duration

	// ReapConcurrency bounds how many expired reservations are reclaimed in
	// parallel per sweep.
	ReapConcurrency int
}

const (
	defaultReservationTTL  = 10 * time.Minute
	defaultReapConcurrency = 4
)

// Orchestrator drives the session lifecycle: it reserves pool channels,
// issues credentials through the provider, and returns channels when
// sessions end, are cancelled, or expire.
type Orchestrator struct {
	store           storage.Repository
	issuer          *broadcast.Issuer
	logger          *slog.Logger
	reservationTTL  time.Duration
	reapConcurrency int
}

// New constructs an Orchestrator, applying defaults for unset fields.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	concurrency := cfg.ReapConcurrency
	if concurrency <= 0 {
		concurrency = defaultReapConcurrency
	}
	issuer := cfg.Issuer
	if issuer == nil {
		issuer = broadcast.NewIssuer(broadcast.NoopProvider{}, 0, 0, logger)
	}
	return &Orchestrator{
		store:           cfg.Store,
		issuer:          issuer,
		logger:          logger,
		reservationTTL:  ttl,
		reapConcurrency: concurrency,
	}
}

// ReservationTTL exposes the configured reservation time-to-live.
func (o *Orchestrator) ReservationTTL() time.Duration {
	return o.reservationTTL
}

// requireSessionOwner checks the actor may drive the session. Admins may
// drive any session.
func requireSessionOwner(session models.Session, actor auth.Identity) error {
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	if actor.Role != auth.RoleMentor {
		return ErrNotSessionOwner
	}
	if actor.MentorID == "" {
		return ErrMentorProfileMissing
	}
	if actor.MentorID != session.MentorID {
		return ErrNotSessionOwner
	}
	return nil
}

// GetCredentials reserves a channel for the session (idempotently) and
// returns publish credentials. A fresh reservation that fails credential
// issuing is rolled back so the channel is not leaked.
func (o *Orchestrator) GetCredentials(ctx context.Context, actor auth.Identity, sessionID string) (models.Credentials, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Credentials{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Credentials{}, err
	}
	_, credentials, err := o.reserveAndIssue(ctx, session)
	return credentials, err
}

func (o *Orchestrator) reserveAndIssue(ctx context.Context, session models.Session) (models.Channel, models.Credentials, error) {
	wasReserved := session.Reserved()

	channel, err := o.store.ReserveChannel(ctx, session.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNoFreeChannels) {
			metrics.ObserveReservationEvent("exhausted")
			o.logger.Info("channel pool exhausted", "session_id", session.ID)
		}
		if errors.Is(err, storage.ErrInvariantViolation) {
			o.logger.Error("assignment records disagree during reserve", "session_id", session.ID)
		}
		return models.Channel{}, models.Credentials{}, err
	}
	if !wasReserved {
		metrics.ObserveReservationEvent("reserved")
	}

	metrics.ObserveProviderAttempt("issue_key")
	credentials, err := o.issuer.Issue(ctx, channel, session)
	if err != nil {
		metrics.ObserveProviderFailure("issue_key")
		if !wasReserved {
			o.rollbackReservation(ctx, session.ID, channel.ID)
		}
		return models.Channel{}, models.Credentials{}, err
	}

	if _, err := o.store.SetCredentialsIssued(ctx, session.ID, true); err != nil {
		return models.Channel{}, models.Credentials{}, err
	}
	return channel, credentials, nil
}

// rollbackReservation returns a freshly reserved channel after credential
// issuing failed. The rollback itself is best-effort; a failure leaves the
// reservation for the reaper.
func (o *Orchestrator) rollbackReservation(ctx context.Context, sessionID, channelID string) {
	if _, _, err := o.store.ReleaseChannel(ctx, sessionID); err != nil {
		o.logger.Error("failed to roll back reservation after issue failure",
			"session_id", sessionID,
			"channel_id", channelID,
			"error", err)
		return
	}
	metrics.ObserveReservationEvent("released")
}

// Start transitions the session to live: it reserves a channel if needed,
// issues credentials, and marks both sides active.
func (o *Orchestrator) Start(ctx context.Context, actor auth.Identity, sessionID string) (models.Session, models.Credentials, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, models.Credentials{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Session{}, models.Credentials{}, err
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Session{}, models.Credentials{}, storage.ErrSessionNotScheduled
	}

	wasReserved := session.Reserved()
	channel, credentials, err := o.reserveAndIssue(ctx, session)
	if err != nil {
		return models.Session{}, models.Credentials{}, err
	}

	if _, err := o.store.MarkChannelActive(ctx, sessionID); err != nil {
		o.logger.Error("failed to activate reserved channel",
			"session_id", sessionID,
			"channel_id", channel.ID,
			"error", err)
		if !wasReserved {
			o.rollbackReservation(ctx, sessionID, channel.ID)
		}
		return models.Session{}, models.Credentials{}, err
	}

	live, err := o.store.MarkSessionLive(ctx, sessionID)
	if err != nil {
		o.logger.Error("failed to mark session live after channel activation",
			"session_id", sessionID,
			"channel_id", channel.ID,
			"error", err)
		if !wasReserved {
			o.rollbackReservation(ctx, sessionID, channel.ID)
		}
		return models.Session{}, models.Credentials{}, err
	}

	metrics.BroadcastStarted()
	o.logger.Info("session started",
		"session_id", sessionID,
		"channel_id", channel.ID,
		"mentor_id", live.MentorID)
	return live, credentials, nil
}

// Stop ends the broadcast and returns the channel to the pool. A session
// that holds a channel but never went live may also be stopped; stopping an
// already-ended session is a no-op. The provider key is revoked before the
// channel is released; a revocation outage leaves everything unchanged so
// the mentor can retry.
func (o *Orchestrator) Stop(ctx context.Context, actor auth.Identity, sessionID string) (models.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Session{}, err
	}

	switch session.Status {
	case models.SessionStatusEnded:
		return session, nil
	case models.SessionStatusCancelled:
		return models.Session{}, storage.ErrSessionNotScheduled
	case models.SessionStatusScheduled:
		if session.ChannelID == nil {
			return models.Session{}, storage.ErrNotReserved
		}
	}
	wasLive := session.Status == models.SessionStatusLive

	if err := o.revokeSessionKey(ctx, session); err != nil {
		return models.Session{}, err
	}
	if err := o.releaseSessionChannel(ctx, sessionID); err != nil {
		return models.Session{}, err
	}

	ended, err := o.store.CompleteSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if wasLive {
		metrics.BroadcastStopped()
	}
	o.logger.Info("session stopped", "session_id", sessionID, "was_live", wasLive)
	return ended, nil
}

// Cancel aborts a session that has not gone live, returning any held channel
// to the pool.
func (o *Orchestrator) Cancel(ctx context.Context, actor auth.Identity, sessionID string) (models.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Session{}, err
	}
	if session.Status == models.SessionStatusLive {
		return models.Session{}, ErrSessionLive
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Session{}, storage.ErrSessionNotScheduled
	}

	if session.ChannelID != nil {
		if err := o.revokeSessionKey(ctx, session); err != nil {
			return models.Session{}, err
		}
		if err := o.releaseSessionChannel(ctx, sessionID); err != nil {
			return models.Session{}, err
		}
	}

	cancelled, err := o.store.CancelSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	o.logger.Info("session cancelled", "session_id", sessionID)
	return cancelled, nil
}

// ReleaseCredentials returns the session's channel to the pool without
// ending the session; it stays scheduled and may reserve again later.
// Releasing a session that holds nothing is a no-op.
func (o *Orchestrator) ReleaseCredentials(ctx context.Context, actor auth.Identity, sessionID string) (models.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Session{}, err
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Session{}, storage.ErrSessionNotScheduled
	}
	if session.ChannelID == nil {
		return session, nil
	}

	if err := o.revokeSessionKey(ctx, session); err != nil {
		return models.Session{}, err
	}
	if err := o.releaseSessionChannel(ctx, sessionID); err != nil {
		return models.Session{}, err
	}
	return o.store.GetSession(ctx, sessionID)
}

// Regenerate rotates the session's stream key. Only a reserved session may
// rotate; rotating mid-broadcast would cut the encoder off.
func (o *Orchestrator) Regenerate(ctx context.Context, actor auth.Identity, sessionID string) (models.Credentials, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Credentials{}, err
	}
	if err := requireSessionOwner(session, actor); err != nil {
		return models.Credentials{}, err
	}
	if !session.Reserved() {
		if session.Status != models.SessionStatusScheduled {
			return models.Credentials{}, storage.ErrSessionNotScheduled
		}
		return models.Credentials{}, storage.ErrNotReserved
	}

	channel, err := o.store.GetChannel(ctx, *session.ChannelID)
	if err != nil {
		return models.Credentials{}, err
	}

	metrics.ObserveProviderAttempt("revoke_key")
	if err := o.issuer.Revoke(ctx, channel); err != nil {
		metrics.ObserveProviderFailure("revoke_key")
		return models.Credentials{}, err
	}
	metrics.ObserveProviderAttempt("issue_key")
	credentials, err := o.issuer.Issue(ctx, channel, session)
	if err != nil {
		metrics.ObserveProviderFailure("issue_key")
		// The old key is already revoked; the session keeps its channel but
		// has no usable credentials until the mentor retries.
		if _, markErr := o.store.SetCredentialsIssued(ctx, sessionID, false); markErr != nil {
			o.logger.Error("failed to clear credential flag after rotation failure",
				"session_id", sessionID,
				"error", markErr)
		}
		return models.Credentials{}, err
	}
	if _, err := o.store.SetCredentialsIssued(ctx, sessionID, true); err != nil {
		return models.Credentials{}, err
	}
	o.logger.Info("stream key rotated", "session_id", sessionID, "channel_id", channel.ID)
	return credentials, nil
}

// ListActive returns the sessions currently live, for student discovery.
func (o *Orchestrator) ListActive(ctx context.Context) ([]models.Session, error) {
	return o.store.ListActiveSessions(ctx)
}

func (o *Orchestrator) revokeSessionKey(ctx context.Context, session models.Session) error {
	if session.ChannelID == nil || !session.CredentialsIssued {
		return nil
	}
	channel, err := o.store.GetChannel(ctx, *session.ChannelID)
	if err != nil {
		return err
	}
	metrics.ObserveProviderAttempt("revoke_key")
	if err := o.issuer.Revoke(ctx, channel); err != nil {
		metrics.ObserveProviderFailure("revoke_key")
		return fmt.Errorf("revoke stream key: %w", err)
	}
	return nil
}

func (o *Orchestrator) releaseSessionChannel(ctx context.Context, sessionID string) error {
	_, wasHeld, err := o.store.ReleaseChannel(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrInvariantViolation) {
			o.logger.Error("assignment records disagree during release", "session_id", sessionID)
		}
		return err
	}
	if wasHeld {
		metrics.ObserveReservationEvent("released")
	}
	return nil
}

// ReapExpired sweeps reservations older than the TTL and returns their
// channels to the pool. Each channel is re-checked atomically, so a session
// that went live between listing and reclaiming keeps its channel. Returns
// the number of channels reclaimed.
func (o *Orchestrator) ReapExpired(ctx context.Context) (int, error) {
	expired, err := o.store.ExpiredReservations(ctx, o.reservationTTL)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var reclaimed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.reapConcurrency)
	for _, channel := range expired {
		channel := channel
		group.Go(func() error {
			released, session, ok, err := o.store.ReclaimChannel(groupCtx, channel.ID, o.reservationTTL)
			if err != nil {
				o.logger.Error("failed to reclaim expired reservation",
					"channel_id", channel.ID,
					"error", err)
				// Other channels in the sweep proceed regardless.
				return nil
			}
			if !ok {
				return nil
			}
			reclaimed.Add(1)
			metrics.ObserveReservationEvent("expired")
			o.logger.Info("reservation expired",
				"channel_id", released.ID,
				"session_id", session.ID,
				"mentor_id", session.MentorID)

			// Revocation is best-effort: the channel is already back in the
			// pool, and the next issue for it invalidates the old key anyway.
			metrics.ObserveProviderAttempt("revoke_key")
			if err := o.issuer.Revoke(groupCtx, released); err != nil {
				metrics.ObserveProviderFailure("revoke_key")
				o.logger.Error("failed to revoke key for expired reservation",
					"channel_id", released.ID,
					"session_id", session.ID,
					"error", err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return int(reclaimed.Load()), err
	}
	return int(reclaimed.Load()), nil
}
