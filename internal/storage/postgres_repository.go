package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classcast/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations before returning.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return ctx, func() {}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

const channelColumns = `id, provider_channel_id, name, ingest_endpoint, playback_endpoint,
	enabled, active, assigned_session_id, reserved_at, total_usage_seconds, last_used_at,
	created_at, updated_at`

const sessionColumns = `id, mentor_id, title, scheduled_at, duration_minutes, status,
	channel_id, credentials_issued, started_at, ended_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(
		&channel.ID,
		&channel.ProviderChannelID,
		&channel.Name,
		&channel.IngestEndpoint,
		&channel.PlaybackEndpoint,
		&channel.Enabled,
		&channel.Active,
		&channel.AssignedSessionID,
		&channel.ReservedAt,
		&channel.TotalUsageSeconds,
		&channel.LastUsedAt,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
	return channel, err
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var status string
	err := row.Scan(
		&session.ID,
		&session.MentorID,
		&session.Title,
		&session.ScheduledAt,
		&session.DurationMinutes,
		&status,
		&session.ChannelID,
		&session.CredentialsIssued,
		&session.StartedAt,
		&session.EndedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	session.Status = models.SessionStatus(status)
	return session, err
}

func (r *postgresRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (models.Channel, error) {
	if strings.TrimSpace(params.IngestEndpoint) == "" || strings.TrimSpace(params.PlaybackEndpoint) == "" {
		return models.Channel{}, fmt.Errorf("ingest and playback endpoints are required")
	}
	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	providerID := strings.TrimSpace(params.ProviderChannelID)
	if providerID == "" {
		providerID = id
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO channels (id, provider_channel_id, name, ingest_endpoint, playback_endpoint, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+channelColumns,
		id, providerID, strings.TrimSpace(params.Name),
		strings.TrimSpace(params.IngestEndpoint), strings.TrimSpace(params.PlaybackEndpoint), params.Enabled)
	channel, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	channel, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("select channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) ListChannels(ctx context.Context) ([]models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

func (r *postgresRepository) DeleteChannel(ctx context.Context, id string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1 AND assigned_session_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetChannel(ctx, id); errors.Is(err, ErrChannelNotFound) {
			return ErrChannelNotFound
		}
		return ErrChannelAssigned
	}
	return nil
}

func (r *postgresRepository) SetChannelEnabled(ctx context.Context, id string, enabled bool) (models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE channels SET enabled = $2, updated_at = now()
		 WHERE id = $1 AND ($2 OR NOT active)
		 RETURNING `+channelColumns, id, enabled)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetChannel(ctx, id); errors.Is(getErr, ErrChannelNotFound) {
			return models.Channel{}, ErrChannelNotFound
		}
		return models.Channel{}, ErrChannelActive
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("toggle channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) ChannelStats(ctx context.Context) (models.ChannelStats, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	var stats models.ChannelStats
	err := r.pool.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE active),
			count(*) FILTER (WHERE NOT active AND assigned_session_id IS NOT NULL),
			count(*) FILTER (WHERE NOT active AND assigned_session_id IS NULL AND NOT enabled),
			count(*) FILTER (WHERE NOT active AND assigned_session_id IS NULL AND enabled)
		 FROM channels`).Scan(&stats.Total, &stats.Active, &stats.Reserved, &stats.Disabled, &stats.Free)
	if err != nil {
		return models.ChannelStats{}, fmt.Errorf("channel stats: %w", err)
	}
	return stats, nil
}

// ReserveChannel runs inside one transaction: the session row is locked
// first, then the longest-idle free channel is claimed with FOR UPDATE SKIP
// LOCKED and a conditional update so concurrent reservations can never agree
// on the same row.
func (r *postgresRepository) ReserveChannel(ctx context.Context, sessionID string) (models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Channel{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("select session: %w", err)
	}
	if session.Status != models.SessionStatusScheduled {
		return models.Channel{}, ErrSessionNotScheduled
	}
	if session.ChannelID != nil {
		channel, err := scanChannel(tx.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, *session.ChannelID))
		if err != nil {
			return models.Channel{}, fmt.Errorf("select held channel: %w", err)
		}
		if channel.AssignedSessionID == nil || *channel.AssignedSessionID != sessionID {
			return models.Channel{}, ErrInvariantViolation
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Channel{}, fmt.Errorf("commit reserve: %w", err)
		}
		return channel, nil
	}

	var channelID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM channels
		 WHERE enabled AND assigned_session_id IS NULL
		 ORDER BY last_used_at ASC NULLS FIRST, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`).Scan(&channelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrNoFreeChannels
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("select free channel: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE channels SET assigned_session_id = $2, reserved_at = now(), updated_at = now()
		 WHERE id = $1 AND assigned_session_id IS NULL
		 RETURNING `+channelColumns, channelID, sessionID)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrNoFreeChannels
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("claim channel: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE sessions SET channel_id = $2, updated_at = now() WHERE id = $1`, sessionID, channelID); err != nil {
		return models.Channel{}, fmt.Errorf("link session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Channel{}, fmt.Errorf("commit reserve: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) ReleaseChannel(ctx context.Context, sessionID string) (models.Channel, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, false, ErrSessionNotFound
	}
	if err != nil {
		return models.Channel{}, false, fmt.Errorf("select session: %w", err)
	}
	if session.ChannelID == nil {
		if err := tx.Commit(ctx); err != nil {
			return models.Channel{}, false, fmt.Errorf("commit release: %w", err)
		}
		return models.Channel{}, false, nil
	}

	channel, err := r.releaseChannelTx(ctx, tx, *session.ChannelID, sessionID)
	if err != nil {
		return models.Channel{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Channel{}, false, fmt.Errorf("commit release: %w", err)
	}
	return channel, true, nil
}

func (r *postgresRepository) releaseChannelTx(ctx context.Context, tx pgx.Tx, channelID, sessionID string) (models.Channel, error) {
	row := tx.QueryRow(ctx,
		`UPDATE channels SET
			total_usage_seconds = total_usage_seconds + CASE
				WHEN reserved_at IS NULL THEN 0
				ELSE GREATEST(0, EXTRACT(EPOCH FROM (now() - reserved_at)))::bigint
			END,
			assigned_session_id = NULL,
			reserved_at = NULL,
			active = FALSE,
			last_used_at = now(),
			updated_at = now()
		 WHERE id = $1 AND assigned_session_id = $2
		 RETURNING `+channelColumns, channelID, sessionID)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, ErrInvariantViolation
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("release channel: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET channel_id = NULL, credentials_issued = FALSE, updated_at = now() WHERE id = $1`,
		sessionID); err != nil {
		return models.Channel{}, fmt.Errorf("unlink session: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) MarkChannelActive(ctx context.Context, sessionID string) (models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE channels SET active = TRUE, updated_at = now()
		 WHERE assigned_session_id = $1
		 RETURNING `+channelColumns, sessionID)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetSession(ctx, sessionID); errors.Is(getErr, ErrSessionNotFound) {
			return models.Channel{}, ErrSessionNotFound
		}
		return models.Channel{}, ErrNotReserved
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("mark channel active: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) ExpiredReservations(ctx context.Context, ttl time.Duration) ([]models.Channel, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := r.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE assigned_session_id IS NOT NULL AND NOT active
		   AND reserved_at IS NOT NULL AND reserved_at < $1
		 ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()
	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

func (r *postgresRepository) ReclaimChannel(ctx context.Context, channelID string, ttl time.Duration) (models.Channel, models.Session, bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-ttl)
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Channel{}, models.Session{}, false, fmt.Errorf("begin reclaim: %w", err)
	}
	defer tx.Rollback(ctx)

	channel, err := scanChannel(tx.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1 FOR UPDATE`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, models.Session{}, false, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, models.Session{}, false, fmt.Errorf("select channel: %w", err)
	}
	if channel.AssignedSessionID == nil || channel.Active || channel.ReservedAt == nil || !channel.ReservedAt.Before(cutoff) {
		return models.Channel{}, models.Session{}, false, nil
	}
	sessionID := *channel.AssignedSessionID

	released, err := r.releaseChannelTx(ctx, tx, channelID, sessionID)
	if err != nil {
		return models.Channel{}, models.Session{}, false, err
	}
	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		return models.Channel{}, models.Session{}, false, fmt.Errorf("select session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Channel{}, models.Session{}, false, fmt.Errorf("commit reclaim: %w", err)
	}
	return released, session, true, nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	if strings.TrimSpace(params.MentorID) == "" {
		return models.Session{}, fmt.Errorf("mentorID is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, mentor_id, title, scheduled_at, duration_minutes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+sessionColumns,
		id, strings.TrimSpace(params.MentorID), strings.TrimSpace(params.Title),
		params.ScheduledAt.UTC(), params.DurationMinutes)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	session, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, mentorID string) ([]models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY scheduled_at DESC, id`
	args := []any{}
	if mentorID != "" {
		query = `SELECT ` + sessionColumns + ` FROM sessions WHERE mentor_id = $1 ORDER BY scheduled_at DESC, id`
		args = append(args, mentorID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *postgresRepository) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'live' ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *postgresRepository) MarkSessionLive(ctx context.Context, id string) (models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE sessions SET status = 'live', started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'scheduled' AND channel_id IS NOT NULL
		 RETURNING `+sessionColumns, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, r.sessionTransitionError(ctx, id, true)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("mark session live: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) CompleteSession(ctx context.Context, id string) (models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE sessions SET status = 'ended', ended_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('live', 'scheduled')
		 RETURNING `+sessionColumns, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, r.sessionTransitionError(ctx, id, false)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("complete session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) CancelSession(ctx context.Context, id string) (models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE sessions SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status = 'scheduled'
		 RETURNING `+sessionColumns, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, r.sessionTransitionError(ctx, id, false)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("cancel session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) SetCredentialsIssued(ctx context.Context, id string, issued bool) (models.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx,
		`UPDATE sessions SET credentials_issued = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+sessionColumns, id, issued)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("set credentials issued: %w", err)
	}
	return session, nil
}

// sessionTransitionError distinguishes a missing session, a missing
// reservation, and a status precondition failure after a zero-row CAS update.
func (r *postgresRepository) sessionTransitionError(ctx context.Context, id string, needsChannel bool) error {
	session, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if needsChannel && session.Status == models.SessionStatusScheduled && session.ChannelID == nil {
		return ErrNotReserved
	}
	return ErrSessionNotScheduled
}
