package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		provider_channel_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		ingest_endpoint TEXT NOT NULL,
		playback_endpoint TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		assigned_session_id TEXT,
		reserved_at TIMESTAMPTZ,
		total_usage_seconds BIGINT NOT NULL DEFAULT 0,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS channels_assigned_session_idx
		ON channels (assigned_session_id) WHERE assigned_session_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mentor_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMPTZ NOT NULL,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'scheduled',
		channel_id TEXT,
		credentials_issued BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_mentor_idx ON sessions (mentor_id)`,
	`CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status)`,
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, statement := range migrationStatements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
