package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions and dependents
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT         PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    title             TEXT         NOT NULL DEFAULT '',
    description       TEXT         NOT NULL DEFAULT '',
    status            TEXT         NOT NULL,
    config            JSONB        NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at        TIMESTAMPTZ,
    ended_at          TIMESTAMPTZ,
    duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
    processing_errors INTEGER      NOT NULL DEFAULT 0,
    audio_path        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON sessions (status);

CREATE INDEX IF NOT EXISTS idx_sessions_created_at
    ON sessions (created_at DESC);`

const ddlFeedbackItems = `
CREATE TABLE IF NOT EXISTS feedback_items (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    type        TEXT         NOT NULL,
    severity    TEXT         NOT NULL,
    message     TEXT         NOT NULL,
    suggestion  TEXT         NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    source      TEXT         NOT NULL,
    produced_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_items_session_produced
    ON feedback_items (session_id, produced_at);`

const ddlAudioBlobs = `
CREATE TABLE IF NOT EXISTS audio_blobs (
    path       TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    data       BYTEA        NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audio_blobs_session
    ON audio_blobs (session_id);`

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    summary    JSONB        NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

// Migrate creates all required tables and indexes. It is idempotent and runs
// automatically from NewStore.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlFeedbackItems, ddlAudioBlobs, ddlSummaries} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
