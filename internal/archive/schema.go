package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlFlushes = `
CREATE TABLE IF NOT EXISTS flushes (
    flush_id     TEXT         PRIMARY KEY,
    user_id      TEXT         NOT NULL,
    platform     TEXT         NOT NULL DEFAULT '',
    outcome      TEXT         NOT NULL,
    transcript   TEXT         NOT NULL DEFAULT '',
    summary      TEXT         NOT NULL DEFAULT '',
    segments     INTEGER      NOT NULL DEFAULT 0,
    message_ids  TEXT[]       NOT NULL DEFAULT '{}',
    audio_ns     BIGINT       NOT NULL DEFAULT 0,
    delivered    BOOLEAN      NOT NULL DEFAULT false,
    error        TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    finished_at  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flushes_user_finished
    ON flushes (user_id, finished_at DESC);

CREATE INDEX IF NOT EXISTS idx_flushes_outcome
    ON flushes (outcome);
`

// Migrate creates the archive table and indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlFlushes); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}
