package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate creates the sync-core tables. Statements are idempotent so
// the server can run them unconditionally at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_owners (
			owner_id   TEXT PRIMARY KEY,
			epoch      BIGINT NOT NULL DEFAULT 1,
			head_seq   BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_records (
			owner_id       TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			record_type    TEXT NOT NULL DEFAULT '',
			payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
			version_vector JSONB NOT NULL DEFAULT '{}'::jsonb,
			field_clocks   JSONB NOT NULL DEFAULT '{}'::jsonb,
			conflicts      JSONB,
			op_seq         BIGINT NOT NULL,
			hlc            BIGINT NOT NULL,
			tombstone      BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (owner_id, record_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_oplog (
			owner_id     TEXT NOT NULL,
			op_seq       BIGINT NOT NULL,
			op_id        TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			op           JSONB NOT NULL,
			version      JSONB NOT NULL,
			digest       TEXT NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (owner_id, op_seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sync_oplog_op_id
			ON sync_oplog (owner_id, op_id)`,
		`CREATE INDEX IF NOT EXISTS sync_oplog_record
			ON sync_oplog (owner_id, record_id, op_seq DESC)`,
		`CREATE INDEX IF NOT EXISTS sync_records_tombstone
			ON sync_records (hlc) WHERE tombstone`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sync tables: %w", err)
		}
	}
	log.Info().Msg("sync store schema ready")
	return nil
}
