package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/op"
)

// Postgres is the durable Queue. The serial id column preserves
// enqueue order; a collapsed entry keeps its original id so it drains
// in its first-enqueued position.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the queue table. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id          BIGSERIAL PRIMARY KEY,
			device_id   TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			op          JSONB NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			attempts    INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_device
			ON sync_queue (device_id, id)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_device_record
			ON sync_queue (device_id, record_id)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sync queue: %w", err)
		}
	}
	log.Info().Msg("sync queue schema ready")
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, device string, o op.Op, collapseSame bool) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	if collapseSame {
		var id int64
		var raw []byte
		var enqueuedAt time.Time
		err := tx.QueryRow(ctx, `
			SELECT id, op, enqueued_at FROM sync_queue
			WHERE device_id = $1 AND record_id = $2
			ORDER BY id
			LIMIT 1
			FOR UPDATE
		`, device, o.Record).Scan(&id, &raw, &enqueuedAt)
		switch {
		case err == nil:
			var old Entry
			if err := json.Unmarshal(raw, &old.Op); err != nil {
				return fmt.Errorf("decode queued op for %s: %w", device, err)
			}
			old.EnqueuedAt = enqueuedAt
			merged := collapse(old, o)
			opJSON, err := json.Marshal(merged.Op)
			if err != nil {
				return fmt.Errorf("marshal collapsed op: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE sync_queue SET op = $2, attempts = 0 WHERE id = $1
			`, id, opJSON); err != nil {
				return fmt.Errorf("collapse queue entry %d: %w", id, err)
			}
			return tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("find queue entry for %s/%s: %w", device, o.Record, err)
		}
	}

	opJSON, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal op %s: %w", o.ID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_queue (device_id, record_id, op) VALUES ($1, $2, $3)
	`, device, o.Record, opJSON); err != nil {
		return fmt.Errorf("enqueue for %s: %w", device, err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Drain(ctx context.Context, device string, fn func(Entry) error) (int, error) {
	for consumed := 0; ; consumed++ {
		var (
			id  int64
			raw []byte
			e   Entry
		)
		err := p.pool.QueryRow(ctx, `
			SELECT id, op, enqueued_at, attempts FROM sync_queue
			WHERE device_id = $1
			ORDER BY id
			LIMIT 1
		`, device).Scan(&id, &raw, &e.EnqueuedAt, &e.Attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return consumed, nil
		}
		if err != nil {
			return consumed, fmt.Errorf("peek queue for %s: %w", device, err)
		}
		if err := json.Unmarshal(raw, &e.Op); err != nil {
			return consumed, fmt.Errorf("decode queued op %d: %w", id, err)
		}

		if err := fn(e); err != nil {
			if _, uerr := p.pool.Exec(ctx,
				`UPDATE sync_queue SET attempts = attempts + 1 WHERE id = $1`, id); uerr != nil {
				log.Error().Err(uerr).Int64("entry", id).Msg("failed to record drain attempt")
			}
			return consumed, err
		}

		// Consume happens after fn succeeds; a crash in between only
		// re-delivers, and commits are idempotent by op id.
		if _, err := p.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id); err != nil {
			return consumed, fmt.Errorf("consume queue entry %d: %w", id, err)
		}
	}
}

func (p *Postgres) Depth(ctx context.Context, device string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM sync_queue WHERE device_id = $1`, device).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth for %s: %w", device, err)
	}
	return n, nil
}

func (p *Postgres) Devices(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT device_id FROM sync_queue ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list queued devices: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeDevice(ctx context.Context, device string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sync_queue WHERE device_id = $1`, device)
	if err != nil {
		return fmt.Errorf("purge queue for %s: %w", device, err)
	}
	return nil
}

func (p *Postgres) Close() {}
