package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/merge"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/schema"
)

// Postgres is the durable Store. Within a commit the owner row in
// sync_owners is locked FOR UPDATE, so sequence assignment stays
// gap-free even if several processes share the database.
type Postgres struct {
	pool    *pgxpool.Pool
	schemas *schema.Registry
}

func NewPostgres(pool *pgxpool.Pool, schemas *schema.Registry) *Postgres {
	return &Postgres{pool: pool, schemas: schemas}
}

// ancestorScanWindow bounds how far back the log scan for a common
// ancestor goes. Devices sync regularly, so real ancestors sit near
// the head; anything older merges from the empty version.
const ancestorScanWindow = 256

func (p *Postgres) Get(ctx context.Context, owner, record string) (*op.Record, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT record_type, payload, version_vector, field_clocks, conflicts, op_seq, hlc, tombstone
		FROM sync_records
		WHERE owner_id = $1 AND record_id = $2
	`, owner, record)

	rec, err := scanRecord(row, owner, record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) Records(ctx context.Context, owner string) ([]op.Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT record_id, record_type, payload, version_vector, field_clocks, conflicts, op_seq, hlc, tombstone
		FROM sync_records
		WHERE owner_id = $1 AND NOT tombstone
		ORDER BY record_id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query records for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []op.Record
	for rows.Next() {
		var id string
		var rec op.Record
		var payload, vector, clocks, conflicts []byte
		var seq, stamp int64
		if err := rows.Scan(&id, &rec.Type, &payload, &vector, &clocks, &conflicts, &seq, &stamp, &rec.Tombstone); err != nil {
			return nil, err
		}
		rec.Owner, rec.ID, rec.Seq = owner, id, uint64(seq)
		rec.UpdatedAt = hlc.HLC(stamp)
		if err := decodeVersion(&rec.Version, payload, vector, clocks, conflicts); err != nil {
			return nil, fmt.Errorf("decode record %s/%s: %w", owner, id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSince(ctx context.Context, owner string, afterSeq uint64, limit int) ([]op.Committed, bool, error) {
	q := `
		SELECT op_seq, op, version, digest
		FROM sync_oplog
		WHERE owner_id = $1 AND op_seq > $2
		ORDER BY op_seq
	`
	args := []any{owner, int64(afterSeq)}
	if limit > 0 {
		// One extra row answers has_more without a second query.
		q += ` LIMIT $3`
		args = append(args, limit+1)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query oplog for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []op.Committed
	for rows.Next() {
		c, err := scanCommitted(rows)
		if err != nil {
			return nil, false, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if limit > 0 && len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

func (p *Postgres) HeadSeq(ctx context.Context, owner string) (uint64, error) {
	var head int64
	err := p.pool.QueryRow(ctx,
		`SELECT head_seq FROM sync_owners WHERE owner_id = $1`, owner).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query head for %s: %w", owner, err)
	}
	return uint64(head), nil
}

func (p *Postgres) LookupOp(ctx context.Context, owner string, id op.ID) (uint64, bool, error) {
	var seq int64
	err := p.pool.QueryRow(ctx,
		`SELECT op_seq FROM sync_oplog WHERE owner_id = $1 AND op_id = $2`,
		owner, id.String()).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup op %s for %s: %w", id, owner, err)
	}
	return uint64(seq), true, nil
}

func (p *Postgres) Commit(ctx context.Context, o op.Op, v *op.Version) (uint64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the owner row; this is the single-writer discipline for
	// sequence assignment.
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_owners (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING
	`, o.Owner); err != nil {
		return 0, fmt.Errorf("ensure owner %s: %w", o.Owner, err)
	}
	var head int64
	if err := tx.QueryRow(ctx,
		`SELECT head_seq FROM sync_owners WHERE owner_id = $1 FOR UPDATE`,
		o.Owner).Scan(&head); err != nil {
		return 0, fmt.Errorf("lock owner %s: %w", o.Owner, err)
	}

	// Replays return the original assignment without touching state.
	var prior int64
	err = tx.QueryRow(ctx,
		`SELECT op_seq FROM sync_oplog WHERE owner_id = $1 AND op_id = $2`,
		o.Owner, o.ID.String()).Scan(&prior)
	if err == nil {
		return uint64(prior), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("check op %s: %w", o.ID, err)
	}

	seq := head + 1
	if _, err := tx.Exec(ctx,
		`UPDATE sync_owners SET head_seq = $2, updated_at = now() WHERE owner_id = $1`,
		o.Owner, seq); err != nil {
		return 0, fmt.Errorf("advance head for %s: %w", o.Owner, err)
	}

	payload, vector, clocks, conflicts, err := encodeVersion(v)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_records (owner_id, record_id, record_type, payload, version_vector,
		                          field_clocks, conflicts, op_seq, hlc, tombstone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, record_id) DO UPDATE SET
			record_type = CASE WHEN sync_records.record_type = ''
			              THEN EXCLUDED.record_type
			              ELSE sync_records.record_type END,
			payload        = EXCLUDED.payload,
			version_vector = EXCLUDED.version_vector,
			field_clocks   = EXCLUDED.field_clocks,
			conflicts      = EXCLUDED.conflicts,
			op_seq         = EXCLUDED.op_seq,
			hlc            = EXCLUDED.hlc,
			tombstone      = EXCLUDED.tombstone
	`, o.Owner, o.Record, o.Type, payload, vector, clocks, conflicts,
		seq, int64(v.UpdatedAt), v.Tombstone); err != nil {
		return 0, fmt.Errorf("upsert record %s/%s: %w", o.Owner, o.Record, err)
	}

	opJSON, err := json.Marshal(o)
	if err != nil {
		return 0, fmt.Errorf("marshal op %s: %w", o.ID, err)
	}
	versionJSON, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal version for %s: %w", o.ID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_oplog (owner_id, op_seq, op_id, record_id, op, version, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.Owner, seq, o.ID.String(), o.Record, opJSON, versionJSON, v.Digest()); err != nil {
		return 0, fmt.Errorf("append oplog for %s: %w", o.Owner, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s: %w", o.ID, err)
	}
	return uint64(seq), nil
}

func (p *Postgres) Ancestor(ctx context.Context, owner, record string, a, b op.Vector) (*op.Version, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT version
		FROM sync_oplog
		WHERE owner_id = $1 AND record_id = $2
		ORDER BY op_seq DESC
		LIMIT $3
	`, owner, record, ancestorScanWindow)
	if err != nil {
		return nil, fmt.Errorf("query ancestors for %s/%s: %w", owner, record, err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v op.Version
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode ancestor for %s/%s: %w", owner, record, err)
		}
		if v.Vector.DominatedBy(a) && v.Vector.DominatedBy(b) {
			return &v, nil
		}
	}
	return nil, rows.Err()
}

func (p *Postgres) Epoch(ctx context.Context, owner string) (uint64, error) {
	var epoch int64
	err := p.pool.QueryRow(ctx,
		`SELECT epoch FROM sync_owners WHERE owner_id = $1`, owner).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query epoch for %s: %w", owner, err)
	}
	return uint64(epoch), nil
}

func (p *Postgres) Wipe(ctx context.Context, owner string) (uint64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin wipe: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_owners (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING
	`, owner); err != nil {
		return 0, fmt.Errorf("ensure owner %s: %w", owner, err)
	}
	var epoch int64
	if err := tx.QueryRow(ctx, `
		UPDATE sync_owners SET epoch = epoch + 1, head_seq = 0, updated_at = now()
		WHERE owner_id = $1
		RETURNING epoch
	`, owner).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("bump epoch for %s: %w", owner, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_records WHERE owner_id = $1`, owner); err != nil {
		return 0, fmt.Errorf("wipe records for %s: %w", owner, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_oplog WHERE owner_id = $1`, owner); err != nil {
		return 0, fmt.Errorf("wipe oplog for %s: %w", owner, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit wipe for %s: %w", owner, err)
	}
	log.Warn().Str("owner_id", owner).Int64("epoch", epoch).Msg("owner state wiped")
	return uint64(epoch), nil
}

func (p *Postgres) PurgeTombstones(ctx context.Context, cutoff hlc.HLC) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sync_records WHERE tombstone AND hlc < $1`, int64(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge record tombstones: %w", err)
	}
	touched := int(tag.RowsAffected())

	swept, err := p.purgeElementTombstones(ctx, cutoff)
	if err != nil {
		return touched, err
	}
	return touched + swept, nil
}

// purgeElementTombstones rewrites set fields that still carry expired
// element tombstones. Rows are locked so a concurrent commit cannot
// interleave with the rewrite.
func (p *Postgres) purgeElementTombstones(ctx context.Context, cutoff hlc.HLC) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin element purge: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT owner_id, record_id, record_type, payload
		FROM sync_records
		WHERE jsonb_path_exists(payload, '$.*.*.deleted ? (@ == true)')
		FOR UPDATE
	`)
	if err != nil {
		return 0, fmt.Errorf("scan element tombstones: %w", err)
	}

	type rewrite struct {
		owner, record string
		payload       map[string]any
	}
	var pending []rewrite
	for rows.Next() {
		var owner, record, typ string
		var raw []byte
		if err := rows.Scan(&owner, &record, &typ, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decode payload %s/%s: %w", owner, record, err)
		}
		v := &op.Version{Payload: payload}
		if merge.PurgeElementTombstones(p.schemas.Lookup(typ), v, cutoff) {
			pending = append(pending, rewrite{owner, record, payload})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, rw := range pending {
		raw, err := json.Marshal(rw.payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload %s/%s: %w", rw.owner, rw.record, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE sync_records SET payload = $3
			WHERE owner_id = $1 AND record_id = $2
		`, rw.owner, rw.record, raw); err != nil {
			return 0, fmt.Errorf("rewrite payload %s/%s: %w", rw.owner, rw.record, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit element purge: %w", err)
	}
	return len(pending), nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func encodeVersion(v *op.Version) (payload, vector, clocks, conflicts []byte, err error) {
	if payload, err = json.Marshal(v.Payload); err != nil {
		return
	}
	if vector, err = json.Marshal(v.Vector); err != nil {
		return
	}
	if clocks, err = json.Marshal(v.Clocks); err != nil {
		return
	}
	if v.Conflicts != nil {
		conflicts, err = json.Marshal(v.Conflicts)
	}
	return
}

func decodeVersion(v *op.Version, payload, vector, clocks, conflicts []byte) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &v.Payload); err != nil {
			return err
		}
	}
	if len(vector) > 0 {
		if err := json.Unmarshal(vector, &v.Vector); err != nil {
			return err
		}
	}
	if len(clocks) > 0 {
		if err := json.Unmarshal(clocks, &v.Clocks); err != nil {
			return err
		}
	}
	if len(conflicts) > 0 {
		if err := json.Unmarshal(conflicts, &v.Conflicts); err != nil {
			return err
		}
	}
	return nil
}

func scanRecord(row pgx.Row, owner, record string) (*op.Record, error) {
	var rec op.Record
	var payload, vector, clocks, conflicts []byte
	var seq, stamp int64
	if err := row.Scan(&rec.Type, &payload, &vector, &clocks, &conflicts, &seq, &stamp, &rec.Tombstone); err != nil {
		return nil, err
	}
	rec.Owner, rec.ID, rec.Seq = owner, record, uint64(seq)
	rec.UpdatedAt = hlc.HLC(stamp)
	if err := decodeVersion(&rec.Version, payload, vector, clocks, conflicts); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", owner, record, err)
	}
	return &rec, nil
}

func scanCommitted(rows pgx.Rows) (op.Committed, error) {
	var c op.Committed
	var seq int64
	var opJSON, versionJSON []byte
	if err := rows.Scan(&seq, &opJSON, &versionJSON, &c.Digest); err != nil {
		return c, err
	}
	c.Seq = uint64(seq)
	if err := json.Unmarshal(opJSON, &c.Op); err != nil {
		return c, fmt.Errorf("decode logged op at seq %d: %w", seq, err)
	}
	if err := json.Unmarshal(versionJSON, &c.Version); err != nil {
		return c, fmt.Errorf("decode logged version at seq %d: %w", seq, err)
	}
	return c, nil
}
