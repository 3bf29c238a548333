// Package store owns the durable state of the sync core: record
// versions, the per-owner operation log with its snapshots, and the
// owner epoch used for full-reset coordination. Commits for one owner
// are serialized by the caller; the implementations additionally
// guard sequence assignment so concurrent writers can never mint a
// duplicate or leave a gap.
package store

import (
	"context"
	"errors"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/op"
)

// ErrNotFound is returned by Get for records that were never created
// or have been purged.
var ErrNotFound = errors.New("store: record not found")

// Store is the version store contract (C2). All methods are safe for
// concurrent use.
type Store interface {
	// Get returns the current committed record, tombstoned or not.
	Get(ctx context.Context, owner, record string) (*op.Record, error)

	// Records returns every live record of the owner, ordered by
	// record id. Tombstoned records are excluded.
	Records(ctx context.Context, owner string) ([]op.Record, error)

	// GetSince returns committed log entries with op_seq > afterSeq in
	// ascending order, at most limit of them, and whether more remain.
	GetSince(ctx context.Context, owner string, afterSeq uint64, limit int) ([]op.Committed, bool, error)

	// HeadSeq returns the highest assigned op_seq for the owner, zero
	// when the log is empty.
	HeadSeq(ctx context.Context, owner string) (uint64, error)

	// LookupOp returns the op_seq previously assigned to id, if any.
	LookupOp(ctx context.Context, owner string, id op.ID) (uint64, bool, error)

	// Commit atomically appends the op to the owner log, stores the
	// merged version as the record's current state, and returns the
	// assigned op_seq. Committing an op_id that already committed
	// returns the original op_seq and changes nothing.
	Commit(ctx context.Context, o op.Op, v *op.Version) (uint64, error)

	// Ancestor returns the newest logged version of the record whose
	// vector is dominated by both a and b, or nil when none is.
	Ancestor(ctx context.Context, owner, record string, a, b op.Vector) (*op.Version, error)

	// Epoch returns the owner's current epoch, 1 for owners never
	// wiped.
	Epoch(ctx context.Context, owner string) (uint64, error)

	// Wipe erases the owner's records and log, bumps the epoch, and
	// returns the new value. Devices seeing a changed epoch discard
	// local replicas and re-sync from scratch.
	Wipe(ctx context.Context, owner string) (uint64, error)

	// PurgeTombstones removes record tombstones whose last update is
	// older than cutoff and expired set-element tombstones, returning
	// how many records were touched.
	PurgeTombstones(ctx context.Context, cutoff hlc.HLC) (int, error)

	// Close releases underlying resources.
	Close()
}
