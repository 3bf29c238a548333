// Package queue is the durable per-device operation queue (C4). The
// server edge parks ops here when they cannot be committed right away:
// beacon-style REST pushes from closing browsers, retryable commit
// failures, and dead-lettered ops. Entries for the same record from
// the same device collapse, so a long offline window cannot grow the
// queue without bound.
package queue

import (
	"context"
	"time"

	"github.com/tutorloop/sync-server/internal/op"
)

// Entry is one queued op plus its delivery bookkeeping.
type Entry struct {
	Op         op.Op     `json:"op"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// Queue is the store contract. Implementations serialize writes per
// device; distinct devices never contend.
type Queue interface {
	// Enqueue appends the op to the device's queue. With collapse set,
	// an existing entry for the same record is superseded in place:
	// the queue keeps one entry carrying the merged patch and the
	// oldest base vector. Dead-letter writers pass collapse=false to
	// keep every failed op distinct.
	Enqueue(ctx context.Context, device string, o op.Op, collapse bool) error

	// Drain feeds queued entries to fn oldest-first, deleting each
	// entry after fn returns nil. The first error stops the drain,
	// bumps that entry's attempt count, and leaves it and everything
	// behind it queued. Returns how many entries were consumed.
	Drain(ctx context.Context, device string, fn func(Entry) error) (int, error)

	// Depth returns the number of entries queued for the device.
	Depth(ctx context.Context, device string) (int, error)

	// Devices lists device ids with at least one queued entry.
	Devices(ctx context.Context) ([]string, error)

	// PurgeDevice drops every entry for the device. Used when an owner
	// epoch is wiped and queued history becomes meaningless.
	PurgeDevice(ctx context.Context, device string) error

	// Close releases underlying resources.
	Close()
}

// collapse folds a newly authored op into the queued entry for the
// same record. The device's later edit supersedes field values, the
// oldest base is kept so the server sees one rebased patch, and the
// newest op id keeps replay idempotent.
func collapse(old Entry, next op.Op) Entry {
	merged := next.Clone()
	merged.Base = old.Op.Base.Clone()

	switch {
	case next.Kind == op.KindDelete:
		merged.Patch = nil
	case old.Op.Kind == op.KindCreate:
		// The record is born in this entry; later edits fold into the
		// creation patch.
		merged.Kind = op.KindCreate
		merged.Patch = mergePatches(old.Op, next)
	default:
		merged.Patch = mergePatches(old.Op, next)
	}

	return Entry{Op: merged, EnqueuedAt: old.EnqueuedAt}
}

// mergePatches overlays the patch authored later (by device hybrid
// timestamp) over the earlier one, field by field.
func mergePatches(a, b op.Op) map[string]any {
	older, newer := a, b
	if b.HLC.Before(a.HLC) {
		older, newer = b, a
	}
	out := make(map[string]any, len(older.Patch)+len(newer.Patch))
	for f, v := range older.Patch {
		out[f] = v
	}
	for f, v := range newer.Patch {
		out[f] = v
	}
	return out
}
