// Package merge implements three-way merge of incoming operations
// against committed record state. Given the same current version and
// the same op it always produces the same output, so every replica of
// the owner log converges to identical state on replay.
package merge

import (
	"context"
	"fmt"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/schema"
)

// Reject reasons, surfaced per-op in push results. Values match the
// wire error codes.
const (
	ReasonStaleBase = "stale_base"
	ReasonProtocol  = "protocol"
)

// AncestorFinder recovers the newest committed version of a record
// whose vector is dominated by both a and b. It returns nil when no
// such version exists, in which case the empty version is the
// ancestor. The version store implements this against its log
// snapshots.
type AncestorFinder interface {
	Ancestor(ctx context.Context, owner, record string, a, b op.Vector) (*op.Version, error)
}

// Result is the outcome of merging one op.
type Result struct {
	// Version is the merged version to commit. Nil when the op was
	// rejected.
	Version *op.Version
	// Reject is the per-op error code, empty on acceptance.
	Reject string
	// ManualConflicts lists fields committed provisionally with both
	// candidates preserved on the record.
	ManualConflicts []string
	// DroppedFields lists fields whose incoming value lost to the
	// committed one under a server_wins resolver.
	DroppedFields []string
}

// Rejected reports whether the op was refused.
func (r Result) Rejected() bool { return r.Reject != "" }

// Engine merges ops field by field according to the registered record
// schemas. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	schemas *schema.Registry
}

func New(schemas *schema.Registry) *Engine {
	return &Engine{schemas: schemas}
}

// Merge merges op o into current committed version cur (nil when the
// record does not exist yet). now is the server hybrid timestamp
// stamped on the produced version; it does not influence the merge
// decision. The returned error is infrastructural (ancestor lookup
// failed); semantic refusals come back in Result.Reject.
func (e *Engine) Merge(ctx context.Context, anc AncestorFinder, cur *op.Version, o op.Op, now hlc.HLC) (Result, error) {
	if cur == nil {
		cur = &op.Version{}
	}

	// A device must never reuse an authoring counter the record has
	// already incorporated. Replays of committed ops are answered by
	// the idempotency check upstream and never reach the engine.
	if o.ID.Seq <= cur.Vector.Get(o.ID.Device) {
		return Result{Reject: ReasonStaleBase}, nil
	}

	rel := o.Base.Compare(cur.Vector)
	if rel == op.After {
		// The device claims history the server never committed.
		return Result{Reject: ReasonStaleBase}, nil
	}

	next := cur.Clone()
	next.Vector = cur.Vector.Merge(o.Base)
	next.Vector.Observe(o.ID.Device, o.ID.Seq)
	next.UpdatedAt = now

	switch {
	case o.Kind == op.KindDelete:
		// Delete wins over field state: the record is tombstoned and
		// retained until the grace window expires.
		next.Tombstone = true
		return Result{Version: next}, nil

	case next.Tombstone && o.Kind == op.KindUpdate:
		// Updates lose to a standing tombstone. The vector still
		// advances so the op is incorporated and never replayed.
		return Result{Version: next}, nil

	case next.Tombstone && o.Kind == op.KindCreate:
		// Re-create starts a fresh life for the record id.
		next.Tombstone = false
		next.Payload = map[string]any{}
		next.Clocks = map[string]op.FieldClock{}
		next.Conflicts = nil
		cleared := &op.Version{Vector: cur.Vector}
		return e.applyFields(next, cleared, cleared, o)
	}

	// Fast path: the device based its patch on exactly the committed
	// state, so the ancestor is the current version itself and every
	// field applies directly.
	ancestor := cur
	if rel == op.Before || rel == op.Concurrent {
		found, err := anc.Ancestor(ctx, o.Owner, o.Record, o.Base, cur.Vector)
		if err != nil {
			return Result{}, fmt.Errorf("ancestor lookup for %s/%s: %w", o.Owner, o.Record, err)
		}
		if found == nil {
			found = &op.Version{}
		}
		ancestor = found
	}

	return e.applyFields(next, cur, ancestor, o)
}

// applyFields merges o.Patch into next. cur is the committed version,
// ancestor the reconstruction base for change detection and counter
// deltas. Fields are visited in payload-schema order so the outcome
// never depends on map iteration.
func (e *Engine) applyFields(next, cur, ancestor *op.Version, o op.Op) (Result, error) {
	rt := e.schemas.Lookup(o.Type)
	if next.Payload == nil {
		next.Payload = map[string]any{}
	}
	if next.Clocks == nil {
		next.Clocks = map[string]op.FieldClock{}
	}

	names := make([]string, 0, len(o.Patch))
	for f := range o.Patch {
		names = append(names, f)
	}

	var res Result
	for _, f := range rt.OrderFields(names) {
		incoming := o.Patch[f]
		switch rt.FieldType(f) {
		case schema.Set:
			if err := applySet(next, f, incoming, o.HLC, o.ID.Device); err != nil {
				return Result{Reject: ReasonProtocol}, nil
			}
			clearConflicts(next, f)
			setFieldClock(next, f, o)

		case schema.Counter:
			if err := applyCounter(next, ancestor, f, incoming); err != nil {
				return Result{Reject: ReasonProtocol}, nil
			}
			clearConflicts(next, f)
			setFieldClock(next, f, o)

		case schema.Opaque:
			if !changedSince(cur, ancestor, f) {
				setScalar(next, f, incoming)
				clearConflicts(next, f)
				setFieldClock(next, f, o)
				break
			}
			switch rt.Resolve {
			case schema.ClientWins:
				setScalar(next, f, incoming)
				clearConflicts(next, f)
				setFieldClock(next, f, o)
			case schema.Manual:
				committed := cur.Payload[f]
				setScalar(next, f, incoming)
				clearConflicts(next, f)
				next.Conflicts = append(next.Conflicts, op.Conflict{
					Field:      f,
					Candidates: []any{committed, incoming},
				})
				setFieldClock(next, f, o)
				res.ManualConflicts = append(res.ManualConflicts, f)
			default: // server_wins
				res.DroppedFields = append(res.DroppedFields, f)
			}

		default: // scalar
			if changedSince(cur, ancestor, f) && !next.Clocks[f].Newer(o.HLC, o.ID.Device) {
				// Committed write is the later one; the incoming
				// value silently loses.
				break
			}
			setScalar(next, f, incoming)
			clearConflicts(next, f)
			setFieldClock(next, f, o)
		}
	}
	res.Version = next
	return res, nil
}

// changedSince reports whether the committed write clock of field f
// moved between ancestor and cur, i.e. the server accepted a write to
// f that the pushing device had not seen.
func changedSince(cur, ancestor *op.Version, f string) bool {
	return cur.Clocks[f] != ancestor.Clocks[f]
}

// setScalar writes a plain value; nil clears the field.
func setScalar(v *op.Version, f string, value any) {
	if value == nil {
		delete(v.Payload, f)
		return
	}
	v.Payload[f] = value
}

// setFieldClock records the op as the field's last accepted writer.
// Value and clock always move together.
func setFieldClock(v *op.Version, f string, o op.Op) {
	v.Clocks[f] = op.FieldClock{HLC: o.HLC, Device: o.ID.Device}
}

// clearConflicts drops recorded conflicts for f. Any successful write
// to a conflicted field settles it.
func clearConflicts(v *op.Version, f string) {
	if len(v.Conflicts) == 0 {
		return
	}
	kept := v.Conflicts[:0]
	for _, c := range v.Conflicts {
		if c.Field != f {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		v.Conflicts = nil
		return
	}
	v.Conflicts = kept
}
