package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/merge"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/schema"
)

// Memory is the in-process Store used by tests and single-node dev
// runs. State is copied on the way in and out, so callers can never
// alias committed versions.
type Memory struct {
	mu      sync.RWMutex
	schemas *schema.Registry
	owners  map[string]*memOwner
}

type memOwner struct {
	head    uint64
	epoch   uint64
	records map[string]*op.Record
	log     []op.Committed
	byOpID  map[string]uint64
}

func NewMemory(schemas *schema.Registry) *Memory {
	return &Memory{
		schemas: schemas,
		owners:  make(map[string]*memOwner),
	}
}

func (m *Memory) owner(id string) *memOwner {
	o, ok := m.owners[id]
	if !ok {
		o = &memOwner{
			epoch:   1,
			records: make(map[string]*op.Record),
			byOpID:  make(map[string]uint64),
		}
		m.owners[id] = o
	}
	return o
}

func (m *Memory) Get(ctx context.Context, owner, record string) (*op.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[owner]
	if !ok {
		return nil, ErrNotFound
	}
	r, ok := o.records[record]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *Memory) Records(ctx context.Context, owner string) ([]op.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[owner]
	if !ok {
		return nil, nil
	}
	out := make([]op.Record, 0, len(o.records))
	for _, r := range o.records {
		if r.Tombstone {
			continue
		}
		out = append(out, *cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetSince(ctx context.Context, owner string, afterSeq uint64, limit int) ([]op.Committed, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[owner]
	if !ok {
		return nil, false, nil
	}
	// The log is gap-free from seq 1, so the entry with seq n lives at
	// index n-1.
	if afterSeq >= uint64(len(o.log)) {
		return nil, false, nil
	}
	tail := o.log[afterSeq:]
	hasMore := false
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
		hasMore = true
	}
	out := make([]op.Committed, len(tail))
	for i := range tail {
		out[i] = cloneCommitted(tail[i])
	}
	return out, hasMore, nil
}

func (m *Memory) HeadSeq(ctx context.Context, owner string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.owners[owner]; ok {
		return o.head, nil
	}
	return 0, nil
}

func (m *Memory) LookupOp(ctx context.Context, owner string, id op.ID) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.owners[owner]; ok {
		seq, ok := o.byOpID[id.String()]
		return seq, ok, nil
	}
	return 0, false, nil
}

func (m *Memory) Commit(ctx context.Context, o op.Op, v *op.Version) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ow := m.owner(o.Owner)

	if seq, ok := ow.byOpID[o.ID.String()]; ok {
		return seq, nil
	}

	ow.head++
	seq := ow.head

	rec, ok := ow.records[o.Record]
	if !ok {
		rec = &op.Record{Owner: o.Owner, ID: o.Record, Type: o.Type}
		ow.records[o.Record] = rec
	}
	if rec.Type == "" {
		rec.Type = o.Type
	}
	rec.Seq = seq
	rec.Version = *v.Clone()

	ow.log = append(ow.log, op.Committed{
		Seq:     seq,
		Op:      o.Clone(),
		Version: *v.Clone(),
		Digest:  v.Digest(),
	})
	ow.byOpID[o.ID.String()] = seq
	return seq, nil
}

func (m *Memory) Ancestor(ctx context.Context, owner, record string, a, b op.Vector) (*op.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[owner]
	if !ok {
		return nil, nil
	}
	for i := len(o.log) - 1; i >= 0; i-- {
		e := &o.log[i]
		if e.Op.Record != record {
			continue
		}
		if e.Version.Vector.DominatedBy(a) && e.Version.Vector.DominatedBy(b) {
			return e.Version.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) Epoch(ctx context.Context, owner string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.owners[owner]; ok {
		return o.epoch, nil
	}
	return 1, nil
}

func (m *Memory) Wipe(ctx context.Context, owner string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.owner(owner)
	o.epoch++
	o.head = 0
	o.records = make(map[string]*op.Record)
	o.log = nil
	o.byOpID = make(map[string]uint64)
	return o.epoch, nil
}

func (m *Memory) PurgeTombstones(ctx context.Context, cutoff hlc.HLC) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for _, o := range m.owners {
		for id, r := range o.records {
			if r.Tombstone && r.UpdatedAt.Before(cutoff) {
				delete(o.records, id)
				touched++
				continue
			}
			rt := m.schemas.Lookup(r.Type)
			if merge.PurgeElementTombstones(rt, &r.Version, cutoff) {
				touched++
			}
		}
	}
	return touched, nil
}

func (m *Memory) Close() {}

func cloneRecord(r *op.Record) *op.Record {
	out := *r
	out.Version = *r.Version.Clone()
	return &out
}

func cloneCommitted(c op.Committed) op.Committed {
	return op.Committed{
		Seq:     c.Seq,
		Op:      c.Op.Clone(),
		Version: *c.Version.Clone(),
		Digest:  c.Digest,
	}
}
