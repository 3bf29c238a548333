package store

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/op"
)

// countingStore counts reads that reach the backing store.
type countingStore struct {
	Store
	gets atomic.Int64
}

func (c *countingStore) Get(ctx context.Context, owner, record string) (*op.Record, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, owner, record)
}

func TestCachedServesRepeatReadsFromMemory(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemory(testSchemas(t))}
	cached, err := NewCached(inner, 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	o := mkOp("fam-1", "d1", 1, "rec-1", map[string]any{"title": "x"}, nil, hlc.New(100, 0))
	if _, err := cached.Commit(ctx, o, &op.Version{
		Vector: op.Vector{"d1": 1}, Payload: map[string]any{"title": "x"},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for i := 0; i < 3; i++ {
		rec, err := cached.Get(ctx, "fam-1", "rec-1")
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if rec.Payload["title"] != "x" {
			t.Fatalf("payload = %v", rec.Payload)
		}
	}
	if n := inner.gets.Load(); n != 0 {
		t.Errorf("backing store saw %d reads, want 0 (write-through)", n)
	}

	// Mutating a returned record must not leak into the cache.
	rec, _ := cached.Get(ctx, "fam-1", "rec-1")
	rec.Payload["title"] = "tampered"
	rec2, _ := cached.Get(ctx, "fam-1", "rec-1")
	if rec2.Payload["title"] != "x" {
		t.Error("cache entry aliased by caller mutation")
	}
}

func TestCachedReadThroughAndWipe(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(testSchemas(t))
	inner := &countingStore{Store: mem}
	cached, err := NewCached(inner, 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	// Seed behind the cache's back; first read must fall through.
	o := mkOp("fam-1", "d1", 1, "rec-1", map[string]any{"title": "seeded"}, nil, hlc.New(100, 0))
	if _, err := mem.Commit(ctx, o, &op.Version{
		Vector: op.Vector{"d1": 1}, Payload: map[string]any{"title": "seeded"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := cached.Get(ctx, "fam-1", "rec-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := cached.Get(ctx, "fam-1", "rec-1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := inner.gets.Load(); n != 1 {
		t.Errorf("backing store saw %d reads, want 1", n)
	}

	epoch, err := cached.Wipe(ctx, "fam-1")
	if err != nil || epoch != 2 {
		t.Fatalf("wipe = %d, %v", epoch, err)
	}
	if _, err := cached.Get(ctx, "fam-1", "rec-1"); err != ErrNotFound {
		t.Errorf("cache served a wiped record: %v", err)
	}
}

func TestCachedKeepsNewerCommitOverStaleRead(t *testing.T) {
	ctx := context.Background()
	cached, err := NewCached(NewMemory(testSchemas(t)), 16)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	o1 := mkOp("fam-1", "d1", 1, "rec-1", map[string]any{"title": "v1"}, nil, hlc.New(100, 0))
	if _, err := cached.Commit(ctx, o1, &op.Version{
		Vector: op.Vector{"d1": 1}, Payload: map[string]any{"title": "v1"},
	}); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	o2 := mkOp("fam-1", "d1", 2, "rec-1", map[string]any{"title": "v2"}, op.Vector{"d1": 1}, hlc.New(200, 0))
	if _, err := cached.Commit(ctx, o2, &op.Version{
		Vector: op.Vector{"d1": 2}, Payload: map[string]any{"title": "v2"},
	}); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	// A racing reader trying to install the older state loses.
	cached.put(&op.Record{Owner: "fam-1", ID: "rec-1", Seq: 1, Version: op.Version{
		Vector: op.Vector{"d1": 1}, Payload: map[string]any{"title": "v1"},
	}})

	rec, err := cached.Get(ctx, "fam-1", "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Seq != 2 || rec.Payload["title"] != "v2" {
		t.Errorf("cache regressed to %+v", rec)
	}
}
