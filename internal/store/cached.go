package store

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/op"
)

// Cached wraps a Store with an LRU over current record state. Merges
// read the current version of a record on every push, and a hot owner
// hits the same handful of records repeatedly; the cache keeps those
// reads off the database.
type Cached struct {
	inner Store

	mu  sync.Mutex
	lru *lru.Cache[string, *op.Record]
}

func NewCached(inner Store, size int) (*Cached, error) {
	c, err := lru.New[string, *op.Record](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, lru: c}, nil
}

func cacheKey(owner, record string) string {
	return owner + "\x00" + record
}

// put stores rec unless a newer commit is already cached. Reads that
// lose a race against a commit must not clobber it.
func (c *Cached) put(rec *op.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(rec.Owner, rec.ID)
	if old, ok := c.lru.Get(key); ok && old.Seq > rec.Seq {
		return
	}
	c.lru.Add(key, rec)
}

func (c *Cached) Get(ctx context.Context, owner, record string) (*op.Record, error) {
	c.mu.Lock()
	cached, ok := c.lru.Get(cacheKey(owner, record))
	c.mu.Unlock()
	if ok {
		return cloneRecord(cached), nil
	}

	rec, err := c.inner.Get(ctx, owner, record)
	if err != nil {
		return nil, err
	}
	c.put(cloneRecord(rec))
	return rec, nil
}

func (c *Cached) Commit(ctx context.Context, o op.Op, v *op.Version) (uint64, error) {
	seq, err := c.inner.Commit(ctx, o, v)
	if err != nil {
		// The write may or may not have landed; drop the entry so the
		// next read goes to the source of truth.
		c.invalidate(o.Owner, o.Record)
		return 0, err
	}

	rec := &op.Record{Owner: o.Owner, ID: o.Record, Type: o.Type, Seq: seq, Version: *v.Clone()}
	c.mu.Lock()
	if old, ok := c.lru.Get(cacheKey(o.Owner, o.Record)); ok && old.Type != "" {
		rec.Type = old.Type
	}
	c.mu.Unlock()
	c.put(rec)
	return seq, nil
}

func (c *Cached) invalidate(owner, record string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(cacheKey(owner, record))
}

func (c *Cached) Wipe(ctx context.Context, owner string) (uint64, error) {
	epoch, err := c.inner.Wipe(ctx, owner)
	if err != nil {
		return 0, err
	}
	prefix := owner + "\x00"
	c.mu.Lock()
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
	c.mu.Unlock()
	return epoch, nil
}

func (c *Cached) PurgeTombstones(ctx context.Context, cutoff hlc.HLC) (int, error) {
	touched, err := c.inner.PurgeTombstones(ctx, cutoff)
	if touched > 0 {
		// The sweep rewrites rows behind the cache's back.
		c.mu.Lock()
		c.lru.Purge()
		c.mu.Unlock()
	}
	return touched, err
}

func (c *Cached) Records(ctx context.Context, owner string) ([]op.Record, error) {
	return c.inner.Records(ctx, owner)
}

func (c *Cached) GetSince(ctx context.Context, owner string, afterSeq uint64, limit int) ([]op.Committed, bool, error) {
	return c.inner.GetSince(ctx, owner, afterSeq, limit)
}

func (c *Cached) HeadSeq(ctx context.Context, owner string) (uint64, error) {
	return c.inner.HeadSeq(ctx, owner)
}

func (c *Cached) LookupOp(ctx context.Context, owner string, id op.ID) (uint64, bool, error) {
	return c.inner.LookupOp(ctx, owner, id)
}

func (c *Cached) Ancestor(ctx context.Context, owner, record string, a, b op.Vector) (*op.Version, error) {
	return c.inner.Ancestor(ctx, owner, record, a, b)
}

func (c *Cached) Epoch(ctx context.Context, owner string) (uint64, error) {
	return c.inner.Epoch(ctx, owner)
}

func (c *Cached) Close() {
	c.inner.Close()
}
