// Package orchestrator is the commit authority (C5). One loop per
// owner serializes every write for that owner: push batches, offline
// queue drains and wipes all funnel through the owner's mailbox, so
// merge-and-commit never races itself. Reads (pull, head, epoch) go
// straight to the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/telemetry"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/hlc"
	"github.com/tutorloop/sync-server/internal/merge"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/queue"
	"github.com/tutorloop/sync-server/internal/store"
	"github.com/tutorloop/sync-server/internal/wire"
)

// ErrShutdown is returned for work submitted after Shutdown began.
var ErrShutdown = errors.New("orchestrator: shutting down")

// DLQPrefix namespaces dead-letter queues away from device queues.
const DLQPrefix = "dlq:"

// Config tunes the hub. Zero values pick the defaults.
type Config struct {
	IdleTeardown time.Duration // tear down an owner loop after this much silence
	MailboxSize  int           // pending requests per owner
	MaxBatchOps  int           // ops accepted per push
	MaxPullLimit int           // page cap for pulls
}

func (c Config) withDefaults() Config {
	if c.IdleTeardown <= 0 {
		c.IdleTeardown = 30 * time.Minute
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.MaxBatchOps <= 0 {
		c.MaxBatchOps = 100
	}
	if c.MaxPullLimit <= 0 {
		c.MaxPullLimit = 500
	}
	return c
}

// Hub hands work to per-owner loops, creating them lazily and tearing
// them down after the idle interval.
type Hub struct {
	store  store.Store
	queue  queue.Queue
	bus    bus.Bus
	engine *merge.Engine
	clock  *hlc.Clock
	cfg    Config

	mu     sync.Mutex
	owners map[string]*owner
	done   chan struct{}
	wg     sync.WaitGroup
}

type owner struct {
	id       string
	requests chan request
	// pending counts senders that picked this owner but have not
	// finished submitting; teardown waits for zero.
	pending atomic.Int64
}

type request struct {
	kind   reqKind
	ops    []op.Op
	device string
	reply  chan reply
}

type reqKind int

const (
	reqPush reqKind = iota
	reqDrain
	reqWipe
)

type reply struct {
	acks    map[string]wire.OpAck
	drained int
	epoch   uint64
	err     error
}

func New(st store.Store, q queue.Queue, b bus.Bus, eng *merge.Engine, clock *hlc.Clock, cfg Config) *Hub {
	return &Hub{
		store:  st,
		queue:  q,
		bus:    b,
		engine: eng,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		owners: make(map[string]*owner),
		done:   make(chan struct{}),
	}
}

// Push applies a batch in device order and returns one ack per op,
// keyed by op id. Per-op failures land in the acks; the returned error
// is reserved for submission failures (shutdown, context).
func (h *Hub) Push(ctx context.Context, ownerID string, ops []op.Op) (map[string]wire.OpAck, error) {
	if len(ops) > h.cfg.MaxBatchOps {
		return nil, fmt.Errorf("orchestrator: batch of %d exceeds limit %d", len(ops), h.cfg.MaxBatchOps)
	}
	rep, err := h.submit(ctx, ownerID, request{kind: reqPush, ops: ops})
	if err != nil {
		return nil, err
	}
	return rep.acks, rep.err
}

// DrainDevice commits the device's queued ops oldest-first. Retryable
// failures stop the drain and leave the rest queued; poisoned ops move
// to the owner's dead-letter queue. Returns how many entries left the
// queue.
func (h *Hub) DrainDevice(ctx context.Context, ownerID, device string) (int, error) {
	rep, err := h.submit(ctx, ownerID, request{kind: reqDrain, device: device})
	if err != nil {
		return 0, err
	}
	return rep.drained, rep.err
}

// Wipe erases the owner's data, bumps the epoch, purges queued ops for
// the devices named in the live queue set, and announces the reset on
// the owner topic.
func (h *Hub) Wipe(ctx context.Context, ownerID string) (uint64, error) {
	rep, err := h.submit(ctx, ownerID, request{kind: reqWipe})
	if err != nil {
		return 0, err
	}
	return rep.epoch, rep.err
}

// Pull reads the owner log tail directly; no serialization needed.
func (h *Hub) Pull(ctx context.Context, ownerID string, sinceSeq uint64, limit int) ([]op.Committed, bool, error) {
	if limit <= 0 || limit > h.cfg.MaxPullLimit {
		limit = h.cfg.MaxPullLimit
	}
	return h.store.GetSince(ctx, ownerID, sinceSeq, limit)
}

// HeadSeq reads the owner's current log head.
func (h *Hub) HeadSeq(ctx context.Context, ownerID string) (uint64, error) {
	return h.store.HeadSeq(ctx, ownerID)
}

// Epoch reads the owner's current epoch.
func (h *Hub) Epoch(ctx context.Context, ownerID string) (uint64, error) {
	return h.store.Epoch(ctx, ownerID)
}

// EnqueueOffline parks an op in the device's queue without committing,
// collapsing onto any queued entry for the same record. Beacon-style
// submissions from closing clients land here.
func (h *Hub) EnqueueOffline(ctx context.Context, device string, o op.Op) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.ID.Device != device {
		return fmt.Errorf("orchestrator: op authored by %q cannot enter queue of %q", o.ID.Device, device)
	}
	if err := h.queue.Enqueue(ctx, device, o, true); err != nil {
		return err
	}
	if depth, err := h.queue.Depth(ctx, device); err == nil {
		telemetry.QueueDepth.WithLabelValues(device).Set(float64(depth))
	}
	return nil
}

// ActiveOwners reports how many owner loops are running.
func (h *Hub) ActiveOwners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.owners)
}

// Shutdown refuses new work and waits for running owner loops to
// finish their current request. Requests still in mailboxes are
// answered with ErrShutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	close(h.done)
	h.owners = make(map[string]*owner)
	h.mu.Unlock()
	h.wg.Wait()
}

// submit routes a request to the owner's loop and waits for the reply.
func (h *Hub) submit(ctx context.Context, ownerID string, req request) (reply, error) {
	req.reply = make(chan reply, 1)

	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return reply{}, ErrShutdown
	default:
	}
	o, ok := h.owners[ownerID]
	if !ok {
		o = &owner{
			id:       ownerID,
			requests: make(chan request, h.cfg.MailboxSize),
		}
		h.owners[ownerID] = o
		h.wg.Add(1)
		go h.loop(o)
	}
	o.pending.Add(1)
	h.mu.Unlock()

	select {
	case o.requests <- req:
		o.pending.Add(-1)
	case <-h.done:
		o.pending.Add(-1)
		return reply{}, ErrShutdown
	case <-ctx.Done():
		o.pending.Add(-1)
		return reply{}, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep, nil
	case <-h.done:
		return reply{}, ErrShutdown
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// loop serializes all writes for one owner. It exits when the hub
// shuts down or after the idle interval with nothing in flight.
func (h *Hub) loop(o *owner) {
	defer h.wg.Done()
	logger := log.With().Str("ownerId", o.id).Logger()
	logger.Debug().Msg("owner loop started")

	idle := time.NewTimer(h.cfg.IdleTeardown)
	defer idle.Stop()

	for {
		select {
		case <-h.done:
			for {
				select {
				case req := <-o.requests:
					req.reply <- reply{err: ErrShutdown}
				default:
					logger.Debug().Msg("owner loop stopped for shutdown")
					return
				}
			}

		case req := <-o.requests:
			req.reply <- h.handle(o.id, req)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(h.cfg.IdleTeardown)

		case <-idle.C:
			h.mu.Lock()
			if len(o.requests) == 0 && o.pending.Load() == 0 && h.owners[o.id] == o {
				delete(h.owners, o.id)
				h.mu.Unlock()
				logger.Debug().Msg("owner loop torn down after idle interval")
				return
			}
			h.mu.Unlock()
			idle.Reset(h.cfg.IdleTeardown)
		}
	}
}

func (h *Hub) handle(ownerID string, req request) reply {
	// Requests carry no deadline into the loop: a caller that gave up
	// must not abort a half-applied batch.
	ctx := context.Background()
	switch req.kind {
	case reqPush:
		acks := make(map[string]wire.OpAck, len(req.ops))
		for _, o := range req.ops {
			acks[o.ID.String()] = h.applyOp(ctx, ownerID, o)
		}
		return reply{acks: acks}
	case reqDrain:
		n, err := h.drainDevice(ctx, ownerID, req.device)
		return reply{drained: n, err: err}
	case reqWipe:
		epoch, err := h.wipeOwner(ctx, ownerID)
		return reply{epoch: epoch, err: err}
	default:
		return reply{err: fmt.Errorf("orchestrator: unknown request kind %d", req.kind)}
	}
}

// applyOp runs the full commit pipeline for one op: idempotency check,
// merge, commit, announce. Every outcome is an ack; only the broadcast
// is fire-and-forget.
func (h *Hub) applyOp(ctx context.Context, ownerID string, o op.Op) wire.OpAck {
	if seq, ok, err := h.store.LookupOp(ctx, ownerID, o.ID); err != nil {
		return internalAck(err)
	} else if ok {
		return wire.OpAck{Seq: seq}
	}

	if err := o.Validate(); err != nil {
		telemetry.RejectsProtocol.Inc()
		return wire.OpAck{Error: &wire.ErrDetail{Code: wire.CodeProtocol, Message: err.Error()}}
	}
	if o.Owner != ownerID {
		telemetry.RejectsProtocol.Inc()
		return wire.OpAck{Error: &wire.ErrDetail{
			Code:    wire.CodeProtocol,
			Message: fmt.Sprintf("op owner %q does not match session owner %q", o.Owner, ownerID),
		}}
	}

	started := time.Now()
	now := h.clock.Observe(o.HLC)

	rec, err := h.store.Get(ctx, ownerID, o.Record)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return internalAck(err)
	}
	var cur *op.Version
	if rec != nil {
		cur = &rec.Version
	}

	res, mergeErr := h.mergeSafely(ctx, cur, o, now)
	if mergeErr != nil {
		if errors.Is(mergeErr, errMergePanic) {
			return h.deadLetter(ctx, ownerID, o, mergeErr)
		}
		return internalAck(mergeErr)
	}
	if res.Rejected() {
		return h.rejectAck(o, res.Reject)
	}

	seq, err := h.store.Commit(ctx, o, res.Version)
	if err != nil {
		return internalAck(err)
	}

	telemetry.Commits.Inc()
	telemetry.CommitLatency.Observe(time.Since(started).Seconds())
	if len(res.ManualConflicts) > 0 {
		telemetry.ConflictsManual.Inc()
	}

	h.announce(ctx, ownerID, seq)

	return wire.OpAck{Seq: seq, Conflicts: res.ManualConflicts}
}

var errMergePanic = errors.New("orchestrator: merge panicked")

// mergeSafely contains merge engine panics: a poisoned op must not
// take the owner loop down with it.
func (h *Hub) mergeSafely(ctx context.Context, cur *op.Version, o op.Op, now hlc.HLC) (res merge.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("ownerId", o.Owner).
				Str("recordId", o.Record).
				Str("opId", o.ID.String()).
				Interface("panic", r).
				Msg("merge engine panicked")
			err = fmt.Errorf("%w: %v", errMergePanic, r)
		}
	}()
	return h.engine.Merge(ctx, h.store, cur, o, now)
}

// deadLetter parks an op the merge engine cannot process. The owner
// stream is unaffected; an operator inspects the dlq queue later.
func (h *Hub) deadLetter(ctx context.Context, ownerID string, o op.Op, cause error) wire.OpAck {
	if err := h.queue.Enqueue(ctx, DLQPrefix+ownerID, o, false); err != nil {
		log.Error().Err(err).
			Str("ownerId", ownerID).
			Str("opId", o.ID.String()).
			Msg("dead-letter enqueue failed, op dropped")
	} else {
		telemetry.DeadLettered.Inc()
	}
	return wire.OpAck{Error: &wire.ErrDetail{
		Code:    wire.CodeInternal,
		Message: fmt.Sprintf("merge failed, op dead-lettered: %v", cause),
	}}
}

func (h *Hub) rejectAck(o op.Op, reason string) wire.OpAck {
	switch reason {
	case merge.ReasonStaleBase:
		telemetry.RejectsStale.Inc()
		return wire.OpAck{Error: &wire.ErrDetail{
			Code:    wire.CodeStaleBase,
			Message: "base vector is ahead of or reuses committed history; pull and rebase",
		}}
	default:
		telemetry.RejectsProtocol.Inc()
		return wire.OpAck{Error: &wire.ErrDetail{
			Code:    wire.CodeProtocol,
			Message: "op patch does not fit the record schema",
		}}
	}
}

// announce publishes the new head on the owner topic. Failure is
// logged and counted but never unwinds the commit; subscribers recover
// through pull.
func (h *Hub) announce(ctx context.Context, ownerID string, seq uint64) {
	started := time.Now()
	if err := h.bus.Publish(ctx, bus.SyncTopic(ownerID), bus.Message{Seq: seq}); err != nil {
		telemetry.BroadcastFailures.Inc()
		log.Warn().Err(err).
			Str("ownerId", ownerID).
			Uint64("seq", seq).
			Msg("commit broadcast failed, sessions recover via pull")
		return
	}
	telemetry.BroadcastLatency.Observe(time.Since(started).Seconds())
}

// drainDevice feeds queued ops through the commit pipeline.
// Infrastructure failures stop the drain so the entry is retried
// later; semantic rejects and dead-letters consume the entry, since
// replaying them can never succeed.
func (h *Hub) drainDevice(ctx context.Context, ownerID, device string) (int, error) {
	n, err := h.queue.Drain(ctx, device, func(e queue.Entry) error {
		ack := h.applyOp(ctx, ownerID, e.Op)
		switch {
		case ack.Error == nil:
			return nil
		case ack.Error.Retryable:
			return fmt.Errorf("drain %s: %s", e.Op.ID, ack.Error.Message)
		case ack.Error.Code == wire.CodeInternal:
			// applyOp already dead-lettered it; consume the entry.
			return nil
		}
		log.Warn().
			Str("ownerId", ownerID).
			Str("deviceId", device).
			Str("opId", e.Op.ID.String()).
			Str("code", ack.Error.Code).
			Msg("queued op refused, moving to dead letters")
		if err := h.queue.Enqueue(ctx, DLQPrefix+ownerID, e.Op, false); err != nil {
			return fmt.Errorf("dead-letter %s: %w", e.Op.ID, err)
		}
		telemetry.DeadLettered.Inc()
		return nil
	})

	if depth, derr := h.queue.Depth(ctx, device); derr == nil {
		telemetry.QueueDepth.WithLabelValues(device).Set(float64(depth))
	}
	return n, err
}

// wipeOwner resets the owner inside the loop so no commit interleaves
// with the erase. Queued device work is left alone: queued ops against
// the old epoch will reject at drain time and dead-letter.
func (h *Hub) wipeOwner(ctx context.Context, ownerID string) (uint64, error) {
	epoch, err := h.store.Wipe(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	log.Info().
		Str("ownerId", ownerID).
		Uint64("epoch", epoch).
		Msg("owner wiped")

	if err := h.bus.Publish(ctx, bus.SyncTopic(ownerID), bus.Message{Wipe: true, Epoch: epoch}); err != nil {
		telemetry.BroadcastFailures.Inc()
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("wipe broadcast failed")
	}
	return epoch, nil
}

func internalAck(err error) wire.OpAck {
	return wire.OpAck{Error: &wire.ErrDetail{
		Code:      wire.CodeInternal,
		Message:   err.Error(),
		Retryable: true,
	}}
}
