package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/telemetry"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/op"
	"github.com/tutorloop/sync-server/internal/session"
	"github.com/tutorloop/sync-server/internal/wire"
)

// fanout is one owner's bus consumer. It keeps a delivered cursor and
// pushes DELIVER frames to that owner's live sessions in commit order.
// Bus events are hints, not the payload: whenever the announced seqs
// run ahead of the cursor, the missing range is fetched from the log,
// so a dropped or reordered announcement costs latency, never data.
type fanout struct {
	owner string
	g     *Gateway

	mu        sync.Mutex
	refs      int
	delivered uint64               // highest seq fanned out to sessions
	pending   map[uint64]time.Time // announced seqs beyond delivered+1
	gapTimer  *time.Timer
	kicks     map[string]chan struct{} // session id -> resync nudge
	syncSub   *bus.Subscription
	relaySub  *bus.Subscription
}

// relayEnvelope is the relay topic's payload: who sent the frame and
// what it carried.
type relayEnvelope struct {
	Channel    string          `json:"channel,omitempty"`
	FromDevice string          `json:"from_device"`
	Payload    json.RawMessage `json:"payload"`
}

func newFanout(g *Gateway, owner string) *fanout {
	return &fanout{
		owner:   owner,
		g:       g,
		pending: make(map[uint64]time.Time),
		kicks:   make(map[string]chan struct{}),
	}
}

// attach registers a connection's resync channel. The fanout nudges it
// when the bus reports possible loss and the session should re-check
// the log tail.
func (f *fanout) attach(sessionID string, kick chan struct{}) {
	f.mu.Lock()
	f.kicks[sessionID] = kick
	f.mu.Unlock()
}

func (f *fanout) detach(sessionID string) {
	f.mu.Lock()
	delete(f.kicks, sessionID)
	f.mu.Unlock()
}

// goLive flips a caught-up session to LIVE, but only if the fanout
// cursor has not moved past the session's delivered cursor in the
// meantime. A false return means new commits landed while the session
// was finishing catch-up and it must stream another page first.
func (f *fanout) goLive(s *session.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered > s.Delivered() {
		return false
	}
	return s.Transition(session.StateLive)
}

// onSync handles commit announcements, resync hints, and wipes.
func (f *fanout) onSync(_ string, m bus.Message) {
	if m.Wipe {
		n := f.g.sessions.CloseOwner(f.owner)
		log.Info().
			Str("ownerId", f.owner).
			Uint64("epoch", m.Epoch).
			Int("sessionsClosed", n).
			Msg("owner wiped, sessions closed")
		f.mu.Lock()
		f.delivered = 0
		f.pending = make(map[uint64]time.Time)
		f.stopGapTimerLocked()
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if m.Resync {
		// The bus transport reconnected and may have dropped events.
		// Catch the owner stream up from the log and nudge every
		// connection to double-check its own cursor.
		f.refetchLocked()
		f.kickAllLocked()
		return
	}

	if m.Seq == 0 || m.Seq <= f.delivered {
		return
	}
	if _, dup := f.pending[m.Seq]; !dup {
		f.pending[m.Seq] = time.Now()
	}
	f.advanceLocked()
}

// advanceLocked fans out the contiguous run starting at delivered+1
// and decides what to do with whatever remains out of order.
func (f *fanout) advanceLocked() {
	upTo := f.delivered
	for {
		if _, ok := f.pending[upTo+1]; !ok {
			break
		}
		upTo++
	}
	if upTo > f.delivered {
		f.deliverRangeLocked(upTo)
	}

	switch {
	case len(f.pending) == 0:
		f.stopGapTimerLocked()
	case len(f.pending) > f.g.cfg.ReorderBuffer:
		telemetry.ReorderDrops.Inc()
		log.Warn().
			Str("ownerId", f.owner).
			Uint64("deliveredSeq", f.delivered).
			Int("pending", len(f.pending)).
			Msg("reorder buffer overflowed, repairing from log")
		f.refetchLocked()
	default:
		f.armGapTimerLocked()
	}
}

// deliverRangeLocked fetches (delivered, upTo] from the log and fans
// the entries out. The log is gap-free, so a short read only means the
// tail has not landed yet; the gap timer retries.
func (f *fanout) deliverRangeLocked(upTo uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), f.g.cfg.PullTimeout)
	defer cancel()
	for f.delivered < upTo {
		entries, _, err := f.g.hub.Pull(ctx, f.owner, f.delivered, int(upTo-f.delivered))
		if err != nil {
			log.Error().Err(err).Str("ownerId", f.owner).Msg("fan-out log read failed")
			return
		}
		if len(entries) == 0 {
			return
		}
		f.deliverEntriesLocked(entries)
	}
}

// refetchLocked streams the log tail from the cursor to the current
// head. Announcements for seqs past the head stay pending.
func (f *fanout) refetchLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), f.g.cfg.PullTimeout)
	defer cancel()
	for {
		entries, more, err := f.g.hub.Pull(ctx, f.owner, f.delivered, f.g.cfg.CatchUpChunk)
		if err != nil {
			log.Error().Err(err).Str("ownerId", f.owner).Msg("fan-out log repair failed")
			return
		}
		if len(entries) == 0 {
			return
		}
		f.deliverEntriesLocked(entries)
		if !more {
			return
		}
	}
}

// deliverEntriesLocked pushes committed ops to every live session and
// advances the cursor. A session whose outbox is full gets its buffer
// dropped and is sent to DRAINING; it will reconnect and catch up from
// its ack cursor.
func (f *fanout) deliverEntriesLocked(entries []op.Committed) {
	for _, e := range entries {
		if e.Seq <= f.delivered {
			continue
		}
		raw, err := wire.Marshal(wire.NewDeliver(e))
		if err != nil {
			log.Error().Err(err).Uint64("seq", e.Seq).Msg("deliver frame marshal failed")
			f.delivered = e.Seq
			continue
		}
		for _, s := range f.g.sessions.Sessions(f.owner) {
			if s.State() != session.StateLive || e.Seq <= s.Delivered() {
				continue
			}
			if s.TrySend(raw) {
				s.SetDelivered(e.Seq)
				continue
			}
			dropped := s.DropOutbox()
			telemetry.BroadcastFailures.Inc()
			log.Warn().
				Str("sessionId", s.ID).
				Str("deviceId", s.Device).
				Int("droppedFrames", dropped).
				Msg("session outbox overflowed, draining")
			if errRaw, merr := wire.Marshal(wire.NewError(wire.CodeBackpressure,
				"outbound buffer overflowed, reconnect and catch up", true)); merr == nil {
				s.TrySend(errRaw)
			}
			s.Transition(session.StateDraining)
		}
		f.delivered = e.Seq
	}
	for seq := range f.pending {
		if seq <= f.delivered {
			delete(f.pending, seq)
		}
	}
}

func (f *fanout) armGapTimerLocked() {
	if f.gapTimer != nil {
		return
	}
	f.gapTimer = time.AfterFunc(f.g.cfg.ReorderTimeout, f.onGapTimeout)
}

func (f *fanout) stopGapTimerLocked() {
	if f.gapTimer != nil {
		f.gapTimer.Stop()
		f.gapTimer = nil
	}
}

// onGapTimeout fires when an announced seq has been waiting past the
// reorder window. The announcement for the gap is presumed lost; the
// log is authoritative, so repair means reading it.
func (f *fanout) onGapTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gapTimer = nil
	if len(f.pending) == 0 {
		return
	}

	oldest := time.Now()
	for _, at := range f.pending {
		if at.Before(oldest) {
			oldest = at
		}
	}
	if time.Since(oldest) < f.g.cfg.ReorderTimeout {
		// Only young gaps remain; give their announcements time.
		f.armGapTimerLocked()
		return
	}

	telemetry.ReorderDrops.Inc()
	log.Warn().
		Str("ownerId", f.owner).
		Uint64("deliveredSeq", f.delivered).
		Int("pending", len(f.pending)).
		Msg("commit announcement gap timed out, repairing from log")
	f.refetchLocked()
	if len(f.pending) > 0 {
		f.armGapTimerLocked()
	}
}

// onRelay forwards an ephemeral frame to every connected session of
// the owner except the one that sent it. Relay frames are never
// buffered for absent devices and are dropped when an outbox is full.
func (f *fanout) onRelay(_ string, m bus.Message) {
	if len(m.Data) == 0 {
		return
	}
	var env relayEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		log.Error().Err(err).Str("ownerId", f.owner).Msg("relay envelope decode failed")
		return
	}
	frame := &wire.Relay{
		Type:       wire.TypeRelay,
		ID:         wire.NewID(),
		Channel:    env.Channel,
		FromDevice: env.FromDevice,
		Payload:    env.Payload,
	}
	raw, err := wire.Marshal(frame)
	if err != nil {
		return
	}
	for _, s := range f.g.sessions.Sessions(f.owner) {
		if s.Device == env.FromDevice {
			continue
		}
		if st := s.State(); st != session.StateLive && st != session.StateCatchingUp {
			continue
		}
		if !s.TrySend(raw) {
			log.Debug().
				Str("sessionId", s.ID).
				Str("channel", env.Channel).
				Msg("relay frame dropped, session backed up")
		}
	}
}

// kickAllLocked nudges every attached connection without blocking.
func (f *fanout) kickAllLocked() {
	for _, kick := range f.kicks {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// shutdown detaches the bus subscriptions and stops the gap timer.
func (f *fanout) shutdown() {
	if f.syncSub != nil {
		f.syncSub.Unsubscribe()
	}
	if f.relaySub != nil {
		f.relaySub.Unsubscribe()
	}
	f.mu.Lock()
	f.stopGapTimerLocked()
	f.mu.Unlock()
}
