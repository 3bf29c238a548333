package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const shardCount = 32

// Config tunes the registry. Zero values pick the defaults.
type Config struct {
	OutboxSize      int           // frames buffered per session
	ReconnectWindow time.Duration // how long a dropped device may resume
	IdleTTL         time.Duration // backstop close for sessions nothing touches
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 1024
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = 60 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	return c
}

// parked remembers enough about a lost connection to let the same
// device resume within the reconnect window. The live object is gone;
// resume builds a fresh one around the old identity.
type parked struct {
	id       string
	owner    string
	device   string
	state    State
	lastAck  uint64
	openedAt time.Time
	parkedAt time.Time
	deadline time.Time
}

type shard struct {
	mu     sync.RWMutex
	live   map[string][]*Session // owner -> sessions, copy-on-write slices
	parked map[string]parked     // owner+"\x00"+device
}

// Registry is the in-memory session table: owner to live sessions for
// fan-out, plus a parking lot for recently dropped connections. Live
// slices are replaced wholesale on every add and remove, so Sessions
// hands them out without copying and callers iterate without a lock.
type Registry struct {
	cfg    Config
	shards [shardCount]*shard
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{cfg: cfg.withDefaults()}
	for i := range r.shards {
		r.shards[i] = &shard{
			live:   make(map[string][]*Session),
			parked: make(map[string]parked),
		}
	}
	return r
}

func (r *Registry) shardFor(owner string) *shard {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return r.shards[h.Sum32()%shardCount]
}

func parkKey(owner, device string) string { return owner + "\x00" + device }

// Open registers a fresh session in HANDSHAKING. An existing live
// session for the same device is superseded and closed; a parked one
// is discarded since the device chose to start over.
func (r *Registry) Open(owner, device string, lastAck uint64) *Session {
	s := newSession(uuid.New().String(), owner, device, lastAck, r.cfg.OutboxSize)
	sh := r.shardFor(owner)

	var superseded *Session
	sh.mu.Lock()
	cur := sh.live[owner]
	next := make([]*Session, 0, len(cur)+1)
	for _, old := range cur {
		if old.Device == device {
			superseded = old
			continue
		}
		next = append(next, old)
	}
	next = append(next, s)
	sh.live[owner] = next
	delete(sh.parked, parkKey(owner, device))
	sh.mu.Unlock()

	if superseded != nil {
		superseded.Close()
		log.Debug().
			Str("sessionId", superseded.ID).
			Str("deviceId", device).
			Msg("session superseded by new connection")
	}
	log.Debug().
		Str("sessionId", s.ID).
		Str("ownerId", owner).
		Str("deviceId", device).
		Uint64("lastAckSeq", lastAck).
		Msg("session opened")
	return s
}

// Resume revives a parked device within the reconnect window. The
// returned duration is how long the device was gone. The new session
// keeps the old id and opening time but starts over in HANDSHAKING;
// nothing buffered survived the gap, catch-up covers it.
func (r *Registry) Resume(owner, device string, lastAck uint64) (*Session, time.Duration, bool) {
	sh := r.shardFor(owner)
	key := parkKey(owner, device)

	sh.mu.Lock()
	p, ok := sh.parked[key]
	if !ok || time.Now().After(p.deadline) {
		delete(sh.parked, key)
		sh.mu.Unlock()
		return nil, 0, false
	}
	delete(sh.parked, key)

	s := newSession(p.id, owner, device, lastAck, r.cfg.OutboxSize)
	s.OpenedAt = p.openedAt
	cur := sh.live[owner]
	next := make([]*Session, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	sh.live[owner] = next
	sh.mu.Unlock()

	gap := time.Since(p.parkedAt)
	log.Debug().
		Str("sessionId", s.ID).
		Str("deviceId", device).
		Dur("gap", gap).
		Msg("session resumed")
	return s, gap, true
}

// Park pulls a session out of fan-out after transport loss, keeping
// its identity around so the device can resume. Sessions already
// winding down are closed outright.
func (r *Registry) Park(s *Session) {
	state := s.State()
	if state == StateClosed || state == StateDraining {
		r.Close(s)
		return
	}

	sh := r.shardFor(s.Owner)
	sh.mu.Lock()
	removeLive(sh, s)
	now := time.Now()
	sh.parked[parkKey(s.Owner, s.Device)] = parked{
		id:       s.ID,
		owner:    s.Owner,
		device:   s.Device,
		state:    state,
		lastAck:  s.LastAck(),
		openedAt: s.OpenedAt,
		parkedAt: now,
		deadline: now.Add(r.cfg.ReconnectWindow),
	}
	sh.mu.Unlock()

	s.Close()
	log.Debug().
		Str("sessionId", s.ID).
		Str("deviceId", s.Device).
		Msg("session parked for reconnect")
}

// Close removes the session from fan-out and marks it CLOSED with no
// resume window.
func (r *Registry) Close(s *Session) {
	sh := r.shardFor(s.Owner)
	sh.mu.Lock()
	removeLive(sh, s)
	sh.mu.Unlock()
	s.Close()
	log.Debug().Str("sessionId", s.ID).Msg("session closed")
}

// removeLive drops one session from its owner's slice. Caller holds
// the shard write lock.
func removeLive(sh *shard, s *Session) {
	cur := sh.live[s.Owner]
	next := make([]*Session, 0, len(cur))
	for _, o := range cur {
		if o != s {
			next = append(next, o)
		}
	}
	if len(next) == 0 {
		delete(sh.live, s.Owner)
	} else {
		sh.live[s.Owner] = next
	}
}

// Sessions returns the live sessions for an owner. The slice is
// copy-on-write: safe to iterate, never mutated in place.
func (r *Registry) Sessions(owner string) []*Session {
	sh := r.shardFor(owner)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.live[owner]
}

// CloseOwner force-closes every session and parking slot for an owner.
// Wipe uses this: every device has to re-handshake against the new
// epoch.
func (r *Registry) CloseOwner(owner string) int {
	sh := r.shardFor(owner)
	sh.mu.Lock()
	sessions := sh.live[owner]
	delete(sh.live, owner)
	for key, p := range sh.parked {
		if p.owner == owner {
			delete(sh.parked, key)
		}
	}
	sh.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		log.Info().
			Str("ownerId", owner).
			Int("count", len(sessions)).
			Msg("closed all owner sessions")
	}
	return len(sessions)
}

// CloseAll force-closes every session and parking slot across all
// owners. Process shutdown uses this so socket handlers unwind before
// the listener's drain deadline.
func (r *Registry) CloseAll() int {
	n := 0
	for _, sh := range r.shards {
		var all []*Session
		sh.mu.Lock()
		for owner, sessions := range sh.live {
			all = append(all, sessions...)
			delete(sh.live, owner)
		}
		for key := range sh.parked {
			delete(sh.parked, key)
		}
		sh.mu.Unlock()

		for _, s := range all {
			s.Close()
		}
		n += len(all)
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("closed all sessions")
	}
	return n
}

// Count reports live sessions across all owners.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sessions := range sh.live {
			n += len(sessions)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Info is the introspection view of one session.
type Info struct {
	ID       string    `json:"id"`
	OwnerID  string    `json:"ownerId"`
	DeviceID string    `json:"deviceId"`
	State    string    `json:"state"`
	LastAck  uint64    `json:"lastAckSeq"`
	OpenedAt time.Time `json:"openedAt"`
	LastSeen time.Time `json:"lastSeen"`
	Parked   bool      `json:"parked,omitempty"`
}

// Snapshot lists every session, live and parked, sorted by owner then
// device for stable output.
func (r *Registry) Snapshot() []Info {
	var out []Info
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, sessions := range sh.live {
			for _, s := range sessions {
				out = append(out, Info{
					ID:       s.ID,
					OwnerID:  s.Owner,
					DeviceID: s.Device,
					State:    s.State().String(),
					LastAck:  s.LastAck(),
					OpenedAt: s.OpenedAt,
					LastSeen: s.LastSeen(),
				})
			}
		}
		for _, p := range sh.parked {
			out = append(out, Info{
				ID:       p.id,
				OwnerID:  p.owner,
				DeviceID: p.device,
				State:    p.state.String(),
				LastAck:  p.lastAck,
				OpenedAt: p.openedAt,
				LastSeen: p.parkedAt,
				Parked:   true,
			})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Run sweeps expired parking slots and force-closes sessions nothing
// has touched past the idle TTL. Blocks until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	expired, idled := 0, 0
	for _, sh := range r.shards {
		var stale []*Session
		sh.mu.Lock()
		for key, p := range sh.parked {
			if now.After(p.deadline) {
				delete(sh.parked, key)
				expired++
			}
		}
		for _, sessions := range sh.live {
			for _, s := range sessions {
				if now.Sub(s.LastSeen()) > r.cfg.IdleTTL {
					stale = append(stale, s)
				}
			}
		}
		sh.mu.Unlock()
		for _, s := range stale {
			r.Close(s)
			idled++
		}
	}
	if expired > 0 || idled > 0 {
		log.Info().
			Int("expiredParked", expired).
			Int("idleClosed", idled).
			Msg("session sweep")
	}
}
