package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State tracks where a session is in its lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateCatchingUp
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransition is the lifecycle table. CLOSED is terminal. LIVE may
// fall back to CATCHING_UP when the delivery stream hits a gap it
// cannot repair in place.
func validTransition(from, to State) bool {
	if from == to {
		return false
	}
	switch to {
	case StateCatchingUp:
		return from == StateHandshaking || from == StateLive
	case StateLive:
		return from == StateCatchingUp
	case StateDraining:
		return from == StateCatchingUp || from == StateLive
	case StateClosed:
		return true
	default:
		return false
	}
}

// Session is one device connection's server-side state: lifecycle
// state, ack and delivery cursors, liveness timestamp, and the bounded
// outbox a single write pump drains. Fields on the fan-out path are
// atomics so broadcast never takes a lock.
type Session struct {
	ID       string
	Owner    string
	Device   string
	OpenedAt time.Time

	state     atomic.Int32
	lastAck   atomic.Uint64
	delivered atomic.Uint64
	lastSeen  atomic.Int64

	outbox  chan []byte
	closing chan struct{}
	once    sync.Once
}

func newSession(id, owner, device string, lastAck uint64, outboxSize int) *Session {
	s := &Session{
		ID:       id,
		Owner:    owner,
		Device:   device,
		OpenedAt: time.Now().UTC(),
		outbox:   make(chan []byte, outboxSize),
		closing:  make(chan struct{}),
	}
	s.lastAck.Store(lastAck)
	s.delivered.Store(lastAck)
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// Transition moves the session to a new state if the step is legal.
// Entering DRAINING or CLOSED also signals Closing so pumps wind down.
func (s *Session) Transition(to State) bool {
	for {
		from := State(s.state.Load())
		if !validTransition(from, to) {
			return false
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			if to == StateDraining || to == StateClosed {
				s.once.Do(func() { close(s.closing) })
			}
			return true
		}
	}
}

// Close is Transition(StateClosed); repeats are no-ops.
func (s *Session) Close() { s.Transition(StateClosed) }

// Ack raises the acknowledged cursor; it never moves backwards.
func (s *Session) Ack(seq uint64) {
	for {
		cur := s.lastAck.Load()
		if seq <= cur || s.lastAck.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) LastAck() uint64 { return s.lastAck.Load() }

// Delivered is the delivery cursor: the highest seq handed to the
// outbox in order. The gateway owns advancing it.
func (s *Session) Delivered() uint64       { return s.delivered.Load() }
func (s *Session) SetDelivered(seq uint64) { s.delivered.Store(seq) }

// Touch marks the session as alive right now.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// TrySend queues a frame without blocking. False means the outbox is
// full or the session is winding down; the caller decides what that
// costs.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.outbox <- frame:
		return true
	default:
		return false
	}
}

// Send queues a frame, waiting up to timeout for room. Catch-up
// streaming uses this to pace itself against the device instead of
// declaring overflow. False means the session is winding down or the
// device stayed backed up past the timeout.
func (s *Session) Send(frame []byte, timeout time.Duration) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.outbox <- frame:
		return true
	case <-s.closing:
		return false
	case <-t.C:
		return false
	}
}

// Outbox is drained by exactly one write pump.
func (s *Session) Outbox() <-chan []byte { return s.outbox }

// Closing is signalled when the session enters DRAINING or CLOSED.
func (s *Session) Closing() <-chan struct{} { return s.closing }

// DropOutbox discards everything queued and reports how many frames
// were lost. Used on overflow: the device re-pulls from its ack cursor
// instead of receiving a stream with a hole in it.
func (s *Session) DropOutbox() int {
	n := 0
	for {
		select {
		case <-s.outbox:
			n++
		default:
			return n
		}
	}
}
