// Package gateway terminates device connections (C8). Each websocket
// is handshaken against the auth adapter, bound to a registry session,
// and served by three loops: a read loop dispatching device frames, a
// write pump that owns the socket's write side, and a sync pump that
// streams the owner log until the session is caught up and live.
// Fan-out of committed ops happens through one bus consumer per owner.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/auth"
	"github.com/tutorloop/sync-server/internal/adapter/telemetry"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/session"
	"github.com/tutorloop/sync-server/internal/wire"
)

// ProtocolVersion is the wire protocol generation this server speaks.
const ProtocolVersion = 1

// Config tunes the gateway. Zero values pick the defaults.
type Config struct {
	HandshakeTimeout  time.Duration // first frame must be a valid HELLO within this
	WriteTimeout      time.Duration // per-frame socket write deadline
	HeartbeatInterval time.Duration // server PING cadence
	HeartbeatMisses   int           // silent intervals tolerated before close
	MaxMessageBytes   int64         // read limit per frame
	PushTimeout       time.Duration // end-to-end budget for one PUSH batch
	PullTimeout       time.Duration // budget for one PULL page
	CatchUpChunk      int           // log entries streamed per page during catch-up
	ReorderBuffer     int           // out-of-order bus events held before repair
	ReorderTimeout    time.Duration // gap age that triggers repair from the log
	PushPerMinute     int           // sustained PUSH frames per device
	PushBurst         int           // PUSH burst per device
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 30 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 60 * time.Second
	}
	if c.CatchUpChunk <= 0 {
		c.CatchUpChunk = 256
	}
	if c.ReorderBuffer <= 0 {
		c.ReorderBuffer = 64
	}
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = 2 * time.Second
	}
	if c.PushPerMinute <= 0 {
		c.PushPerMinute = 600
	}
	if c.PushBurst <= 0 {
		c.PushBurst = 120
	}
	return c
}

// liveWindow is how long a device may stay silent before the
// connection is considered lost.
func (c Config) liveWindow() time.Duration {
	return time.Duration(c.HeartbeatMisses) * c.HeartbeatInterval
}

// Gateway owns the websocket endpoint and the per-owner fan-out
// consumers.
type Gateway struct {
	hub      *orchestrator.Hub
	sessions *session.Registry
	bus      bus.Bus
	auth     auth.Verifier
	cfg      Config
	limiter  *pushLimiter
	upgrader websocket.Upgrader

	mu      sync.Mutex
	fanouts map[string]*fanout
}

func New(hub *orchestrator.Hub, sessions *session.Registry, b bus.Bus, verifier auth.Verifier, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		hub:      hub,
		sessions: sessions,
		bus:      b,
		auth:     verifier,
		cfg:      cfg,
		limiter:  newPushLimiter(cfg.PushPerMinute, cfg.PushBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Sessions authenticate by token, not cookie; origin
			// checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		fanouts: make(map[string]*fanout),
	}
}

// ServeHTTP upgrades the request and runs the connection to
// completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		log.Warn().Err(err).Str("client", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	c := newConn(g, ws, r.RemoteAddr)
	c.run()
}

// Close stops the limiter and detaches every fan-out consumer. Open
// connections wind down when the listener closes their sockets.
func (g *Gateway) Close() {
	g.limiter.close()

	g.mu.Lock()
	fans := make([]*fanout, 0, len(g.fanouts))
	for _, f := range g.fanouts {
		fans = append(fans, f)
	}
	g.fanouts = make(map[string]*fanout)
	g.mu.Unlock()

	for _, f := range fans {
		f.shutdown()
	}
}

// handshake validates the HELLO, binds a session, and answers
// HELLO_OK. It writes the socket directly: the pumps do not exist yet.
func (g *Gateway) handshake(ws *websocket.Conn, remote string) (*session.Session, *fanout, error) {
	deadline := time.Now().Add(g.cfg.HandshakeTimeout)
	ws.SetReadLimit(g.cfg.MaxMessageBytes)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, fmt.Errorf("reading hello: %w", err)
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		return nil, nil, g.refuse(ws, wire.CodeProtocol, "malformed handshake frame", false)
	}
	hello, ok := frame.(*wire.Hello)
	if !ok {
		return nil, nil, g.refuse(ws, wire.CodeProtocol, "expected HELLO", false)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return nil, nil, g.refuse(ws, wire.CodeProtocol,
			fmt.Sprintf("protocol version %d not supported", hello.ProtocolVersion), false)
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	claims, err := g.auth.Verify(ctx, hello.AuthToken)
	if err != nil {
		return nil, nil, g.refuse(ws, wire.CodeUnauthorized, "token rejected", false)
	}
	if claims.OwnerID != hello.OwnerID || claims.DeviceID != hello.DeviceID {
		log.Warn().
			Str("client", remote).
			Str("tokenOwner", claims.OwnerID).
			Str("helloOwner", hello.OwnerID).
			Msg("hello identity does not match token")
		return nil, nil, g.refuse(ws, wire.CodeUnauthorized, "token does not match the presented identity", false)
	}

	epoch, err := g.hub.Epoch(ctx, hello.OwnerID)
	if err != nil {
		return nil, nil, g.refuse(ws, wire.CodeInternal, "epoch lookup failed", true)
	}
	if hello.Epoch != 0 && hello.Epoch != epoch {
		// The owner was wiped since this device last synced. It must
		// discard its replica and start over from seq 0.
		return nil, nil, g.refuse(ws, wire.CodeEpochMismatch,
			fmt.Sprintf("server is at epoch %d", epoch), false)
	}

	head, err := g.hub.HeadSeq(ctx, hello.OwnerID)
	if err != nil {
		return nil, nil, g.refuse(ws, wire.CodeInternal, "head lookup failed", true)
	}

	sess, gap, resumed := g.sessions.Resume(hello.OwnerID, hello.DeviceID, hello.LastKnownSeq)
	if resumed {
		telemetry.ReconnectGap.Observe(gap.Seconds())
	} else {
		sess = g.sessions.Open(hello.OwnerID, hello.DeviceID, hello.LastKnownSeq)
	}

	fan, err := g.acquireFanout(hello.OwnerID)
	if err != nil {
		g.sessions.Close(sess)
		return nil, nil, g.refuse(ws, wire.CodeInternal, "broadcast subscription failed", true)
	}

	okFrame := wire.NewHelloOK(sess.ID, head, epoch, resumed)
	okFrame.ID = hello.ID
	rawOK, err := wire.Marshal(okFrame)
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		err = ws.WriteMessage(websocket.TextMessage, rawOK)
	}
	if err != nil {
		g.sessions.Close(sess)
		g.releaseFanout(fan)
		return nil, nil, fmt.Errorf("writing hello_ok: %w", err)
	}

	log.Info().
		Str("sessionId", sess.ID).
		Str("ownerId", sess.Owner).
		Str("deviceId", sess.Device).
		Uint64("lastKnownSeq", hello.LastKnownSeq).
		Uint64("headSeq", head).
		Bool("resumed", resumed).
		Msg("session handshake complete")
	return sess, fan, nil
}

// refuse sends a terminal ERROR frame during handshake and reports the
// refusal as an error for the caller to propagate.
func (g *Gateway) refuse(ws *websocket.Conn, code, msg string, retryable bool) error {
	frame := wire.NewError(code, msg, retryable)
	if raw, err := wire.Marshal(frame); err == nil {
		ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Debug().Err(err).Msg("error frame write failed")
		}
	}
	deadline := time.Now().Add(g.cfg.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
	return fmt.Errorf("handshake refused: %s: %s", code, msg)
}

// acquireFanout returns the owner's fan-out consumer, subscribing on
// first use. The consumer's cursor starts at the current head; the
// session's own catch-up covers everything before it.
func (g *Gateway) acquireFanout(owner string) (*fanout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.fanouts[owner]; ok {
		f.mu.Lock()
		f.refs++
		f.mu.Unlock()
		return f, nil
	}

	f := newFanout(g, owner)
	f.mu.Lock()
	defer f.mu.Unlock()

	syncSub, err := g.bus.Subscribe(bus.SyncTopic(owner), f.onSync)
	if err != nil {
		return nil, err
	}
	relaySub, err := g.bus.Subscribe(bus.RelayTopic(owner), f.onRelay)
	if err != nil {
		syncSub.Unsubscribe()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PullTimeout)
	head, err := g.hub.HeadSeq(ctx, owner)
	cancel()
	if err != nil {
		syncSub.Unsubscribe()
		relaySub.Unsubscribe()
		return nil, err
	}

	f.syncSub = syncSub
	f.relaySub = relaySub
	f.delivered = head
	f.refs = 1
	g.fanouts[owner] = f
	return f, nil
}

// releaseFanout drops one reference; the last one detaches the bus
// subscriptions.
func (g *Gateway) releaseFanout(f *fanout) {
	g.mu.Lock()
	f.mu.Lock()
	f.refs--
	last := f.refs <= 0
	if last {
		delete(g.fanouts, f.owner)
	}
	f.mu.Unlock()
	g.mu.Unlock()

	if last {
		f.shutdown()
	}
}
