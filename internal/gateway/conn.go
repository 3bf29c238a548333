package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/adapter/telemetry"
	"github.com/tutorloop/sync-server/internal/bus"
	"github.com/tutorloop/sync-server/internal/orchestrator"
	"github.com/tutorloop/sync-server/internal/session"
	"github.com/tutorloop/sync-server/internal/wire"
)

// conn drives one device socket with three goroutines. The read loop
// dispatches device frames. The write pump owns the socket's write
// side: control replies, fan-out frames from the session outbox, and
// heartbeat pings all leave through it. The sync pump streams the log
// tail until the session is caught up, then waits for resync nudges.
type conn struct {
	g      *Gateway
	ws     *websocket.Conn
	remote string

	sess *session.Session
	fan  *fanout
	lg   zerolog.Logger

	replies   chan []byte   // control responses, served alongside the outbox
	resync    chan struct{} // fan-out nudge: re-check the log tail
	writeDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(g *Gateway, ws *websocket.Conn, remote string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		g:         g,
		ws:        ws,
		remote:    remote,
		replies:   make(chan []byte, 16),
		resync:    make(chan struct{}, 1),
		writeDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *conn) run() {
	sess, fan, err := c.g.handshake(c.ws, c.remote)
	if err != nil {
		log.Debug().Err(err).Str("client", c.remote).Msg("handshake failed")
		c.cancel()
		c.ws.Close()
		return
	}
	c.sess = sess
	c.fan = fan
	c.lg = log.With().
		Str("sessionId", sess.ID).
		Str("ownerId", sess.Owner).
		Str("deviceId", sess.Device).
		Logger()

	telemetry.SessionsLive.Inc()
	fan.attach(sess.ID, c.resync)

	go c.writePump()
	go c.syncPump()

	c.drainQueued()
	c.readLoop()

	c.cancel()
	// The write pump flushes buffered frames and closes the socket.
	<-c.writeDone

	fan.detach(sess.ID)
	c.g.sessions.Park(sess)
	c.g.releaseFanout(fan)
	telemetry.SessionsLive.Dec()
	c.lg.Info().Str("state", sess.State().String()).Msg("connection closed")
}

// readLoop renews the read deadline on every frame; a device silent
// for the full heartbeat window is treated as gone.
func (c *conn) readLoop() {
	window := c.g.cfg.liveWindow()
	for {
		c.ws.SetReadDeadline(time.Now().Add(window))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				// A deliberate goodbye closes the session outright
				// instead of parking it for resume.
				c.lg.Debug().Msg("client closed the connection")
				if !c.sess.Transition(session.StateDraining) {
					c.sess.Close()
				}
			} else {
				c.lg.Debug().Err(err).Msg("read failed, parking session")
			}
			return
		}
		c.sess.Touch()

		frame, err := wire.Decode(raw)
		if err != nil {
			c.fatal(wire.CodeProtocol, "malformed frame: "+err.Error())
			return
		}
		if !c.dispatch(frame) {
			return
		}
	}
}

// dispatch handles one decoded frame; false ends the read loop.
func (c *conn) dispatch(frame any) bool {
	switch f := frame.(type) {
	case *wire.Push:
		c.handlePush(f)
		return true
	case *wire.Pull:
		c.handlePull(f)
		return true
	case *wire.Ack:
		c.sess.Ack(f.UpToSeq)
		return true
	case *wire.Ping:
		c.replyFrame(wire.NewPong(f.Nonce))
		return true
	case *wire.Pong:
		return true
	case *wire.Relay:
		c.handleRelay(f)
		return true
	default:
		c.fatal(wire.CodeProtocol, "unexpected frame for an open session")
		return false
	}
}

func (c *conn) handlePush(f *wire.Push) {
	if ok, wait := c.g.limiter.allow(c.sess.Device); !ok {
		retry := int(wait.Seconds()) + 1
		c.replyFrame(wire.NewError(wire.CodeBackpressure,
			fmt.Sprintf("push rate exceeded, retry in %ds", retry), true))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.PushTimeout)
	acks, err := c.g.hub.Push(ctx, c.sess.Owner, f.Ops)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrShutdown):
			c.replyFrame(wire.NewError(wire.CodeInternal, "server shutting down", true))
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			c.replyFrame(wire.NewError(wire.CodeInternal, "push timed out", true))
		default:
			c.replyFrame(wire.NewError(wire.CodeProtocol, err.Error(), false))
		}
		return
	}
	c.lg.Debug().Str("batchId", f.BatchID).Int("ops", len(f.Ops)).Msg("push applied")
	c.replyFrame(wire.NewPushResult(f.BatchID, acks))
}

func (c *conn) handlePull(f *wire.Pull) {
	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.PullTimeout)
	entries, more, err := c.g.hub.Pull(ctx, c.sess.Owner, f.SinceSeq, f.Limit)
	cancel()
	if err != nil {
		c.replyFrame(wire.NewError(wire.CodeInternal, "log read failed", true))
		return
	}
	c.replyFrame(wire.NewPullChunk(entries, more))
}

// handleRelay republishes an ephemeral frame on the owner's relay
// topic. Nothing is logged or acknowledged on success.
func (c *conn) handleRelay(f *wire.Relay) {
	env := relayEnvelope{Channel: f.Channel, FromDevice: c.sess.Device, Payload: f.Payload}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.WriteTimeout)
	err = c.g.bus.Publish(ctx, bus.RelayTopic(c.sess.Owner), bus.Message{Data: data})
	cancel()
	if err != nil {
		if errors.Is(err, bus.ErrTooLarge) {
			c.replyFrame(wire.NewError(wire.CodeProtocol, "relay payload too large", false))
			return
		}
		c.lg.Warn().Err(err).Str("channel", f.Channel).Msg("relay publish failed")
		c.replyFrame(wire.NewError(wire.CodeInternal, "relay not delivered", true))
	}
}

// fatal sends a terminal ERROR and drains the session; the write pump
// flushes what is buffered and closes the socket.
func (c *conn) fatal(code, msg string) {
	c.lg.Warn().Str("code", code).Str("detail", msg).Msg("closing session")
	c.replyFrame(wire.NewError(code, msg, false))
	if !c.sess.Transition(session.StateDraining) {
		c.sess.Close()
	}
}

// reply queues a frame for the write pump, yielding if the session is
// winding down.
func (c *conn) reply(raw []byte) {
	select {
	case c.replies <- raw:
	case <-c.sess.Closing():
	case <-c.ctx.Done():
	}
}

func (c *conn) replyFrame(frame any) {
	raw, err := wire.Marshal(frame)
	if err != nil {
		c.lg.Error().Err(err).Msg("frame marshal failed")
		return
	}
	c.reply(raw)
}

// drainQueued commits ops the device parked while offline before any
// fresh pushes are read, preserving the device's own order.
func (c *conn) drainQueued() {
	ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.PushTimeout)
	defer cancel()
	n, err := c.g.hub.DrainDevice(ctx, c.sess.Owner, c.sess.Device)
	if err != nil {
		c.lg.Warn().Err(err).Int("drained", n).Msg("offline queue drain stopped")
		return
	}
	if n > 0 {
		c.lg.Info().Int("drained", n).Msg("offline queue drained")
	}
}

// writePump is the only goroutine that writes the socket after the
// handshake.
func (c *conn) writePump() {
	defer close(c.writeDone)
	defer c.ws.Close()
	ticker := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.replies:
			if !c.write(raw) {
				return
			}
		case raw := <-c.sess.Outbox():
			if !c.write(raw) {
				return
			}
		case <-ticker.C:
			if time.Since(c.sess.LastSeen()) > c.g.cfg.liveWindow() {
				c.lg.Debug().Msg("heartbeat window lapsed")
				return
			}
			raw, err := wire.Marshal(wire.NewPing())
			if err != nil {
				return
			}
			if !c.write(raw) {
				return
			}
		case <-c.sess.Closing():
			c.flushAndClose()
			return
		case <-c.ctx.Done():
			c.flushAndClose()
			return
		}
	}
}

func (c *conn) write(raw []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.lg.Debug().Err(err).Msg("socket write failed")
		return false
	}
	return true
}

// flushAndClose empties the buffered frames and says goodbye. A dead
// transport fails the first write and ends the flush early.
func (c *conn) flushAndClose() {
	for {
		select {
		case raw := <-c.replies:
			if !c.write(raw) {
				return
			}
		case raw := <-c.sess.Outbox():
			if !c.write(raw) {
				return
			}
		default:
			deadline := time.Now().Add(c.g.cfg.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// syncPump streams the log to the device until it is caught up, then
// parks until the fanout signals that the tail should be re-checked.
func (c *conn) syncPump() {
	if !c.sess.Transition(session.StateCatchingUp) {
		return
	}
	for {
		if err := c.streamTail(); err != nil {
			if c.ctx.Err() == nil {
				c.lg.Warn().Err(err).Msg("catch-up failed, draining session")
				c.replyFrame(wire.NewError(wire.CodeInternal, "catch-up failed, reconnect", true))
				if !c.sess.Transition(session.StateDraining) {
					c.sess.Close()
				}
			}
			return
		}
		select {
		case <-c.resync:
			if !c.sess.Transition(session.StateCatchingUp) {
				return
			}
		case <-c.sess.Closing():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// streamTail pages the log from the session's delivered cursor into
// the outbox and flips to LIVE once the fan-out cursor stops moving
// away. Catch-up frames flow through the same outbox the fan-out
// uses, so the device sees one ordered stream.
func (c *conn) streamTail() error {
	s := c.sess
	for {
		ctx, cancel := context.WithTimeout(c.ctx, c.g.cfg.PullTimeout)
		entries, more, err := c.g.hub.Pull(ctx, s.Owner, s.Delivered(), c.g.cfg.CatchUpChunk)
		cancel()
		if err != nil {
			return err
		}
		for _, e := range entries {
			raw, err := wire.Marshal(wire.NewDeliver(e))
			if err != nil {
				return err
			}
			if !s.Send(raw, c.g.cfg.WriteTimeout) {
				return errors.New("outbox stalled during catch-up")
			}
			s.SetDelivered(e.Seq)
		}
		if more {
			continue
		}
		if c.fan.goLive(s) {
			c.lg.Debug().Uint64("deliveredSeq", s.Delivered()).Msg("session live")
			return nil
		}
		select {
		case <-s.Closing():
			return nil
		case <-c.ctx.Done():
			return nil
		default:
			// Commits landed while we streamed; take another page.
		}
	}
}
