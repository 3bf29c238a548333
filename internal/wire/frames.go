// Package wire defines the framed message contract between devices and
// the server. One JSON object per frame; every frame carries its type
// and a unique id. Field names are wire-stable.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tutorloop/sync-server/internal/op"
)

// Frame type discriminators.
const (
	TypeHello      = "HELLO"
	TypeHelloOK    = "HELLO_OK"
	TypePush       = "PUSH"
	TypePushResult = "PUSH_RESULT"
	TypePull       = "PULL"
	TypePullChunk  = "PULL_CHUNK"
	TypeDeliver    = "DELIVER"
	TypeAck        = "ACK"
	TypePing       = "PING"
	TypePong       = "PONG"
	TypeError      = "ERROR"
	TypeRelay      = "RELAY"
)

// Error codes carried by ERROR frames and per-op ack errors.
const (
	CodeStaleBase      = "stale_base"
	CodeConflictManual = "conflict_manual"
	CodeUnauthorized   = "unauthorized"
	CodeOwnerNotFound  = "owner_not_found"
	CodeBackpressure   = "backpressure"
	CodeInternal       = "internal"
	CodeProtocol       = "protocol"
	CodeEpochMismatch  = "epoch_mismatch"
)

// NewID mints a frame id.
func NewID() string { return uuid.New().String() }

// Hello opens a session. Epoch 0 means the device has never synced and
// accepts whatever epoch the server reports.
type Hello struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	DeviceID        string `json:"device_id"`
	OwnerID         string `json:"owner_id"`
	AuthToken       string `json:"auth_token"`
	LastKnownSeq    uint64 `json:"last_known_seq"`
	ProtocolVersion int    `json:"protocol_version"`
	Epoch           uint64 `json:"epoch,omitempty"`
}

// HelloOK accepts the session. Resumed tells the device it got its
// previous session back after a short disconnect.
type HelloOK struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ServerHeadSeq uint64    `json:"server_head_seq"`
	ServerTime    time.Time `json:"server_time"`
	Epoch         uint64    `json:"epoch"`
	Resumed       bool      `json:"resumed,omitempty"`
}

// Push submits a batch of operations in device order.
type Push struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	BatchID string  `json:"batch_id"`
	Ops     []op.Op `json:"ops"`
}

// ErrDetail is the error payload shared by ERROR frames and rejected
// ops inside PUSH_RESULT.
type ErrDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OpAck is the per-op outcome inside a PUSH_RESULT: either the
// assigned seq or an error, never both. Conflicts lists fields the
// commit recorded for manual resolution; the op still committed.
type OpAck struct {
	Seq       uint64     `json:"op_seq,omitempty"`
	Error     *ErrDetail `json:"error,omitempty"`
	Conflicts []string   `json:"conflicts,omitempty"`
}

// PushResult answers a Push, keyed by op id.
type PushResult struct {
	Type    string           `json:"type"`
	ID      string           `json:"id"`
	BatchID string           `json:"batch_id"`
	Acks    map[string]OpAck `json:"acks"`
}

// Pull requests committed entries after since_seq.
type Pull struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	SinceSeq uint64 `json:"since_seq"`
	Limit    int    `json:"limit,omitempty"`
}

// PullChunk is one page of the owner log tail.
type PullChunk struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Ops     []op.Committed `json:"ops"`
	HasMore bool           `json:"has_more"`
}

// Deliver fans one committed op out to a live session.
type Deliver struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OpSeq  uint64 `json:"op_seq"`
	Op     op.Op  `json:"op"`
	Digest string `json:"merged_state_digest"`
}

// Ack raises the session's acknowledged cursor.
type Ack struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	UpToSeq uint64 `json:"up_to_seq"`
}

// Ping and Pong carry the heartbeat in both directions.
type Ping struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Nonce  string    `json:"nonce"`
	SentAt time.Time `json:"sent_at"`
}

type Pong struct {
	Type   string    `json:"type"`
	ID     string    `json:"id"`
	Nonce  string    `json:"nonce"`
	SentAt time.Time `json:"sent_at"`
}

// Error reports a session-level failure. Recoverable per-op failures
// ride inside PushResult instead.
type Error struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	ErrDetail
}

// Relay carries an ephemeral payload to the owner's other devices
// without touching the log. FromDevice is set by the server on the way
// out.
type Relay struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Channel    string          `json:"channel,omitempty"`
	FromDevice string          `json:"from_device,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func NewHelloOK(sessionID string, headSeq uint64, epoch uint64, resumed bool) *HelloOK {
	return &HelloOK{
		Type:          TypeHelloOK,
		ID:            NewID(),
		SessionID:     sessionID,
		ServerHeadSeq: headSeq,
		ServerTime:    time.Now().UTC(),
		Epoch:         epoch,
		Resumed:       resumed,
	}
}

func NewPushResult(batchID string, acks map[string]OpAck) *PushResult {
	return &PushResult{
		Type:    TypePushResult,
		ID:      NewID(),
		BatchID: batchID,
		Acks:    acks,
	}
}

func NewPullChunk(ops []op.Committed, hasMore bool) *PullChunk {
	return &PullChunk{
		Type:    TypePullChunk,
		ID:      NewID(),
		Ops:     ops,
		HasMore: hasMore,
	}
}

func NewDeliver(c op.Committed) *Deliver {
	return &Deliver{
		Type:   TypeDeliver,
		ID:     NewID(),
		OpSeq:  c.Seq,
		Op:     c.Op,
		Digest: c.Digest,
	}
}

func NewPing() *Ping {
	return &Ping{
		Type:   TypePing,
		ID:     NewID(),
		Nonce:  uuid.New().String(),
		SentAt: time.Now().UTC(),
	}
}

func NewPong(nonce string) *Pong {
	return &Pong{
		Type:   TypePong,
		ID:     NewID(),
		Nonce:  nonce,
		SentAt: time.Now().UTC(),
	}
}

func NewError(code, message string, retryable bool) *Error {
	return &Error{
		Type: TypeError,
		ID:   NewID(),
		ErrDetail: ErrDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}
