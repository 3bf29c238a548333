package wire

import (
	"encoding/json"
	"fmt"
)

type head struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Decode parses one frame, dispatching on its type field. The result
// is a pointer to the concrete frame struct.
func Decode(raw []byte) (any, error) {
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}

	var f any
	switch h.Type {
	case TypeHello:
		f = &Hello{}
	case TypeHelloOK:
		f = &HelloOK{}
	case TypePush:
		f = &Push{}
	case TypePushResult:
		f = &PushResult{}
	case TypePull:
		f = &Pull{}
	case TypePullChunk:
		f = &PullChunk{}
	case TypeDeliver:
		f = &Deliver{}
	case TypeAck:
		f = &Ack{}
	case TypePing:
		f = &Ping{}
	case TypePong:
		f = &Pong{}
	case TypeError:
		f = &Error{}
	case TypeRelay:
		f = &Relay{}
	case "":
		return nil, fmt.Errorf("wire: frame missing type")
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", h.Type)
	}

	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("wire: malformed %s frame: %w", h.Type, err)
	}
	return f, nil
}

// Marshal encodes a frame for the socket.
func Marshal(f any) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode frame: %w", err)
	}
	return raw, nil
}
