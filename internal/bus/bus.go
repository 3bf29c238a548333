// Package bus is the owner-scoped pub/sub fabric (C7). Commits are
// announced on sync/<owner> topics as compact seq events; subscribers
// refetch the log tail from the store, which makes duplicate delivery
// harmless and keeps messages under transport payload limits. The
// relay/<owner> topic family carries ephemeral tutor-stream frames
// that never touch the log.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrTooLarge reports a payload over the transport's size limit.
// Retrying the same payload cannot succeed.
var ErrTooLarge = errors.New("bus: payload exceeds transport limit")

// Message is one bus event. Sync topics set Seq; relay topics set
// Data. Resync tells subscribers the bus may have dropped events and
// the log head should be re-checked. Wipe announces an owner reset
// with the new epoch; every session of that owner must re-handshake.
type Message struct {
	Seq    uint64          `json:"seq,omitempty"`
	Resync bool            `json:"resync,omitempty"`
	Wipe   bool            `json:"wipe,omitempty"`
	Epoch  uint64          `json:"epoch,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler consumes messages for one subscription. It runs on the
// subscription's dispatch goroutine, in publish order, and may see
// duplicates.
type Handler func(topic string, msg Message)

// Bus is the pub/sub contract. Publish never blocks on slow
// subscribers; a subscriber that cannot keep up loses messages and
// recovers through the log.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(topic string, h Handler) (*Subscription, error)
}

// SyncTopic names the commit-announcement topic for an owner.
func SyncTopic(owner string) string { return "sync/" + owner }

// RelayTopic names the ephemeral relay topic for an owner.
func RelayTopic(owner string) string { return "relay/" + owner }

// Subscription is one handler bound to one topic. Delivery is FIFO
// within the subscription.
type Subscription struct {
	topic  string
	ch     chan Message
	h      Handler
	once   sync.Once
	remove func()
}

func newSubscription(topic string, buffer int, h Handler, remove func()) *Subscription {
	s := &Subscription{
		topic:  topic,
		ch:     make(chan Message, buffer),
		h:      h,
		remove: remove,
	}
	go s.dispatch()
	return s
}

func (s *Subscription) dispatch() {
	for msg := range s.ch {
		s.h(s.topic, msg)
	}
}

// Unsubscribe detaches the handler. In-flight buffered messages are
// still delivered; Unsubscribe does not wait for them.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.remove()
		close(s.ch)
	})
}
