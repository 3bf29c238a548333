package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscription message buffer. Sync events
// are a few bytes each; the buffer only has to absorb dispatch jitter.
const DefaultBuffer = 256

// Memory is the in-process Bus. Single-node deployments use it
// directly; the Postgres bus uses one for local dispatch.
type Memory struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	buffer int
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{
		topics: make(map[string][]*Subscription),
		buffer: buffer,
	}
}

func (m *Memory) Subscribe(topic string, h Handler) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sub *Subscription
	sub = newSubscription(topic, m.buffer, h, func() { m.detach(topic, sub) })
	m.topics[topic] = append(m.topics[topic], sub)
	return sub, nil
}

func (m *Memory) detach(topic string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.topics[topic]
	for i, s := range subs {
		if s == sub {
			m.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(m.topics[topic]) == 0 {
		delete(m.topics, topic)
	}
}

// Publish enqueues msg for every subscriber of topic. A subscriber
// whose buffer is full loses the message; sync subscribers detect the
// gap and catch up from the log.
func (m *Memory) Publish(ctx context.Context, topic string, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			log.Warn().Str("topic", topic).Uint64("seq", msg.Seq).
				Msg("subscriber buffer full, dropping bus message")
		}
	}
	return nil
}

// ResyncAll tells every local subscriber to re-check its source of
// truth. The Postgres bus calls this after the listen connection was
// re-established.
func (m *Memory) ResyncAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for topic, subs := range m.topics {
		for _, sub := range subs {
			select {
			case sub.ch <- Message{Resync: true}:
			default:
				log.Warn().Str("topic", topic).Msg("subscriber buffer full, dropping resync")
			}
		}
	}
}
