package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorloop/sync-server/internal/op"
)

// Memory is the in-process Queue for tests and dev runs.
type Memory struct {
	mu      sync.Mutex
	devices map[string][]Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string][]Entry),
		now:     time.Now,
	}
}

func (m *Memory) Enqueue(ctx context.Context, device string, o op.Op, collapseSame bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.devices[device]
	if collapseSame {
		for i, e := range entries {
			if e.Op.Record == o.Record {
				entries[i] = collapse(e, o)
				return nil
			}
		}
	}
	m.devices[device] = append(entries, Entry{Op: o.Clone(), EnqueuedAt: m.now()})
	return nil
}

func (m *Memory) Drain(ctx context.Context, device string, fn func(Entry) error) (int, error) {
	for consumed := 0; ; consumed++ {
		m.mu.Lock()
		entries := m.devices[device]
		if len(entries) == 0 {
			m.mu.Unlock()
			return consumed, nil
		}
		head := entries[0]
		m.mu.Unlock()

		if err := fn(head); err != nil {
			m.mu.Lock()
			if cur := m.devices[device]; len(cur) > 0 && cur[0].Op.ID == head.Op.ID {
				cur[0].Attempts++
			}
			m.mu.Unlock()
			return consumed, err
		}

		m.mu.Lock()
		if cur := m.devices[device]; len(cur) > 0 && cur[0].Op.ID == head.Op.ID {
			m.devices[device] = cur[1:]
			if len(m.devices[device]) == 0 {
				delete(m.devices, device)
			}
		}
		m.mu.Unlock()
	}
}

func (m *Memory) Depth(ctx context.Context, device string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices[device]), nil
}

func (m *Memory) Devices(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.devices))
	for d := range m.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) PurgeDevice(ctx context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, device)
	return nil
}

func (m *Memory) Close() {}
