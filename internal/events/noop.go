package events

import (
	"context"
	"sync"
)

type Noop struct{}

func NewNoop() *Noop                                         { return &Noop{} }
func (n *Noop) Publish(context.Context, string, Event) error { return nil }
func (n *Noop) Close() error                                 { return nil }

// Memory keeps events in process; used by tests and single-node dev runs.
type Memory struct {
	mu     sync.Mutex
	events map[string][]Event
}

func NewMemory() *Memory { return &Memory{events: map[string][]Event{}} }

func (m *Memory) Publish(_ context.Context, stream string, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[stream] = append(m.events[stream], evt)
	return nil
}

func (m *Memory) Close() error { return nil }

// Types returns the event types published to stream, in order.
func (m *Memory) Types(stream string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events[stream]))
	for _, e := range m.events[stream] {
		out = append(out, e.Type)
	}
	return out
}
