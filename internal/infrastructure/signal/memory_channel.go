package signal

import (
	"sync"

	"peercast/internal/core/ports"
)

// MemoryChannel is an in-process SignalingChannel. Deliver runs handlers on
// the caller's goroutine; sent events are recorded for inspection.
type MemoryChannel struct {
	handlers *handlerSet

	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

var _ ports.SignalingChannel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{handlers: newHandlerSet()}
}

func (m *MemoryChannel) Send(event string, payload interface{}) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.sent = append(m.sent, env)
}

func (m *MemoryChannel) On(event string, handler ports.EventHandler) {
	m.handlers.add(event, handler)
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Deliver simulates an inbound event. It returns false once closed or when
// nothing handles event.
func (m *MemoryChannel) Deliver(event string, payload interface{}) bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return false
	}
	return m.handlers.dispatch(env)
}

// Sent returns every recorded outbound envelope, optionally filtered by event.
func (m *MemoryChannel) Sent(events ...string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 {
		return append([]Envelope(nil), m.sent...)
	}
	var out []Envelope
	for _, env := range m.sent {
		for _, e := range events {
			if env.Event == e {
				out = append(out, env)
				break
			}
		}
	}
	return out
}

func (m *MemoryChannel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
