package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"peercast/internal/core/ports"
)

// Envelope is the wire frame for every signaling event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// handlerSet holds the per-event handlers of a channel.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string][]ports.EventHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]ports.EventHandler)}
}

func (h *handlerSet) add(event string, fn ports.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = append(h.handlers[event], fn)
}

// dispatch runs every handler for env.Event and reports whether there was one.
func (h *handlerSet) dispatch(env Envelope) bool {
	h.mu.RLock()
	handlers := append([]ports.EventHandler(nil), h.handlers[env.Event]...)
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(env.Data)
	}
	return len(handlers) > 0
}
