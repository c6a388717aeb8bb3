package ports

import "encoding/json"

// EventHandler receives the raw payload of one inbound signaling event.
type EventHandler func(data json.RawMessage)

// SignalingChannel is the broadcaster's view of the signaling relay.
// Send is fire-and-forget; handlers registered with On fire once per inbound
// event of that name, in arrival order, until the channel goes away.
type SignalingChannel interface {
	Send(event string, payload interface{})
	On(event string, handler EventHandler)
	Close() error
}
