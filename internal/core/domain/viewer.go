package domain

import "time"

// NegotiationPhase tracks where a viewer connection is in the offer/answer exchange.
// Closed is absorbing.
type NegotiationPhase string

const (
	PhaseStart          NegotiationPhase = "start"
	PhaseOfferSent      NegotiationPhase = "offer_sent"
	PhaseAnswerReceived NegotiationPhase = "answer_received"
	PhaseConnected      NegotiationPhase = "connected"
	PhaseClosed         NegotiationPhase = "closed"
)

type ViewerInfo struct {
	ViewerID    ViewerID         `json:"viewer_id"`
	Phase       NegotiationPhase `json:"phase"`
	CreatedAt   time.Time        `json:"created_at"`
	ConnectedAt time.Time        `json:"connected_at,omitempty"`
}
