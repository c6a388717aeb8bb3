package ports

import (
	"time"

	"peercast/internal/core/domain"
)

// BroadcastMetrics receives broadcaster-side events for export.
type BroadcastMetrics interface {
	SessionStarted(streamID domain.StreamID)
	SessionStopped(streamID domain.StreamID, duration time.Duration)
	ViewerJoined(streamID domain.StreamID)
	ViewerLeft(streamID domain.StreamID, reason string)
	OfferSent()
	ICECandidateSent()
	NegotiationCompleted(duration time.Duration)
	TrackSwitched(source domain.TrackSource, senders int)
	SignalDropped(event, reason string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionStarted(domain.StreamID)                {}
func (NopMetrics) SessionStopped(domain.StreamID, time.Duration) {}
func (NopMetrics) ViewerJoined(domain.StreamID)                  {}
func (NopMetrics) ViewerLeft(domain.StreamID, string)            {}
func (NopMetrics) OfferSent()                                    {}
func (NopMetrics) ICECandidateSent()                             {}
func (NopMetrics) NegotiationCompleted(time.Duration)            {}
func (NopMetrics) TrackSwitched(domain.TrackSource, int)         {}
func (NopMetrics) SignalDropped(string, string)                  {}

// RelayMetrics receives signaling relay events for export.
type RelayMetrics interface {
	ConnectionOpened(role string)
	ConnectionClosed(role string)
	MessageRouted(event string)
	MessageDropped(event, reason string)
}

func (NopMetrics) ConnectionOpened(string)       {}
func (NopMetrics) ConnectionClosed(string)       {}
func (NopMetrics) MessageRouted(string)          {}
func (NopMetrics) MessageDropped(string, string) {}
