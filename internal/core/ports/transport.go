package ports

import (
	"context"

	"peercast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaTrack is an outgoing local track. Ended is closed when the track
// reaches end of life, whether stopped locally or by its source.
type MediaTrack interface {
	ID() string
	Kind() domain.TrackKind
	Source() domain.TrackSource
	Local() webrtc.TrackLocal
	Ended() <-chan struct{}
	Stop()
}

// TrackSender feeds one MediaTrack into a transport.
type TrackSender interface {
	Track() MediaTrack
	ReplaceTrack(track MediaTrack) error
}

// Transport is a single viewer's peer connection.
type Transport interface {
	AddTrack(track MediaTrack) (TrackSender, error)
	Senders() []TrackSender
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

type TransportFactory interface {
	NewTransport(viewerID domain.ViewerID) (Transport, error)
}

// MediaSource opens local capture. Errors are capture-denied/unavailable
// failures of the initiating action only.
type MediaSource interface {
	OpenUserMedia(ctx context.Context) ([]MediaTrack, error)
	OpenDisplayMedia(ctx context.Context) (MediaTrack, error)
}
