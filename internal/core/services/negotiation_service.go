package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errUnexpectedPhase = errors.New("unexpected negotiation phase")

// NegotiationService drives the offer/answer/candidate exchange for each viewer.
// The broadcaster always offers; viewers always answer.
type NegotiationService struct {
	registry  *ViewerRegistry
	factory   ports.TransportFactory
	signaling *SignalingService
	metrics   ports.BroadcastMetrics
	logger    *zap.SugaredLogger
}

func NewNegotiationService(
	registry *ViewerRegistry,
	factory ports.TransportFactory,
	signaling *SignalingService,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *NegotiationService {
	return &NegotiationService{
		registry:  registry,
		factory:   factory,
		signaling: signaling,
		metrics:   metrics,
		logger:    logger,
	}
}

// Join opens a transport for viewerID, attaches tracks and sends the offer.
func (n *NegotiationService) Join(ctx context.Context, streamID domain.StreamID, viewerID domain.ViewerID, tracks []ports.MediaTrack) (err error) {
	ctx, span := tracing.TraceWebRTC(ctx, "join", string(viewerID), string(streamID))
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	transport, err := n.factory.NewTransport(viewerID)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	conn, err := n.registry.Create(viewerID, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("failed to register viewer: %w", err)
	}

	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		conn.localCandidate(candidate, n.candidateSender(streamID, viewerID))
	})
	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.handleStateChange(streamID, conn, state)
	})

	for _, track := range tracks {
		if _, err := transport.AddTrack(track); err != nil {
			n.registry.RemoveConnection(conn)
			return fmt.Errorf("failed to attach %s track: %w", track.Kind(), err)
		}
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		n.registry.RemoveConnection(conn)
		return fmt.Errorf("failed to create offer: %w", err)
	}

	sent := conn.offerSent(func() {
		n.signaling.SendOffer(streamID, viewerID, offer)
		n.metrics.OfferSent()
	}, n.candidateSender(streamID, viewerID))
	if !sent {
		// Closed while the offer was being built.
		return fmt.Errorf("viewer %s: %w", viewerID, errUnexpectedPhase)
	}

	n.logger.Infow("Offer sent", "viewer_id", viewerID, "stream_id", streamID, "tracks", len(tracks))
	return nil
}

// HandleAnswer applies a viewer's answer. Unknown viewers and answers outside
// OfferSent are rejected without side effects.
func (n *NegotiationService) HandleAnswer(streamID domain.StreamID, viewerID domain.ViewerID, answer webrtc.SessionDescription) error {
	conn, ok := n.registry.Get(viewerID)
	if !ok {
		return domain.ErrViewerNotFound
	}
	if phase := conn.Phase(); phase != domain.PhaseOfferSent {
		return fmt.Errorf("answer in phase %s: %w", phase, errUnexpectedPhase)
	}

	transport := conn.Transport()
	if err := transport.SetRemoteDescription(answer); err != nil {
		if n.registry.RemoveConnection(conn) {
			n.metrics.ViewerLeft(streamID, "negotiation_failed")
		}
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	ok, connected := conn.answerReceived(func(candidate webrtc.ICECandidateInit) {
		if err := transport.AddICECandidate(candidate); err != nil {
			n.logger.Warnw("Failed to add buffered ICE candidate", "viewer_id", viewerID, "error", err)
		}
	})
	if !ok {
		return fmt.Errorf("answer in phase %s: %w", conn.Phase(), errUnexpectedPhase)
	}
	n.logger.Debugw("Answer applied", "viewer_id", viewerID)
	if connected {
		n.viewerConnected(streamID, conn)
	}
	return nil
}

// HandleRemoteCandidate applies a viewer's candidate, buffering it until the
// answer has been applied.
func (n *NegotiationService) HandleRemoteCandidate(viewerID domain.ViewerID, candidate webrtc.ICECandidateInit) error {
	conn, ok := n.registry.Get(viewerID)
	if !ok {
		return domain.ErrViewerNotFound
	}

	var applyErr error
	conn.remoteCandidate(candidate, func(c webrtc.ICECandidateInit) {
		applyErr = conn.Transport().AddICECandidate(c)
	})
	if applyErr != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", applyErr)
	}
	return nil
}

// Disconnect closes and forgets viewerID. It is safe to call for unknown ids.
func (n *NegotiationService) Disconnect(viewerID domain.ViewerID) bool {
	return n.registry.Remove(viewerID)
}

func (n *NegotiationService) candidateSender(streamID domain.StreamID, viewerID domain.ViewerID) func(webrtc.ICECandidateInit) {
	return func(candidate webrtc.ICECandidateInit) {
		n.signaling.SendICECandidate(streamID, viewerID, candidate)
		n.metrics.ICECandidateSent()
	}
}

func (n *NegotiationService) handleStateChange(streamID domain.StreamID, conn *ViewerConnection, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if conn.markConnected() {
			n.viewerConnected(streamID, conn)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if n.registry.RemoveConnection(conn) {
			n.metrics.ViewerLeft(streamID, "transport_"+state.String())
			n.logger.Warnw("Viewer transport lost", "viewer_id", conn.ID(), "state", state.String())
		}
	default:
		n.logger.Debugw("Viewer transport state", "viewer_id", conn.ID(), "state", state.String())
	}
}

func (n *NegotiationService) viewerConnected(streamID domain.StreamID, conn *ViewerConnection) {
	n.metrics.NegotiationCompleted(time.Since(conn.CreatedAt()))
	n.logger.Infow("Viewer connected", "viewer_id", conn.ID(), "stream_id", streamID)
}
