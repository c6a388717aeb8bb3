package services

import (
	"encoding/json"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalingService is the typed surface of the signaling channel. Inbound
// payloads that do not decode or validate are dropped.
type SignalingService struct {
	channel ports.SignalingChannel
	metrics ports.BroadcastMetrics
	logger  *zap.SugaredLogger
}

func NewSignalingService(channel ports.SignalingChannel, metrics ports.BroadcastMetrics, logger *zap.SugaredLogger) *SignalingService {
	return &SignalingService{
		channel: channel,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *SignalingService) SendStartStream(streamID domain.StreamID) {
	s.channel.Send(domain.EventStartStream, domain.StartStreamPayload{StreamID: streamID})
}

func (s *SignalingService) SendStopStream(streamID domain.StreamID) {
	s.channel.Send(domain.EventStopStream, domain.StopStreamPayload{StreamID: streamID})
}

func (s *SignalingService) SendOffer(streamID domain.StreamID, viewerID domain.ViewerID, offer webrtc.SessionDescription) {
	s.channel.Send(domain.EventOffer, domain.OfferPayload{
		Offer:    offer,
		ViewerID: viewerID,
		StreamID: streamID,
	})
}

func (s *SignalingService) SendICECandidate(streamID domain.StreamID, viewerID domain.ViewerID, candidate webrtc.ICECandidateInit) {
	s.channel.Send(domain.EventICECandidate, domain.ICECandidatePayload{
		Candidate: candidate,
		ViewerID:  viewerID,
		StreamID:  streamID,
	})
}

// Inbound handlers receive the stream the relay scoped the event to, or an
// empty StreamID when it did not.

func (s *SignalingService) OnViewerJoin(fn func(domain.StreamID, domain.ViewerID)) {
	s.channel.On(domain.EventViewerJoin, func(data json.RawMessage) {
		if p, ok := s.decodeViewer(domain.EventViewerJoin, data); ok {
			fn(p.StreamID, p.ViewerID)
		}
	})
}

func (s *SignalingService) OnViewerDisconnect(fn func(domain.StreamID, domain.ViewerID)) {
	s.channel.On(domain.EventViewerDisconnect, func(data json.RawMessage) {
		if p, ok := s.decodeViewer(domain.EventViewerDisconnect, data); ok {
			fn(p.StreamID, p.ViewerID)
		}
	})
}

func (s *SignalingService) OnAnswer(fn func(domain.StreamID, domain.ViewerID, webrtc.SessionDescription)) {
	s.channel.On(domain.EventAnswer, func(data json.RawMessage) {
		var payload domain.AnswerPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.drop(domain.EventAnswer, "malformed", err)
			return
		}
		if err := validation.ValidateViewerID(string(payload.ViewerID)); err != nil {
			s.drop(domain.EventAnswer, "invalid_viewer_id", err)
			return
		}
		if err := validation.ValidateAnswer(payload.Answer); err != nil {
			s.drop(domain.EventAnswer, "invalid_answer", err)
			return
		}
		fn(payload.StreamID, payload.ViewerID, payload.Answer)
	})
}

func (s *SignalingService) OnViewerICECandidate(fn func(domain.StreamID, domain.ViewerID, webrtc.ICECandidateInit)) {
	s.channel.On(domain.EventViewerICECandidate, func(data json.RawMessage) {
		var payload domain.ICECandidatePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.drop(domain.EventViewerICECandidate, "malformed", err)
			return
		}
		if err := validation.ValidateViewerID(string(payload.ViewerID)); err != nil {
			s.drop(domain.EventViewerICECandidate, "invalid_viewer_id", err)
			return
		}
		if err := validation.ValidateICECandidate(payload.Candidate); err != nil {
			s.drop(domain.EventViewerICECandidate, "invalid_candidate", err)
			return
		}
		fn(payload.StreamID, payload.ViewerID, payload.Candidate)
	})
}

// decodeViewer accepts a bare JSON string or a ViewerPayload object.
func (s *SignalingService) decodeViewer(event string, data json.RawMessage) (domain.ViewerPayload, bool) {
	var payload domain.ViewerPayload
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		payload.ViewerID = domain.ViewerID(id)
	} else if err := json.Unmarshal(data, &payload); err != nil {
		s.drop(event, "malformed", err)
		return payload, false
	}
	if err := validation.ValidateViewerID(string(payload.ViewerID)); err != nil {
		s.drop(event, "invalid_viewer_id", err)
		return payload, false
	}
	return payload, true
}

func (s *SignalingService) drop(event, reason string, err error) {
	s.logger.Warnw("Dropping signaling event", "event", event, "reason", reason, "error", err)
	s.metrics.SignalDropped(event, reason)
}
