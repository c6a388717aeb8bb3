package webrtc

import (
	"context"
	"fmt"
	"sync"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// FeedbackMetrics counts RTCP feedback arriving from viewers.
type FeedbackMetrics interface {
	RTCPFeedback(packetType string)
}

type nopFeedback struct{}

func (nopFeedback) RTCPFeedback(string) {}

// TransportFactory builds one pion PeerConnection per viewer from a shared API.
type TransportFactory struct {
	api      *webrtc.API
	config   webrtc.Configuration
	feedback FeedbackMetrics
	logger   *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(cfg Config, feedback FeedbackMetrics, logger *zap.SugaredLogger) (*TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	if feedback == nil {
		feedback = nopFeedback{}
	}

	return &TransportFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		feedback: feedback,
		logger:   logger,
	}, nil
}

func (f *TransportFactory) NewTransport(viewerID domain.ViewerID) (ports.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.logger.Debugw("viewer ICE connection state changed",
			"viewer_id", viewerID,
			"ice_state", state,
		)
	})

	return &PeerTransport{
		viewerID: viewerID,
		pc:       pc,
		feedback: f.feedback,
		logger:   f.logger,
	}, nil
}

// PeerTransport is a ports.Transport over a pion PeerConnection.
type PeerTransport struct {
	viewerID domain.ViewerID
	pc       *webrtc.PeerConnection

	mu      sync.Mutex
	senders []ports.TrackSender

	feedback FeedbackMetrics
	logger   *zap.SugaredLogger
}

var _ ports.Transport = (*PeerTransport)(nil)

func (t *PeerTransport) AddTrack(track ports.MediaTrack) (ports.TrackSender, error) {
	rtpSender, err := t.pc.AddTrack(track.Local())
	if err != nil {
		return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
	}

	sender := &trackSender{sender: rtpSender, track: track}
	t.mu.Lock()
	t.senders = append(t.senders, sender)
	t.mu.Unlock()

	go t.readRTCP(rtpSender, track.Kind())
	return sender, nil
}

func (t *PeerTransport) Senders() []ports.TrackSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ports.TrackSender(nil), t.senders...)
}

func (t *PeerTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (t *PeerTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (t *PeerTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// OnICECandidate skips the nil end-of-gathering marker.
func (t *PeerTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *PeerTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("viewer connection state changed",
			"viewer_id", t.viewerID,
			"connection_state", state,
		)
		fn(state)
	})
}

func (t *PeerTransport) Close() error {
	return t.pc.Close()
}

// trackSender remembers which MediaTrack currently feeds an RTPSender.
type trackSender struct {
	sender *webrtc.RTPSender

	mu    sync.Mutex
	track ports.MediaTrack
}

func (s *trackSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *trackSender) ReplaceTrack(track ports.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sender.ReplaceTrack(track.Local()); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", track.Kind(), err)
	}
	s.track = track
	return nil
}
