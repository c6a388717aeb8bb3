package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const joinTimeout = 10 * time.Second

// BroadcastService is the broadcast session state machine. One mutex
// serializes every state change and every inbound signaling event.
type BroadcastService struct {
	mu      sync.Mutex
	session *Session

	identity    *IdentityService
	signaling   *SignalingService
	negotiation *NegotiationService
	tracks      *TrackService
	registry    *ViewerRegistry
	media       ports.MediaSource
	metrics     ports.BroadcastMetrics
	logger      *zap.SugaredLogger
}

// NewBroadcastService wires the service and registers its signaling handlers once.
func NewBroadcastService(
	identity *IdentityService,
	signaling *SignalingService,
	negotiation *NegotiationService,
	tracks *TrackService,
	registry *ViewerRegistry,
	media ports.MediaSource,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *BroadcastService {
	s := &BroadcastService{
		identity:    identity,
		signaling:   signaling,
		negotiation: negotiation,
		tracks:      tracks,
		registry:    registry,
		media:       media,
		metrics:     metrics,
		logger:      logger,
	}

	signaling.OnViewerJoin(s.handleViewerJoin)
	signaling.OnAnswer(s.handleAnswer)
	signaling.OnViewerICECandidate(s.handleViewerCandidate)
	signaling.OnViewerDisconnect(s.handleViewerDisconnect)
	return s
}

// Start captures user media, allocates a stream id and announces the stream.
// It is allowed when no session exists or the previous one has stopped.
func (s *BroadcastService) Start(ctx context.Context) (info domain.SessionInfo, err error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.start")
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamingLocked() {
		return domain.SessionInfo{}, fmt.Errorf("start while streaming: %w", domain.ErrInvalidState)
	}

	userTracks, err := s.media.OpenUserMedia(ctx)
	if err != nil {
		return domain.SessionInfo{}, captureError(err)
	}

	id, err := s.identity.Generate(ctx)
	if err != nil {
		for _, track := range userTracks {
			track.Stop()
		}
		return domain.SessionInfo{}, err
	}

	session := newSession(id, userTracks)
	s.signaling.SendStartStream(id)
	session.State = domain.SessionStreaming
	session.StartedAt = time.Now()
	s.session = session

	for _, track := range userTracks {
		go s.watchUserTrack(session, track)
	}

	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(id)))
	s.metrics.SessionStarted(id)
	s.logger.Infow("Broadcast started", "stream_id", id, "tracks", len(userTracks))
	return s.infoLocked(), nil
}

// Stop ends the broadcast: local tracks stop, viewers are dropped and the id is released.
func (s *BroadcastService) Stop(ctx context.Context) (domain.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streamingLocked() {
		return domain.SessionInfo{}, fmt.Errorf("stop while not streaming: %w", domain.ErrInvalidState)
	}

	session := s.session
	session.stopTracks()
	s.signaling.SendStopStream(session.ID)
	closed := s.registry.ResetAll()
	for i := 0; i < closed; i++ {
		s.metrics.ViewerLeft(session.ID, "stream_stopped")
	}

	if err := s.identity.Release(ctx, session.ID); err != nil {
		s.logger.Warnw("Failed to release stream id", "stream_id", session.ID, "error", err)
	}

	session.State = domain.SessionStopped
	s.metrics.SessionStopped(session.ID, time.Since(session.StartedAt))
	s.logger.Infow("Broadcast stopped", "stream_id", session.ID, "viewers_closed", closed)
	return s.infoLocked(), nil
}

// ShareScreen replaces the outgoing video with a captured display on every
// viewer. The camera comes back on RevertScreen or when the display track ends.
func (s *BroadcastService) ShareScreen(ctx context.Context) (info domain.SessionInfo, err error) {
	ctx, span := tracing.StartSpan(ctx, "broadcast.share_screen")
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()
	start := time.Now()

	s.mu.Lock()
	if err := s.checkShareLocked(); err != nil {
		s.mu.Unlock()
		return domain.SessionInfo{}, err
	}
	session := s.session
	s.mu.Unlock()

	// Display capture may wait on the host, so it runs without the lock.
	screen, err := s.media.OpenDisplayMedia(ctx)
	if err != nil {
		return domain.SessionInfo{}, captureError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != session {
		screen.Stop()
		return domain.SessionInfo{}, fmt.Errorf("session changed during capture: %w", domain.ErrInvalidState)
	}
	if err := s.checkShareLocked(); err != nil {
		screen.Stop()
		return domain.SessionInfo{}, err
	}

	updated, err := s.tracks.BeginScreenShare(session, screen)
	if err != nil {
		screen.Stop()
		return domain.SessionInfo{}, err
	}
	go s.watchScreen(session, screen)

	tracing.AddSpanAttributes(ctx,
		tracing.StreamIDKey.String(string(session.ID)),
		tracing.SendersKey.Int(updated),
	)
	tracing.MeasureDuration(ctx, start)

	s.logger.Infow("Screen share started", "stream_id", session.ID, "senders", updated)
	return s.infoLocked(), nil
}

// RevertScreen stops the display track and restores the camera.
func (s *BroadcastService) RevertScreen(ctx context.Context) (domain.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streamingLocked() {
		return domain.SessionInfo{}, fmt.Errorf("revert while not streaming: %w", domain.ErrInvalidState)
	}
	session := s.session
	screen := session.ScreenTrack()
	if screen == nil {
		return domain.SessionInfo{}, domain.ErrScreenShareInactive
	}

	updated, _ := s.tracks.EndScreenShare(session)
	screen.Stop()

	s.logger.Infow("Screen share reverted", "stream_id", session.ID, "senders", updated)
	return s.infoLocked(), nil
}

// Status returns a snapshot of the current session.
func (s *BroadcastService) Status() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

// Shutdown stops a running broadcast. It is a no-op otherwise.
func (s *BroadcastService) Shutdown(ctx context.Context) error {
	_, err := s.Stop(ctx)
	if errors.Is(err, domain.ErrInvalidState) {
		return nil
	}
	return err
}

func (s *BroadcastService) watchScreen(session *Session, screen ports.MediaTrack) {
	<-screen.Ended()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != session || session.ScreenTrack() != screen {
		return
	}
	updated, _ := s.tracks.EndScreenShare(session)
	s.logger.Infow("Screen track ended, camera restored", "stream_id", session.ID, "senders", updated)
}

// watchUserTrack reports a camera or microphone that ends while the session
// is live. Viewers keep the sender; it goes silent until the broadcast stops.
func (s *BroadcastService) watchUserTrack(session *Session, track ports.MediaTrack) {
	<-track.Ended()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != session || session.State != domain.SessionStreaming {
		return
	}
	s.logger.Warnw("Capture track ended during broadcast",
		"stream_id", session.ID,
		"source", track.Source(),
		"track_id", track.ID(),
	)
}

func (s *BroadcastService) handleViewerJoin(streamID domain.StreamID, viewerID domain.ViewerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(domain.EventViewerJoin, streamID, viewerID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	session := s.session
	if err := s.negotiation.Join(ctx, session.ID, viewerID, session.CurrentTracks()); err != nil {
		s.logger.Warnw("Viewer join failed", "viewer_id", viewerID, "stream_id", session.ID, "error", err)
		return
	}
	s.metrics.ViewerJoined(session.ID)
}

func (s *BroadcastService) handleAnswer(streamID domain.StreamID, viewerID domain.ViewerID, answer webrtc.SessionDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(domain.EventAnswer, streamID, viewerID) {
		return
	}
	if err := s.negotiation.HandleAnswer(s.session.ID, viewerID, answer); err != nil {
		s.dropEvent(domain.EventAnswer, viewerID, reasonFor(err))
		s.logger.Debugw("Answer not applied", "viewer_id", viewerID, "error", err)
	}
}

func (s *BroadcastService) handleViewerCandidate(streamID domain.StreamID, viewerID domain.ViewerID, candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acceptLocked(domain.EventViewerICECandidate, streamID, viewerID) {
		return
	}
	if err := s.negotiation.HandleRemoteCandidate(viewerID, candidate); err != nil {
		s.dropEvent(domain.EventViewerICECandidate, viewerID, reasonFor(err))
		s.logger.Debugw("Candidate not applied", "viewer_id", viewerID, "error", err)
	}
}

func (s *BroadcastService) handleViewerDisconnect(streamID domain.StreamID, viewerID domain.ViewerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streamingLocked() || (streamID != "" && streamID != s.session.ID) {
		return
	}
	if s.negotiation.Disconnect(viewerID) {
		s.metrics.ViewerLeft(s.session.ID, "disconnect")
		s.logger.Infow("Viewer disconnected", "viewer_id", viewerID)
	}
}

func (s *BroadcastService) streamingLocked() bool {
	return s.session != nil && s.session.State == domain.SessionStreaming
}

// acceptLocked reports whether an inbound viewer event belongs to the live
// session. Events scoped to another stream come from a shared relay bus.
func (s *BroadcastService) acceptLocked(event string, streamID domain.StreamID, viewerID domain.ViewerID) bool {
	if !s.streamingLocked() {
		s.dropEvent(event, viewerID, "not_streaming")
		return false
	}
	if streamID != "" && streamID != s.session.ID {
		s.dropEvent(event, viewerID, "other_stream")
		return false
	}
	return true
}

func (s *BroadcastService) checkShareLocked() error {
	if !s.streamingLocked() {
		return fmt.Errorf("share while not streaming: %w", domain.ErrInvalidState)
	}
	if s.session.ScreenSharing() {
		return domain.ErrScreenShareActive
	}
	return nil
}

func (s *BroadcastService) infoLocked() domain.SessionInfo {
	if s.session == nil {
		return domain.SessionInfo{State: domain.SessionIdle, Viewers: []domain.ViewerInfo{}}
	}
	return domain.SessionInfo{
		StreamID:      s.session.ID,
		State:         s.session.State,
		ScreenSharing: s.session.ScreenSharing(),
		StartedAt:     s.session.StartedAt,
		Viewers:       s.registry.Snapshot(),
	}
}

func (s *BroadcastService) dropEvent(event string, viewerID domain.ViewerID, reason string) {
	s.logger.Debugw("Ignoring signaling event", "event", event, "viewer_id", viewerID, "reason", reason)
	s.metrics.SignalDropped(event, reason)
}

func captureError(err error) error {
	if errors.Is(err, domain.ErrCaptureUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCaptureUnavailable, err)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrViewerNotFound):
		return "unknown_viewer"
	case errors.Is(err, errUnexpectedPhase):
		return "unexpected_phase"
	default:
		return "transport_error"
	}
}
