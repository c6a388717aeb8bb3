package services

import (
	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"go.uber.org/zap"
)

// TrackService swaps outgoing media on every live connection without renegotiating.
type TrackService struct {
	registry *ViewerRegistry
	metrics  ports.BroadcastMetrics
	logger   *zap.SugaredLogger
}

func NewTrackService(registry *ViewerRegistry, metrics ports.BroadcastMetrics, logger *zap.SugaredLogger) *TrackService {
	return &TrackService{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// SwitchTo makes track the session's current track for its kind, then
// replaces it on every sender of that kind. A failing connection is logged
// and skipped. Returns the number of senders updated.
func (t *TrackService) SwitchTo(session *Session, track ports.MediaTrack) int {
	kind := track.Kind()
	session.current[kind] = track

	updated := 0
	t.registry.ForEachActive(func(conn *ViewerConnection) {
		for _, sender := range conn.Transport().Senders() {
			current := sender.Track()
			if current == nil || current.Kind() != kind {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				t.logger.Warnw("Failed to replace track",
					"viewer_id", conn.ID(),
					"kind", kind,
					"error", err,
				)
				continue
			}
			updated++
		}
	})

	t.metrics.TrackSwitched(track.Source(), updated)
	t.logger.Infow("Switched outgoing track", "source", track.Source(), "kind", kind, "senders", updated)
	return updated
}

// BeginScreenShare remembers the current camera track and switches video to screen.
func (t *TrackService) BeginScreenShare(session *Session, screen ports.MediaTrack) (int, error) {
	if session.screen != nil {
		return 0, domain.ErrScreenShareActive
	}
	session.previousCamera = session.current[domain.TrackKindVideo]
	session.screen = screen
	return t.SwitchTo(session, screen), nil
}

// EndScreenShare restores the remembered camera track. It does not stop the
// screen track. Calling it with no share active does nothing and returns false.
func (t *TrackService) EndScreenShare(session *Session) (int, bool) {
	if session.screen == nil {
		return 0, false
	}
	previous := session.previousCamera
	session.screen = nil
	session.previousCamera = nil

	if previous == nil {
		delete(session.current, domain.TrackKindVideo)
		return 0, true
	}
	return t.SwitchTo(session, previous), true
}
