package services

import (
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
)

var trackKindOrder = []domain.TrackKind{domain.TrackKindAudio, domain.TrackKindVideo}

// Session is one broadcast. It is never reused: a new broadcast gets a new Session.
// Callers must hold the owning BroadcastService lock.
type Session struct {
	ID        domain.StreamID
	State     domain.SessionState
	StartedAt time.Time

	current        map[domain.TrackKind]ports.MediaTrack
	userTracks     []ports.MediaTrack
	previousCamera ports.MediaTrack
	screen         ports.MediaTrack
}

func newSession(id domain.StreamID, userTracks []ports.MediaTrack) *Session {
	s := &Session{
		ID:         id,
		State:      domain.SessionIdle,
		current:    make(map[domain.TrackKind]ports.MediaTrack),
		userTracks: userTracks,
	}
	for _, track := range userTracks {
		if _, ok := s.current[track.Kind()]; !ok {
			s.current[track.Kind()] = track
		}
	}
	return s
}

// CurrentTrack returns the active outgoing track of kind, if any.
func (s *Session) CurrentTrack(kind domain.TrackKind) (ports.MediaTrack, bool) {
	track, ok := s.current[kind]
	return track, ok
}

// CurrentTracks returns the active outgoing tracks, audio first.
func (s *Session) CurrentTracks() []ports.MediaTrack {
	tracks := make([]ports.MediaTrack, 0, len(s.current))
	for _, kind := range trackKindOrder {
		if track, ok := s.current[kind]; ok {
			tracks = append(tracks, track)
		}
	}
	return tracks
}

func (s *Session) ScreenSharing() bool {
	return s.screen != nil
}

func (s *Session) ScreenTrack() ports.MediaTrack {
	return s.screen
}

// stopTracks stops every local track the session holds.
func (s *Session) stopTracks() {
	if s.screen != nil {
		s.screen.Stop()
		s.screen = nil
	}
	s.previousCamera = nil
	for _, track := range s.userTracks {
		track.Stop()
	}
}
