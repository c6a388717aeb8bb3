package domain

import "time"

type StreamID string
type ViewerID string

// SessionState is the primary lifecycle state of a broadcast session.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionStreaming SessionState = "streaming"
	SessionStopped   SessionState = "stopped"
)

// SessionInfo is a point-in-time view of the broadcast session.
type SessionInfo struct {
	StreamID      StreamID     `json:"stream_id,omitempty"`
	State         SessionState `json:"state"`
	ScreenSharing bool         `json:"screen_sharing"`
	StartedAt     time.Time    `json:"started_at,omitempty"`
	Viewers       []ViewerInfo `json:"viewers"`
}
