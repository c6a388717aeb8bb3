package domain

import "github.com/pion/webrtc/v3"

// Signaling event names exchanged with the relay.
const (
	EventStartStream        = "start-stream"
	EventViewerJoin         = "viewer-join"
	EventOffer              = "offer"
	EventAnswer             = "answer"
	EventICECandidate       = "ice-candidate"
	EventViewerICECandidate = "viewer-ice-candidate"
	EventViewerDisconnect   = "viewer-disconnect"
	EventStopStream         = "stop-stream"

	// Relay to viewer only.
	EventStreamEnded = "stream-ended"
	EventError       = "error"
)

type StartStreamPayload struct {
	StreamID StreamID `json:"streamId"`
}

type StopStreamPayload struct {
	StreamID StreamID `json:"streamId"`
}

type OfferPayload struct {
	Offer    webrtc.SessionDescription `json:"offer"`
	ViewerID ViewerID                  `json:"viewerId"`
	StreamID StreamID                  `json:"streamId,omitempty"`
}

type AnswerPayload struct {
	Answer   webrtc.SessionDescription `json:"answer"`
	ViewerID ViewerID                  `json:"viewerId"`
	StreamID StreamID                  `json:"streamId,omitempty"`
}

// ViewerPayload is the object form of viewer-join and viewer-disconnect. A
// relay shared by several broadcasters sets StreamID.
type ViewerPayload struct {
	ViewerID ViewerID `json:"viewerId"`
	StreamID StreamID `json:"streamId,omitempty"`
}

type ICECandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	ViewerID  ViewerID                `json:"viewerId"`
	StreamID  StreamID                `json:"streamId,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
