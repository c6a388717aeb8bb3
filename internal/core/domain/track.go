package domain

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// TrackSource is where a local track is captured from.
type TrackSource string

const (
	SourceCamera     TrackSource = "camera"
	SourceMicrophone TrackSource = "microphone"
	SourceScreen     TrackSource = "screen"
)
