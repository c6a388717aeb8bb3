package media

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// OpusCodec is the only audio codec accepted on ingest.
var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

// VideoCodec maps a configured codec name to the capability used for video tracks.
func VideoCodec(name string) (webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(name) {
	case "", "vp8":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "vp9":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "h264":
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported video codec %q", name)
	}
}
