package media

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// IsKeyframe reports whether an RTP payload starts a keyframe for the given
// codec mime type. Audio payloads always count as keyframes.
func IsKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return isVP9Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	case strings.HasPrefix(strings.ToLower(mimeType), "audio/"):
		return true
	default:
		return false
	}
}

// RFC 7741: payload descriptor, then the VP8 header whose P bit is 0 on keyframes.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	// Only the first packet of partition 0 carries the frame header.
	if desc&0x10 == 0 || desc&0x07 != 0 {
		return false
	}

	offset := 1
	if desc&0x80 != 0 {
		if len(payload) <= offset {
			return false
		}
		ext := payload[offset]
		offset++
		if ext&0x80 != 0 { // I: picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // L: tl0picidx
			offset++
		}
		if ext&0x30 != 0 { // T or K
			offset++
		}
	}

	if len(payload) <= offset {
		return false
	}
	return payload[offset]&0x01 == 0
}

// VP9 payload descriptor: P (inter-picture predicted) clear and B (start of frame) set.
func isVP9Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	return desc&0x40 == 0 && desc&0x08 != 0
}

// H.264: IDR or SPS, directly, inside a STAP-A, or at the start of a FU-A.
func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	switch nalType := payload[0] & 0x1F; nalType {
	case 5, 7:
		return true
	case 24: // STAP-A
		offset := 1
		for offset+2 < len(payload) {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == 5 || t == 7 {
				return true
			}
			offset += size
		}
		return false
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == 5
	default:
		return false
	}
}
