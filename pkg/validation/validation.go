package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v3"
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ViewerIDRegex validates viewer ID format
	ViewerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	maxIDLength  = 128
	maxSDPLength = 64 * 1024
)

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > maxIDLength {
		return fmt.Errorf("stream ID is too long (max %d characters)", maxIDLength)
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateViewerID validates viewer ID
func ValidateViewerID(viewerID string) error {
	if viewerID == "" {
		return fmt.Errorf("viewer ID is required")
	}
	if len(viewerID) > maxIDLength {
		return fmt.Errorf("viewer ID is too long (max %d characters)", maxIDLength)
	}
	if !ViewerIDRegex.MatchString(viewerID) {
		return fmt.Errorf("invalid viewer ID format")
	}
	return nil
}

// ValidateAnswer checks that a remote description is a usable answer.
func ValidateAnswer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %q", desc.Type.String())
	}
	return validateSDP(desc.SDP)
}

func validateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("SDP is required")
	}
	if len(sdp) > maxSDPLength {
		return fmt.Errorf("SDP is too long (max %d bytes)", maxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("SDP must start with a version line")
	}
	return nil
}

// ValidateICECandidate validates a trickled candidate. An empty candidate
// string marks end-of-candidates and is accepted.
func ValidateICECandidate(c webrtc.ICECandidateInit) error {
	if len(c.Candidate) > maxIDLength*8 {
		return fmt.Errorf("ICE candidate is too long")
	}
	if c.Candidate != "" && !strings.HasPrefix(c.Candidate, "candidate:") {
		return fmt.Errorf("invalid ICE candidate format")
	}
	return nil
}
