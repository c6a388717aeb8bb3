package validation

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		wantErr  bool
	}{
		{"generated token", "aB3-x9Z-0qQ", false},
		{"underscore", "stream_1", false},
		{"empty", "", true},
		{"slash", "abc/def", true},
		{"space", "abc def", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamID(tt.streamID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateViewerID(t *testing.T) {
	tests := []struct {
		name     string
		viewerID string
		wantErr  bool
	}{
		{"uuid", "0b8f8c1e-3c55-4b7a-9d0c-2f3e1a7c9b11", false},
		{"socket style", "v1:abc.def", false},
		{"empty", "", true},
		{"newline", "abc\n", true},
		{"too long", strings.Repeat("v", 200), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateViewerID(tt.viewerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateViewerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAnswer(t *testing.T) {
	tests := []struct {
		name    string
		desc    webrtc.SessionDescription
		wantErr bool
	}{
		{"valid", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}, false},
		{"offer type", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, true},
		{"empty sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}, true},
		{"garbage sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "hello"}, true},
		{"huge sdp", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0" + strings.Repeat("a", 70*1024)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAnswer(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAnswer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICECandidate(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		wantErr   bool
	}{
		{"host candidate", "candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host", false},
		{"end of candidates", "", false},
		{"missing prefix", "1 1 udp 2130706431 192.168.1.2 54321 typ host", true},
		{"too long", "candidate:" + strings.Repeat("x", 2000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICECandidate(webrtc.ICECandidateInit{Candidate: tt.candidate})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICECandidate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
