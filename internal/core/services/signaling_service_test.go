package services

import (
	"encoding/json"
	"testing"

	"peercast/internal/core/domain"
	"peercast/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingService_ViewerIDForms(t *testing.T) {
	ch := signal.NewMemoryChannel()
	metrics := newRecordingMetrics()
	svc := NewSignalingService(ch, metrics, testLogger(t))

	var joined []domain.ViewerID
	var streams []domain.StreamID
	svc.OnViewerJoin(func(streamID domain.StreamID, id domain.ViewerID) {
		joined = append(joined, id)
		streams = append(streams, streamID)
	})

	ch.Deliver(domain.EventViewerJoin, "socket-1")
	ch.Deliver(domain.EventViewerJoin, map[string]string{"viewerId": "socket-2"})
	ch.Deliver(domain.EventViewerJoin, domain.ViewerPayload{ViewerID: "socket-3", StreamID: testStreamID})
	ch.Deliver(domain.EventViewerJoin, "")
	ch.Deliver(domain.EventViewerJoin, "bad id with spaces")

	assert.Equal(t, []domain.ViewerID{"socket-1", "socket-2", "socket-3"}, joined)
	assert.Equal(t, []domain.StreamID{"", "", testStreamID}, streams)
	assert.Equal(t, 2, metrics.droppedCount(domain.EventViewerJoin, "invalid_viewer_id"))
}

func TestSignalingService_AnswerValidation(t *testing.T) {
	ch := signal.NewMemoryChannel()
	metrics := newRecordingMetrics()
	svc := NewSignalingService(ch, metrics, testLogger(t))

	var got []webrtc.SessionDescription
	svc.OnAnswer(func(_ domain.StreamID, _ domain.ViewerID, answer webrtc.SessionDescription) { got = append(got, answer) })

	ch.Deliver(domain.EventAnswer, domain.AnswerPayload{Answer: answerSDP(), ViewerID: "v1"})
	ch.Deliver(domain.EventAnswer, domain.AnswerPayload{
		Answer:   webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		ViewerID: "v1",
	})

	require.Len(t, got, 1)
	assert.Equal(t, 1, metrics.droppedCount(domain.EventAnswer, "invalid_answer"))
}

func TestSignalingService_CandidatePayload(t *testing.T) {
	ch := signal.NewMemoryChannel()
	svc := NewSignalingService(ch, newRecordingMetrics(), testLogger(t))

	mid := "0"
	svc.SendICECandidate(testStreamID, "v1", webrtc.ICECandidateInit{Candidate: candidate(1).Candidate, SDPMid: &mid})

	sent := ch.Sent(domain.EventICECandidate)
	require.Len(t, sent, 1)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(sent[0].Data, &raw))
	assert.Equal(t, "v1", raw["viewerId"])
	assert.Equal(t, string(testStreamID), raw["streamId"])
	c := raw["candidate"].(map[string]interface{})
	assert.Equal(t, "0", c["sdpMid"])
	assert.Equal(t, candidate(1).Candidate, c["candidate"])
}
