package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const relayStreamID = domain.StreamID("abc-def-ghi")

type relayCounters struct {
	ports.NopMetrics
	mu      sync.Mutex
	opened  map[string]int
	dropped map[string]int
}

func newRelayCounters() *relayCounters {
	return &relayCounters{opened: make(map[string]int), dropped: make(map[string]int)}
}

func (m *relayCounters) ConnectionOpened(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened[role]++
}

func (m *relayCounters) MessageDropped(_, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *relayCounters) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func newTestRelay(t *testing.T, cfg RelayConfig) (*RelayServer, *httptest.Server, *relayCounters) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	metrics := newRelayCounters()
	relay := NewRelayServer(cfg, metrics, zaptest.NewLogger(t).Sugar())
	router := gin.New()
	relay.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return relay, srv, metrics
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	env, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func startStream(t *testing.T, relay *RelayServer, conn *websocket.Conn) {
	t.Helper()
	sendEvent(t, conn, domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID})
	require.Eventually(t, func() bool { return relay.Stats().Streams == 1 }, 2*time.Second, 10*time.Millisecond)
}

func joinedViewerID(t *testing.T, broadcaster *websocket.Conn) domain.ViewerID {
	t.Helper()
	env := readEvent(t, broadcaster)
	require.Equal(t, domain.EventViewerJoin, env.Event)
	var id domain.ViewerID
	require.NoError(t, json.Unmarshal(env.Data, &id))
	require.NotEmpty(t, id)
	return id
}

func TestRelay_RoutesNegotiation(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	viewerID := joinedViewerID(t, broadcaster)

	sendEvent(t, broadcaster, domain.EventOffer, domain.OfferPayload{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		ViewerID: viewerID,
		StreamID: relayStreamID,
	})
	env := readEvent(t, viewer)
	require.Equal(t, domain.EventOffer, env.Event)
	var offer domain.OfferPayload
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, viewerID, offer.ViewerID)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)

	sendEvent(t, viewer, domain.EventAnswer, map[string]interface{}{
		"answer": webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
	})
	env = readEvent(t, broadcaster)
	require.Equal(t, domain.EventAnswer, env.Event)
	var answer domain.AnswerPayload
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.Equal(t, viewerID, answer.ViewerID)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Answer.Type)

	sendEvent(t, viewer, domain.EventICECandidate, map[string]interface{}{
		"candidate": webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})
	env = readEvent(t, broadcaster)
	require.Equal(t, domain.EventViewerICECandidate, env.Event)
	var cand domain.ICECandidatePayload
	require.NoError(t, json.Unmarshal(env.Data, &cand))
	assert.Equal(t, viewerID, cand.ViewerID)
	assert.True(t, strings.HasPrefix(cand.Candidate.Candidate, "candidate:1"))

	sendEvent(t, broadcaster, domain.EventICECandidate, domain.ICECandidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 5002 typ host"},
		ViewerID:  viewerID,
		StreamID:  relayStreamID,
	})
	env = readEvent(t, viewer)
	assert.Equal(t, domain.EventICECandidate, env.Event)

	require.NoError(t, viewer.Close())
	env = readEvent(t, broadcaster)
	require.Equal(t, domain.EventViewerDisconnect, env.Event)
	var left domain.ViewerID
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.Equal(t, viewerID, left)
}

func TestRelay_ViewerRejectedWhenStreamNotLive(t *testing.T) {
	_, srv, _ := newTestRelay(t, RelayConfig{})
	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id=zzz-zzz-zzz"))

	env := readEvent(t, viewer)
	require.Equal(t, domain.EventError, env.Event)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Contains(t, payload.Message, "not live")

	viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := viewer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestRelay_RejectsBadQuery(t *testing.T) {
	_, srv, _ := newTestRelay(t, RelayConfig{})

	for _, query := range []string{"", "role=admin", "role=viewer", "role=viewer&stream_id=bad%20id"} {
		resp, err := http.Get(srv.URL + "/ws?" + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestRelay_StopStreamNotifiesViewers(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	joinedViewerID(t, broadcaster)

	sendEvent(t, broadcaster, domain.EventStopStream, domain.StopStreamPayload{StreamID: relayStreamID})

	env := readEvent(t, viewer)
	require.Equal(t, domain.EventStreamEnded, env.Event)
	var ended domain.StopStreamPayload
	require.NoError(t, json.Unmarshal(env.Data, &ended))
	assert.Equal(t, relayStreamID, ended.StreamID)
	assert.Equal(t, 0, relay.Stats().Streams)
}

func TestRelay_BroadcasterDropEndsStream(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	joinedViewerID(t, broadcaster)

	require.NoError(t, broadcaster.Close())

	env := readEvent(t, viewer)
	assert.Equal(t, domain.EventStreamEnded, env.Event)
	assert.Eventually(t, func() bool { return relay.Stats().Broadcasters == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_OfferForUnknownViewer(t *testing.T) {
	relay, srv, metrics := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	sendEvent(t, broadcaster, domain.EventOffer, domain.OfferPayload{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		ViewerID: "ghost",
	})

	env := readEvent(t, broadcaster)
	assert.Equal(t, domain.EventError, env.Event)
	assert.Equal(t, 1, metrics.droppedFor("unknown_viewer"))
}

func TestRelay_StreamIDOwnedByAnotherBroadcaster(t *testing.T) {
	relay, srv, metrics := newTestRelay(t, RelayConfig{})
	first := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, first)

	second := dialRelay(t, wsURL(srv, "role=broadcaster"))
	sendEvent(t, second, domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID})

	env := readEvent(t, second)
	assert.Equal(t, domain.EventError, env.Event)
	assert.Equal(t, 1, metrics.droppedFor("forbidden"))
}

func TestRelay_ViewerCannotSendBroadcasterEvents(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	joinedViewerID(t, broadcaster)

	sendEvent(t, viewer, domain.EventStopStream, domain.StopStreamPayload{StreamID: relayStreamID})
	env := readEvent(t, viewer)
	assert.Equal(t, domain.EventError, env.Event)
	assert.Equal(t, 1, relay.Stats().Streams)
}

func TestRelay_RateLimitsChattyPeers(t *testing.T) {
	relay, srv, metrics := newTestRelay(t, RelayConfig{MessagesPerSecond: 0.5, Burst: 1})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)

	sendEvent(t, broadcaster, domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID})

	env := readEvent(t, broadcaster)
	require.Equal(t, domain.EventError, env.Event)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, errMessageRejected.Error(), payload.Message)
	assert.Equal(t, 1, metrics.droppedFor("rate_limited"))
}

func TestRelay_AttachBroadcasterOverBus(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	bus := NewMemoryChannel()
	detach := relay.AttachBroadcaster(bus)

	require.True(t, bus.Deliver(domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID}))
	assert.Equal(t, 1, relay.Stats().Streams)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))

	var join domain.ViewerPayload
	require.Eventually(t, func() bool {
		joins := bus.Sent(domain.EventViewerJoin)
		if len(joins) != 1 {
			return false
		}
		return json.Unmarshal(joins[0].Data, &join) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, relayStreamID, join.StreamID)
	viewerID := join.ViewerID

	require.True(t, bus.Deliver(domain.EventOffer, domain.OfferPayload{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		ViewerID: viewerID,
	}))
	assert.Equal(t, domain.EventOffer, readEvent(t, viewer).Event)

	detach()
	assert.Equal(t, domain.EventStreamEnded, readEvent(t, viewer).Event)
	assert.Equal(t, 0, relay.Stats().Broadcasters)
}

func TestRelay_BusOfferForAnotherStreamIsRejected(t *testing.T) {
	relay, srv, metrics := newTestRelay(t, RelayConfig{})
	bus := NewMemoryChannel()
	relay.AttachBroadcaster(bus)

	const otherStreamID = domain.StreamID("xyz-xyz-xyz")
	require.True(t, bus.Deliver(domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID}))
	require.True(t, bus.Deliver(domain.EventStartStream, domain.StartStreamPayload{StreamID: otherStreamID}))

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	var join domain.ViewerPayload
	require.Eventually(t, func() bool {
		joins := bus.Sent(domain.EventViewerJoin)
		return len(joins) == 1 && json.Unmarshal(joins[0].Data, &join) == nil
	}, 2*time.Second, 10*time.Millisecond)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.True(t, bus.Deliver(domain.EventOffer, domain.OfferPayload{Offer: offer, ViewerID: join.ViewerID, StreamID: otherStreamID}))
	assert.Equal(t, 1, metrics.droppedFor("forbidden"))

	require.True(t, bus.Deliver(domain.EventOffer, domain.OfferPayload{Offer: offer, ViewerID: join.ViewerID, StreamID: relayStreamID}))
	env := readEvent(t, viewer)
	require.Equal(t, domain.EventOffer, env.Event)
	var got domain.OfferPayload
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, relayStreamID, got.StreamID)
}

func TestWSChannel_AgainstRelay(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})

	ch, err := DialWS(context.Background(), WSConfig{
		URL:   wsURL(srv, "role=broadcaster"),
		Retry: retry.Config{MaxAttempts: 1},
	}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	joined := make(chan domain.ViewerID, 1)
	ch.On(domain.EventViewerJoin, func(data json.RawMessage) {
		var id domain.ViewerID
		if json.Unmarshal(data, &id) == nil {
			joined <- id
		}
	})

	ch.Send(domain.EventStartStream, domain.StartStreamPayload{StreamID: relayStreamID})
	require.Eventually(t, func() bool { return relay.Stats().Streams == 1 }, 2*time.Second, 10*time.Millisecond)

	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))

	var viewerID domain.ViewerID
	select {
	case viewerID = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer-join not dispatched")
	}

	ch.Send(domain.EventOffer, domain.OfferPayload{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		ViewerID: viewerID,
		StreamID: relayStreamID,
	})
	assert.Equal(t, domain.EventOffer, readEvent(t, viewer).Event)

	// A stop-stream queued right before Close still reaches the relay.
	ch.Send(domain.EventStopStream, domain.StopStreamPayload{StreamID: relayStreamID})
	require.NoError(t, ch.Close())

	assert.Equal(t, domain.EventStreamEnded, readEvent(t, viewer).Event)
	select {
	case <-ch.Done():
	default:
		t.Fatal("channel not done after Close")
	}
}

func TestWSChannel_DialFailure(t *testing.T) {
	_, err := DialWS(context.Background(), WSConfig{
		URL:   "ws://127.0.0.1:1/ws",
		Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestWSChannel_SendAfterCloseIsDropped(t *testing.T) {
	_, srv, _ := newTestRelay(t, RelayConfig{})

	var mu sync.Mutex
	var reasons []string
	ch, err := DialWS(context.Background(), WSConfig{URL: wsURL(srv, "role=broadcaster")}, func(_, reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	ch.Send(domain.EventStopStream, domain.StopStreamPayload{StreamID: relayStreamID})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed"}, reasons)
}

func TestRelay_CloseAllDisconnectsPeers(t *testing.T) {
	relay, srv, _ := newTestRelay(t, RelayConfig{})
	broadcaster := dialRelay(t, wsURL(srv, "role=broadcaster"))
	startStream(t, relay, broadcaster)
	viewer := dialRelay(t, wsURL(srv, "role=viewer&stream_id="+string(relayStreamID)))
	joinedViewerID(t, broadcaster)

	relay.CloseAll()

	require.Eventually(t, func() bool {
		stats := relay.Stats()
		return stats.Broadcasters == 0 && stats.Viewers == 0 && stats.Streams == 0
	}, 2*time.Second, 10*time.Millisecond)

	viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := viewer.ReadMessage(); err != nil {
			break
		}
	}
}
