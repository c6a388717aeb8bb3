package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/tracing"
	"peercast/pkg/utils"
	"peercast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	RoleBroadcaster = "broadcaster"
	RoleViewer      = "viewer"
)

var (
	errStreamNotLive   = errors.New("stream is not live")
	errStreamOwned     = errors.New("stream id already owned by another broadcaster")
	errNotYourViewer   = errors.New("viewer is not watching a stream of this broadcaster")
	errUnknownEvent    = errors.New("unknown event")
	errMessageRejected = errors.New("message rate exceeded")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

type RelayStats struct {
	Broadcasters int `json:"broadcasters"`
	Viewers      int `json:"viewers"`
	Streams      int `json:"streams"`
}

// relayPeer is one party attached to the relay: a WebSocket connection or a
// bus-backed broadcaster.
type relayPeer struct {
	id       string
	role     string
	streamID domain.StreamID
	owned    map[domain.StreamID]struct{}

	out       chan Envelope
	bus       ports.SignalingChannel
	closed    chan struct{}
	closeOnce sync.Once
}

func newRelayPeer(id, role string, buffer int) *relayPeer {
	return &relayPeer{
		id:     id,
		role:   role,
		owned:  make(map[domain.StreamID]struct{}),
		out:    make(chan Envelope, buffer),
		closed: make(chan struct{}),
	}
}

func (p *relayPeer) deliver(env Envelope) bool {
	if p.bus != nil {
		p.bus.Send(env.Event, env.Data)
		return true
	}
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.out <- env:
		return true
	default:
		return false
	}
}

func (p *relayPeer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// RelayServer routes signaling events between one broadcaster per stream and
// that stream's viewers. It never looks inside offers or candidates.
type RelayServer struct {
	cfg RelayConfig

	mu           sync.RWMutex
	streams      map[domain.StreamID]*relayPeer
	viewers      map[domain.ViewerID]*relayPeer
	broadcasters map[string]*relayPeer

	newViewerID func() domain.ViewerID
	metrics     ports.RelayMetrics
	logger      *zap.SugaredLogger
}

func NewRelayServer(cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MessagesPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	return &RelayServer{
		cfg:          cfg,
		streams:      make(map[domain.StreamID]*relayPeer),
		viewers:      make(map[domain.ViewerID]*relayPeer),
		broadcasters: make(map[string]*relayPeer),
		newViewerID:  func() domain.ViewerID { return domain.ViewerID(uuid.NewString()) },
		metrics:      metrics,
		logger:       logger,
	}
}

// RegisterRoutes mounts the relay endpoints on a gin router.
func (s *RelayServer) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", gin.WrapF(s.HandleWebSocket))
	router.GET("/relay/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})
}

func (s *RelayServer) Stats() RelayStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RelayStats{
		Broadcasters: len(s.broadcasters),
		Viewers:      len(s.viewers),
		Streams:      len(s.streams),
	}
}

// CloseAll disconnects every peer. Used on shutdown, since hijacked
// connections outlive http.Server.Shutdown.
func (s *RelayServer) CloseAll() {
	s.mu.RLock()
	peers := make([]*relayPeer, 0, len(s.broadcasters)+len(s.viewers))
	for _, p := range s.broadcasters {
		peers = append(peers, p)
	}
	for _, p := range s.viewers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role != RoleBroadcaster && role != RoleViewer {
		http.Error(w, "role must be broadcaster or viewer", http.StatusBadRequest)
		return
	}

	var streamID domain.StreamID
	if role == RoleViewer {
		streamID = domain.StreamID(r.URL.Query().Get("stream_id"))
		if err := validation.ValidateStreamID(string(streamID)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	var peer *relayPeer
	if role == RoleBroadcaster {
		peer = newRelayPeer(uuid.NewString(), role, s.cfg.SendBuffer)
		s.mu.Lock()
		s.broadcasters[peer.id] = peer
		s.mu.Unlock()
	} else {
		peer = newRelayPeer(string(s.newViewerID()), role, s.cfg.SendBuffer)
		peer.streamID = streamID
		if err := s.joinViewer(peer); err != nil {
			s.writeError(conn, err)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			return
		}
	}
	s.metrics.ConnectionOpened(role)
	s.logger.Infow("peer connected to relay", "role", role, "peer_id", peer.id, "stream_id", streamID)

	s.serve(conn, peer)

	peer.close()
	s.leave(peer)
	s.metrics.ConnectionClosed(role)
	s.logger.Infow("peer disconnected from relay", "role", role, "peer_id", peer.id)
}

// serve runs the connection until the peer goes away. The calling goroutine
// is the only writer.
func (s *RelayServer) serve(conn *websocket.Conn, peer *relayPeer) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	messageChan := make(chan Envelope, 16)
	errorChan := make(chan error, 1)
	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- env:
			case <-peer.closed:
				return
			}
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.metrics.MessageDropped(env.Event, "rate_limited")
				s.writeError(conn, errMessageRejected)
				continue
			}
			if err := s.route(peer, env); err != nil {
				s.logger.Infow("error routing message",
					"peer_id", peer.id,
					"event", env.Event,
					"data", utils.TruncateString(string(env.Data), 256),
					"error", err,
				)
				s.metrics.MessageDropped(env.Event, dropReason(err))
				s.writeError(conn, err)
			}

		case env := <-peer.out:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Infow("error writing to peer", "peer_id", peer.id, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peer.id, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peer.id, "error", err)
			}
			return

		case <-peer.closed:
			return
		}
	}
}

// AttachBroadcaster lets a broadcaster reach the relay over a bus such as a
// RedisChannel instead of a WebSocket. The returned func detaches it.
func (s *RelayServer) AttachBroadcaster(ch ports.SignalingChannel) func() {
	peer := newRelayPeer(uuid.NewString(), RoleBroadcaster, 0)
	peer.bus = ch

	s.mu.Lock()
	s.broadcasters[peer.id] = peer
	s.mu.Unlock()
	s.metrics.ConnectionOpened(RoleBroadcaster)

	for _, event := range []string{domain.EventStartStream, domain.EventOffer, domain.EventICECandidate, domain.EventStopStream} {
		event := event
		ch.On(event, func(data json.RawMessage) {
			select {
			case <-peer.closed:
				return
			default:
			}
			if err := s.route(peer, Envelope{Event: event, Data: data}); err != nil {
				s.logger.Infow("error routing bus message", "event", event, "error", err)
				s.metrics.MessageDropped(event, dropReason(err))
			}
		})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			peer.close()
			s.leave(peer)
			s.metrics.ConnectionClosed(RoleBroadcaster)
		})
	}
}

func (s *RelayServer) route(peer *relayPeer, env Envelope) (err error) {
	ctx, span := tracing.TraceSignal(context.Background(), env.Event, peer.id)
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	if peer.role == RoleBroadcaster {
		switch env.Event {
		case domain.EventStartStream:
			return s.handleStartStream(peer, env)
		case domain.EventOffer, domain.EventICECandidate:
			return s.forwardToViewer(peer, env)
		case domain.EventStopStream:
			return s.handleStopStream(peer, env)
		}
	} else {
		switch env.Event {
		case domain.EventAnswer:
			return s.handleAnswer(peer, env)
		case domain.EventICECandidate:
			return s.handleViewerCandidate(peer, env)
		}
	}
	return fmt.Errorf("%w: %q", errUnknownEvent, env.Event)
}

func (s *RelayServer) handleStartStream(peer *relayPeer, env Envelope) error {
	var payload domain.StartStreamPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("invalid start-stream payload: %w", err)
	}
	if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
		return err
	}

	s.mu.Lock()
	owner, exists := s.streams[payload.StreamID]
	if exists && owner != peer {
		s.mu.Unlock()
		return errStreamOwned
	}
	s.streams[payload.StreamID] = peer
	peer.owned[payload.StreamID] = struct{}{}
	s.mu.Unlock()

	s.metrics.MessageRouted(env.Event)
	s.logger.Infow("stream started", "stream_id", payload.StreamID, "broadcaster", peer.id)
	return nil
}

func (s *RelayServer) handleStopStream(peer *relayPeer, env Envelope) error {
	var payload domain.StopStreamPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("invalid stop-stream payload: %w", err)
	}

	s.mu.Lock()
	if s.streams[payload.StreamID] != peer {
		s.mu.Unlock()
		return errStreamNotLive
	}
	delete(s.streams, payload.StreamID)
	delete(peer.owned, payload.StreamID)
	audience := s.audienceLocked(payload.StreamID)
	s.mu.Unlock()

	s.endStream(payload.StreamID, audience)
	s.metrics.MessageRouted(env.Event)
	s.logger.Infow("stream stopped", "stream_id", payload.StreamID, "viewers", len(audience))
	return nil
}

// forwardToViewer passes an offer or candidate through untouched.
func (s *RelayServer) forwardToViewer(peer *relayPeer, env Envelope) error {
	var target struct {
		ViewerID domain.ViewerID `json:"viewerId"`
		StreamID domain.StreamID `json:"streamId"`
	}
	if err := json.Unmarshal(env.Data, &target); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Event, err)
	}

	s.mu.RLock()
	viewer, ok := s.viewers[target.ViewerID]
	owner := s.streams[viewerStream(viewer)]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrViewerNotFound, target.ViewerID)
	}
	if owner != peer {
		return errNotYourViewer
	}
	// A bus peer owns every stream published on it, so the stream id is
	// the only thing tying the message to this viewer.
	if target.StreamID != "" && target.StreamID != viewer.streamID {
		return errNotYourViewer
	}
	if !viewer.deliver(env) {
		return fmt.Errorf("viewer %s not reachable", target.ViewerID)
	}

	s.metrics.MessageRouted(env.Event)
	s.logger.Debugw("routed to viewer", "event", env.Event, "viewer_id", target.ViewerID)
	return nil
}

func (s *RelayServer) handleAnswer(peer *relayPeer, env Envelope) error {
	var payload struct {
		Answer json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || len(payload.Answer) == 0 {
		return fmt.Errorf("invalid answer payload")
	}

	return s.forwardToBroadcaster(peer, domain.EventAnswer, map[string]interface{}{
		"answer":   payload.Answer,
		"viewerId": peer.id,
		"streamId": peer.streamID,
	})
}

func (s *RelayServer) handleViewerCandidate(peer *relayPeer, env Envelope) error {
	var payload struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || len(payload.Candidate) == 0 {
		return fmt.Errorf("invalid ice-candidate payload")
	}

	return s.forwardToBroadcaster(peer, domain.EventViewerICECandidate, map[string]interface{}{
		"candidate": payload.Candidate,
		"viewerId":  peer.id,
		"streamId":  peer.streamID,
	})
}

// forwardToBroadcaster stamps the relay-assigned viewer id on the payload so
// viewers cannot speak for each other.
func (s *RelayServer) forwardToBroadcaster(viewer *relayPeer, event string, payload interface{}) error {
	s.mu.RLock()
	owner, ok := s.streams[viewer.streamID]
	s.mu.RUnlock()
	if !ok {
		return errStreamNotLive
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if !owner.deliver(env) {
		return fmt.Errorf("broadcaster not reachable")
	}

	s.metrics.MessageRouted(event)
	return nil
}

func (s *RelayServer) joinViewer(peer *relayPeer) error {
	s.mu.Lock()
	owner, ok := s.streams[peer.streamID]
	if !ok {
		s.mu.Unlock()
		return errStreamNotLive
	}
	s.viewers[domain.ViewerID(peer.id)] = peer
	s.mu.Unlock()

	env, err := viewerEnvelope(domain.EventViewerJoin, owner, peer)
	if err != nil {
		return err
	}
	if !owner.deliver(env) {
		s.metrics.MessageDropped(domain.EventViewerJoin, "unreachable")
		return nil
	}
	s.metrics.MessageRouted(domain.EventViewerJoin)
	return nil
}

// leave unregisters a peer and tells the other side.
func (s *RelayServer) leave(peer *relayPeer) {
	if peer.role == RoleViewer {
		s.mu.Lock()
		delete(s.viewers, domain.ViewerID(peer.id))
		owner, ok := s.streams[peer.streamID]
		s.mu.Unlock()

		if ok {
			env, _ := viewerEnvelope(domain.EventViewerDisconnect, owner, peer)
			if owner.deliver(env) {
				s.metrics.MessageRouted(domain.EventViewerDisconnect)
			}
		}
		return
	}

	s.mu.Lock()
	delete(s.broadcasters, peer.id)
	ended := make(map[domain.StreamID][]*relayPeer, len(peer.owned))
	for streamID := range peer.owned {
		if s.streams[streamID] == peer {
			delete(s.streams, streamID)
			ended[streamID] = s.audienceLocked(streamID)
		}
	}
	peer.owned = make(map[domain.StreamID]struct{})
	s.mu.Unlock()

	for streamID, audience := range ended {
		s.endStream(streamID, audience)
		s.logger.Infow("broadcaster dropped, stream ended", "stream_id", streamID, "viewers", len(audience))
	}
}

func (s *RelayServer) audienceLocked(streamID domain.StreamID) []*relayPeer {
	var out []*relayPeer
	for _, v := range s.viewers {
		if v.streamID == streamID {
			out = append(out, v)
		}
	}
	return out
}

func (s *RelayServer) endStream(streamID domain.StreamID, audience []*relayPeer) {
	env, _ := NewEnvelope(domain.EventStreamEnded, domain.StopStreamPayload{StreamID: streamID})
	for _, v := range audience {
		if v.deliver(env) {
			s.metrics.MessageRouted(domain.EventStreamEnded)
		}
	}
}

func (s *RelayServer) writeError(conn *websocket.Conn, err error) {
	env, _ := NewEnvelope(domain.EventError, domain.ErrorPayload{Message: err.Error()})
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	conn.WriteJSON(env)
}

// viewerEnvelope builds viewer-join or viewer-disconnect for owner. WebSocket
// broadcasters get the bare viewer id; bus peers fan out to every
// broadcaster on the bus, so they also get the stream id.
func viewerEnvelope(event string, owner, viewer *relayPeer) (Envelope, error) {
	if owner.bus != nil {
		return NewEnvelope(event, domain.ViewerPayload{
			ViewerID: domain.ViewerID(viewer.id),
			StreamID: viewer.streamID,
		})
	}
	return NewEnvelope(event, viewer.id)
}

func viewerStream(v *relayPeer) domain.StreamID {
	if v == nil {
		return ""
	}
	return v.streamID
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrViewerNotFound):
		return "unknown_viewer"
	case errors.Is(err, errStreamNotLive):
		return "stream_not_live"
	case errors.Is(err, errStreamOwned), errors.Is(err, errNotYourViewer):
		return "forbidden"
	case errors.Is(err, errUnknownEvent):
		return "unknown_event"
	default:
		return "invalid"
	}
}
