package services

import (
	"sync"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ViewerConnection is the broadcaster's side of one viewer's peer connection.
// The transport is owned exclusively by this entry and is closed exactly once.
type ViewerConnection struct {
	id        domain.ViewerID
	transport ports.Transport
	createdAt time.Time

	mu            sync.Mutex
	phase         domain.NegotiationPhase
	connectedAt   time.Time
	earlyConnect  bool
	pendingLocal  []webrtc.ICECandidateInit
	pendingRemote []webrtc.ICECandidateInit
}

func newViewerConnection(id domain.ViewerID, transport ports.Transport) *ViewerConnection {
	return &ViewerConnection{
		id:        id,
		transport: transport,
		createdAt: time.Now(),
		phase:     domain.PhaseStart,
	}
}

func (c *ViewerConnection) ID() domain.ViewerID        { return c.id }
func (c *ViewerConnection) Transport() ports.Transport { return c.transport }
func (c *ViewerConnection) CreatedAt() time.Time       { return c.createdAt }

func (c *ViewerConnection) Phase() domain.NegotiationPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *ViewerConnection) Closed() bool {
	return c.Phase() == domain.PhaseClosed
}

func (c *ViewerConnection) Info() domain.ViewerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ViewerInfo{
		ViewerID:    c.id,
		Phase:       c.phase,
		CreatedAt:   c.createdAt,
		ConnectedAt: c.connectedAt,
	}
}

// localCandidate sends c right away once the offer is out, queues it before
// that, and drops it after close.
func (c *ViewerConnection) localCandidate(candidate webrtc.ICECandidateInit, send func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case domain.PhaseClosed:
	case domain.PhaseStart:
		c.pendingLocal = append(c.pendingLocal, candidate)
	default:
		send(candidate)
	}
}

// offerSent moves Start -> OfferSent. sendOffer and the queued candidate
// flush run under the connection lock so nothing gathered concurrently can
// overtake them.
func (c *ViewerConnection) offerSent(sendOffer func(), send func(webrtc.ICECandidateInit)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != domain.PhaseStart {
		return false
	}
	c.phase = domain.PhaseOfferSent
	sendOffer()
	for _, candidate := range c.pendingLocal {
		send(candidate)
	}
	c.pendingLocal = nil
	return true
}

// answerReceived moves OfferSent -> AnswerReceived and applies remote
// candidates buffered before the answer, in arrival order. A connected
// report that raced the answer promotes straight to Connected, reported by
// the second result.
func (c *ViewerConnection) answerReceived(apply func(webrtc.ICECandidateInit)) (ok, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != domain.PhaseOfferSent {
		return false, false
	}
	c.phase = domain.PhaseAnswerReceived
	for _, candidate := range c.pendingRemote {
		apply(candidate)
	}
	c.pendingRemote = nil

	if c.earlyConnect {
		c.earlyConnect = false
		c.phase = domain.PhaseConnected
		c.connectedAt = time.Now()
		return true, true
	}
	return true, false
}

// remoteCandidate buffers until the answer is applied, then applies directly.
// It reports whether the candidate was applied.
func (c *ViewerConnection) remoteCandidate(candidate webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case domain.PhaseClosed:
		return false
	case domain.PhaseStart, domain.PhaseOfferSent:
		c.pendingRemote = append(c.pendingRemote, candidate)
		return false
	default:
		apply(candidate)
		return true
	}
}

// markConnected moves AnswerReceived -> Connected. A report that arrives
// while the answer is still being applied is held for answerReceived.
func (c *ViewerConnection) markConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == domain.PhaseOfferSent {
		c.earlyConnect = true
		return false
	}
	if c.phase != domain.PhaseAnswerReceived {
		return false
	}
	c.phase = domain.PhaseConnected
	c.connectedAt = time.Now()
	return true
}

// close marks the connection closed and closes the transport on the first call only.
func (c *ViewerConnection) close() error {
	c.mu.Lock()
	if c.phase == domain.PhaseClosed {
		c.mu.Unlock()
		return nil
	}
	c.phase = domain.PhaseClosed
	c.pendingLocal = nil
	c.pendingRemote = nil
	c.mu.Unlock()

	return c.transport.Close()
}

// ViewerRegistry maps viewer ids to their live connections, in insertion order.
type ViewerRegistry struct {
	mu    sync.RWMutex
	conns map[domain.ViewerID]*ViewerConnection
	order []domain.ViewerID

	logger *zap.SugaredLogger
}

func NewViewerRegistry(logger *zap.SugaredLogger) *ViewerRegistry {
	return &ViewerRegistry{
		conns:  make(map[domain.ViewerID]*ViewerConnection),
		logger: logger,
	}
}

// Create registers transport under viewerID. An existing entry for the same
// id is closed and replaced, and the new entry moves to the end of the order.
// A transport already owned by any entry, including the one being replaced,
// is rejected.
func (r *ViewerRegistry) Create(viewerID domain.ViewerID, transport ports.Transport) (*ViewerConnection, error) {
	r.mu.Lock()
	for _, conn := range r.conns {
		if conn.transport == transport {
			r.mu.Unlock()
			return nil, domain.ErrTransportInUse
		}
	}

	old := r.detachLocked(viewerID)
	conn := newViewerConnection(viewerID, transport)
	r.conns[viewerID] = conn
	r.order = append(r.order, viewerID)
	r.mu.Unlock()

	if old != nil {
		r.logger.Infow("Replacing viewer connection", "viewer_id", viewerID)
		r.closeConn(old)
	}
	return conn, nil
}

func (r *ViewerRegistry) Get(viewerID domain.ViewerID) (*ViewerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[viewerID]
	return conn, ok
}

// Remove closes and deletes the entry for viewerID. Removing an unknown id is a no-op.
func (r *ViewerRegistry) Remove(viewerID domain.ViewerID) bool {
	r.mu.Lock()
	conn := r.detachLocked(viewerID)
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	r.closeConn(conn)
	return true
}

// RemoveConnection removes conn only if it is still the registered entry for its id.
func (r *ViewerRegistry) RemoveConnection(conn *ViewerConnection) bool {
	r.mu.Lock()
	if current, ok := r.conns[conn.id]; !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	r.detachLocked(conn.id)
	r.mu.Unlock()

	r.closeConn(conn)
	return true
}

// ForEachActive calls fn for every open connection over a snapshot taken at
// call time, in insertion order.
func (r *ViewerRegistry) ForEachActive(fn func(*ViewerConnection)) {
	for _, conn := range r.snapshot() {
		if conn.Closed() {
			continue
		}
		fn(conn)
	}
}

// ResetAll closes and removes every entry and returns how many there were.
func (r *ViewerRegistry) ResetAll() int {
	r.mu.Lock()
	conns := make([]*ViewerConnection, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.conns[id])
	}
	r.conns = make(map[domain.ViewerID]*ViewerConnection)
	r.order = nil
	r.mu.Unlock()

	for _, conn := range conns {
		r.closeConn(conn)
	}
	return len(conns)
}

func (r *ViewerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *ViewerRegistry) Snapshot() []domain.ViewerInfo {
	conns := r.snapshot()
	infos := make([]domain.ViewerInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

func (r *ViewerRegistry) snapshot() []*ViewerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*ViewerConnection, 0, len(r.order))
	for _, id := range r.order {
		conns = append(conns, r.conns[id])
	}
	return conns
}

func (r *ViewerRegistry) detachLocked(viewerID domain.ViewerID) *ViewerConnection {
	conn, ok := r.conns[viewerID]
	if !ok {
		return nil
	}
	delete(r.conns, viewerID)
	for i, id := range r.order {
		if id == viewerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return conn
}

func (r *ViewerRegistry) closeConn(conn *ViewerConnection) {
	if err := conn.close(); err != nil {
		r.logger.Warnw("Failed to close viewer transport", "viewer_id", conn.id, "error", err)
	}
}
