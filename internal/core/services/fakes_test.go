package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

type fakeTrack struct {
	id     string
	kind   domain.TrackKind
	source domain.TrackSource

	once  sync.Once
	ended chan struct{}
}

func newFakeTrack(id string, kind domain.TrackKind, source domain.TrackSource) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, source: source, ended: make(chan struct{})}
}

func (t *fakeTrack) ID() string                 { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind     { return t.kind }
func (t *fakeTrack) Source() domain.TrackSource { return t.source }
func (t *fakeTrack) Local() webrtc.TrackLocal   { return nil }
func (t *fakeTrack) Ended() <-chan struct{}     { return t.ended }
func (t *fakeTrack) Stop()                      { t.once.Do(func() { close(t.ended) }) }

func (t *fakeTrack) stopped() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}

type fakeSender struct {
	mu         sync.Mutex
	track      ports.MediaTrack
	replaceErr error
	replaced   int
}

func (s *fakeSender) Track() ports.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track ports.MediaTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.track = track
	s.replaced++
	return nil
}

// fakeTransport behaves like a pion peer connection from the core's point of
// view: Close reports the closed state to the registered callback.
type fakeTransport struct {
	mu sync.Mutex

	senders    []*fakeSender
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	onICE      func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	closeCount int

	// gathered during CreateOffer, before the offer is handed back
	earlyCandidates []webrtc.ICECandidateInit
	// reported from inside SetRemoteDescription, before it returns
	stateOnRemote webrtc.PeerConnectionState

	addTrackErr error
	offerErr    error
	remoteErr   error
	addICEErr   error
}

var _ ports.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) AddTrack(track ports.MediaTrack) (ports.TrackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addTrackErr != nil {
		return nil, f.addTrackErr
	}
	sender := &fakeSender{track: track}
	f.senders = append(f.senders, sender)
	return sender, nil
}

func (f *fakeTransport) Senders() []ports.TrackSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.TrackSender, 0, len(f.senders))
	for _, s := range f.senders {
		out = append(out, s)
	}
	return out
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	if f.offerErr != nil {
		f.mu.Unlock()
		return webrtc.SessionDescription{}, f.offerErr
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0\r\nm=%d\r\n", len(f.senders))}
	f.local = &offer
	early := f.earlyCandidates
	onICE := f.onICE
	f.mu.Unlock()

	for _, c := range early {
		if onICE != nil {
			onICE(c)
		}
	}
	return offer, nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	if f.remoteErr != nil {
		f.mu.Unlock()
		return f.remoteErr
	}
	f.remote = &desc
	state, onState := f.stateOnRemote, f.onState
	f.mu.Unlock()

	if state != webrtc.PeerConnectionState(0) && onState != nil {
		onState(state)
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addICEErr != nil {
		return f.addICEErr
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closeCount++
	fn := f.onState
	f.mu.Unlock()

	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (f *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(c)
}

func (f *fakeTransport) setState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(state)
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeTransport) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakeTransport) sendersByKind(kind domain.TrackKind) []*fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSender
	for _, s := range f.senders {
		if t := s.Track(); t != nil && t.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports map[domain.ViewerID][]*fakeTransport
	prepare    func(*fakeTransport)
	err        error
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{transports: make(map[domain.ViewerID][]*fakeTransport)}
}

func (f *fakeTransportFactory) NewTransport(viewerID domain.ViewerID) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{}
	if f.prepare != nil {
		f.prepare(t)
	}
	f.transports[viewerID] = append(f.transports[viewerID], t)
	return t, nil
}

// last returns the most recent transport created for viewerID.
func (f *fakeTransportFactory) last(viewerID domain.ViewerID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.transports[viewerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

var errCaptureDenied = errors.New("permission denied")

type fakeMediaSource struct {
	mu         sync.Mutex
	userErr    error
	displayErr error
	noMic      bool
	user       [][]*fakeTrack
	screens    []*fakeTrack
}

func (m *fakeMediaSource) OpenUserMedia(ctx context.Context) ([]ports.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	n := len(m.user)
	tracks := []*fakeTrack{newFakeTrack(fmt.Sprintf("camera-%d", n), domain.TrackKindVideo, domain.SourceCamera)}
	if !m.noMic {
		tracks = append(tracks, newFakeTrack(fmt.Sprintf("mic-%d", n), domain.TrackKindAudio, domain.SourceMicrophone))
	}
	m.user = append(m.user, tracks)

	out := make([]ports.MediaTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out, nil
}

func (m *fakeMediaSource) OpenDisplayMedia(ctx context.Context) (ports.MediaTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayErr != nil {
		return nil, m.displayErr
	}
	screen := newFakeTrack(fmt.Sprintf("screen-%d", len(m.screens)), domain.TrackKindVideo, domain.SourceScreen)
	m.screens = append(m.screens, screen)
	return screen, nil
}

func (m *fakeMediaSource) lastScreen() *fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screens[len(m.screens)-1]
}

func (m *fakeMediaSource) lastUser() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user[len(m.user)-1]
}

// recordingMetrics counts the calls the tests care about.
type recordingMetrics struct {
	ports.NopMetrics

	mu       sync.Mutex
	joined   int
	left     map[string]int
	offers    int
	completed int
	switched  []int
	dropped  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{left: map[string]int{}, dropped: map[string]int{}}
}

func (m *recordingMetrics) ViewerJoined(domain.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined++
}

func (m *recordingMetrics) ViewerLeft(_ domain.StreamID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left[reason]++
}

func (m *recordingMetrics) OfferSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
}

func (m *recordingMetrics) NegotiationCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) completedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

func (m *recordingMetrics) TrackSwitched(_ domain.TrackSource, senders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switched = append(m.switched, senders)
}

func (m *recordingMetrics) SignalDropped(event, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[event+"/"+reason]++
}

func (m *recordingMetrics) droppedCount(event, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[event+"/"+reason]
}

func candidate(n int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n)}
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
