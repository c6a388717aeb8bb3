package media

import (
	"fmt"
	"strings"
	"sync"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const streamLabel = "peercast"

// Track is a local track fed with RTP packets. Ended closes on Stop or when
// the feeding source goes away.
type Track struct {
	id     string
	kind   domain.TrackKind
	source domain.TrackSource
	local  *webrtc.TrackLocalStaticRTP

	ended  chan struct{}
	once   sync.Once
	onStop func()
}

var _ ports.MediaTrack = (*Track)(nil)

func NewTrack(source domain.TrackSource, codec webrtc.RTPCodecCapability) (*Track, error) {
	kind := domain.TrackKindVideo
	if strings.HasPrefix(codec.MimeType, "audio/") {
		kind = domain.TrackKindAudio
	}

	id := fmt.Sprintf("%s-%s", source, uuid.NewString()[:8])
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}

	return &Track{
		id:     id,
		kind:   kind,
		source: source,
		local:  local,
		ended:  make(chan struct{}),
	}, nil
}

func (t *Track) ID() string                 { return t.id }
func (t *Track) Kind() domain.TrackKind     { return t.kind }
func (t *Track) Source() domain.TrackSource { return t.source }
func (t *Track) Local() webrtc.TrackLocal   { return t.local }
func (t *Track) Ended() <-chan struct{}     { return t.ended }

// Codec returns the negotiated capability of the track.
func (t *Track) Codec() webrtc.RTPCodecCapability {
	return t.local.Codec()
}

func (t *Track) WriteRTP(packet *rtp.Packet) error {
	return t.local.WriteRTP(packet)
}

// Stop ends the track and releases its source. Safe to call repeatedly.
func (t *Track) Stop() {
	t.once.Do(func() {
		close(t.ended)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *Track) isEnded() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}
