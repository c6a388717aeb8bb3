package media

import (
	"context"
	"fmt"
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type SourceConfig struct {
	CameraAddr     string
	MicrophoneAddr string
	ScreenAddr     string
	VideoCodec     string
	IdleTimeout    time.Duration
}

// Source opens local capture as RTP ingest sockets. A socket that cannot be
// bound is reported as unavailable capture.
type Source struct {
	cfg        SourceConfig
	videoCodec webrtc.RTPCodecCapability
	logger     *zap.SugaredLogger
}

var _ ports.MediaSource = (*Source)(nil)

func NewSource(cfg SourceConfig, logger *zap.SugaredLogger) (*Source, error) {
	codec, err := VideoCodec(cfg.VideoCodec)
	if err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, videoCodec: codec, logger: logger}, nil
}

// OpenUserMedia opens the camera and, when configured, the microphone.
// A microphone that cannot be opened is skipped.
func (s *Source) OpenUserMedia(ctx context.Context) ([]ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	camera, err := s.open(domain.SourceCamera, s.cfg.CameraAddr, s.videoCodec)
	if err != nil {
		return nil, err
	}
	tracks := []ports.MediaTrack{camera}

	if s.cfg.MicrophoneAddr != "" {
		mic, err := s.open(domain.SourceMicrophone, s.cfg.MicrophoneAddr, OpusCodec)
		if err != nil {
			s.logger.Warnw("Microphone unavailable, streaming video only", "error", err)
		} else {
			tracks = append(tracks, mic)
		}
	}
	return tracks, nil
}

func (s *Source) OpenDisplayMedia(ctx context.Context) (ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.ScreenAddr == "" {
		return nil, fmt.Errorf("%w: screen capture not configured", domain.ErrCaptureUnavailable)
	}
	return s.open(domain.SourceScreen, s.cfg.ScreenAddr, s.videoCodec)
}

func (s *Source) open(source domain.TrackSource, addr string, codec webrtc.RTPCodecCapability) (*Track, error) {
	track, err := NewTrack(source, codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCaptureUnavailable, err)
	}
	if _, err := Listen(addr, track, s.cfg.IdleTimeout, s.logger); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCaptureUnavailable, err)
	}
	return track, nil
}
