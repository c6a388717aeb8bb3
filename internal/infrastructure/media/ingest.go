package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const maxPacketSize = 1500

// Ingest feeds a Track from RTP packets arriving on a UDP socket, as sent by
// ffmpeg or GStreamer. Video is held back until the first keyframe.
type Ingest struct {
	conn        net.PacketConn
	track       *Track
	idleTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}

	packets atomic.Uint64
	logger  *zap.SugaredLogger
}

// Listen binds addr and starts forwarding into track. Stopping the track
// closes the socket; an idle socket stops the track.
func Listen(addr string, track *Track, idleTimeout time.Duration, logger *zap.SugaredLogger) (*Ingest, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for %s RTP on %s: %w", track.Source(), addr, err)
	}

	in := &Ingest{
		conn:        conn,
		track:       track,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
		logger:      logger.With("source", track.Source(), "addr", conn.LocalAddr().String()),
	}
	track.onStop = in.close

	go in.run()
	in.logger.Infow("RTP ingest listening", "track_id", track.ID(), "codec", track.Codec().MimeType)
	return in, nil
}

// Addr is the bound local address.
func (in *Ingest) Addr() net.Addr {
	return in.conn.LocalAddr()
}

// Packets counts packets forwarded into the track.
func (in *Ingest) Packets() uint64 {
	return in.packets.Load()
}

// Done is closed when the read loop has exited.
func (in *Ingest) Done() <-chan struct{} {
	return in.done
}

func (in *Ingest) close() {
	in.closeOnce.Do(func() {
		in.conn.Close()
	})
}

func (in *Ingest) run() {
	defer close(in.done)
	defer in.track.Stop()

	buf := make([]byte, maxPacketSize)
	mimeType := in.track.Codec().MimeType
	waitingForKeyframe := true

	for {
		if in.idleTimeout > 0 {
			in.conn.SetReadDeadline(time.Now().Add(in.idleTimeout))
		}

		n, _, err := in.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			switch {
			case in.track.isEnded():
			case errors.As(err, &netErr) && netErr.Timeout():
				in.logger.Infow("RTP source idle, ending track",
					"track_id", in.track.ID(),
					"idle_timeout", in.idleTimeout,
					"packets", in.packets.Load(),
				)
			default:
				in.logger.Warnw("RTP ingest read failed", "track_id", in.track.ID(), "error", err)
			}
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			in.logger.Debugw("dropping malformed RTP packet", "error", err)
			continue
		}

		if waitingForKeyframe {
			if !IsKeyframe(mimeType, packet.Payload) {
				continue
			}
			waitingForKeyframe = false
			in.logger.Debugw("first keyframe received", "track_id", in.track.ID(), "sequence", packet.SequenceNumber)
		}

		if err := in.track.WriteRTP(packet); err != nil {
			in.logger.Debugw("failed to write RTP packet", "track_id", in.track.ID(), "error", err)
			continue
		}
		in.packets.Add(1)
	}
}
