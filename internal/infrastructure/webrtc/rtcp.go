package webrtc

import (
	"errors"
	"io"

	"peercast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// readRTCP drains viewer feedback for one sender. pion's interceptors only
// see RTCP that is read, so the loop runs until the sender is stopped.
func (t *PeerTransport) readRTCP(sender *webrtc.RTPSender, kind domain.TrackKind) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debugw("stopped reading RTCP",
					"viewer_id", t.viewerID,
					"kind", kind,
					"error", err,
				)
			}
			return
		}
		t.processRTCPPackets(packets, kind)
	}
}

func (t *PeerTransport) processRTCPPackets(packets []rtcp.Packet, kind domain.TrackKind) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			t.feedback.RTCPFeedback("receiver_report")
			for _, report := range p.Reports {
				t.logger.Debugw("received receiver report",
					"viewer_id", t.viewerID,
					"kind", kind,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}

		case *rtcp.TransportLayerNack:
			t.feedback.RTCPFeedback("nack")
			t.logger.Debugw("received NACK",
				"viewer_id", t.viewerID,
				"kind", kind,
				"nacks", len(p.Nacks),
			)

		case *rtcp.PictureLossIndication:
			t.feedback.RTCPFeedback("pli")
			t.logger.Debugw("received PLI", "viewer_id", t.viewerID, "kind", kind)

		case *rtcp.FullIntraRequest:
			t.feedback.RTCPFeedback("fir")

		case *rtcp.ReceiverEstimatedMaximumBitrate:
			t.feedback.RTCPFeedback("remb")
			t.logger.Debugw("received REMB",
				"viewer_id", t.viewerID,
				"bitrate", p.Bitrate,
			)
		}
	}
}
