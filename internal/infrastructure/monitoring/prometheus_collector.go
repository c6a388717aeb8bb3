package monitoring

import (
	"time"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peercast"

// PrometheusCollector exports broadcaster, relay and transport events.
type PrometheusCollector struct {
	registerer prometheus.Registerer

	// Session
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram

	// Viewers
	viewerJoins         prometheus.Counter
	viewerLeaves        *prometheus.CounterVec
	offersSent          prometheus.Counter
	iceCandidatesSent   prometheus.Counter
	negotiationDuration prometheus.Histogram

	// Media
	trackSwitches      *prometheus.CounterVec
	trackSwitchSenders prometheus.Histogram
	rtcpFeedback       *prometheus.CounterVec

	signalsDropped *prometheus.CounterVec

	// Relay
	relayConnections      *prometheus.GaugeVec
	relayConnectionsTotal *prometheus.CounterVec
	relayMessagesRouted   *prometheus.CounterVec
	relayMessagesDropped  *prometheus.CounterVec
}

var (
	_ ports.BroadcastMetrics = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics     = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every metric on reg. Binaries pass
// prometheus.DefaultRegisterer; tests pass a private registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registerer: reg,

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of broadcast sessions currently streaming",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of broadcast sessions started",
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of finished broadcast sessions",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),

		viewerJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_joins_total",
			Help:      "Total number of viewers that received an offer",
		}),

		viewerLeaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_leaves_total",
			Help:      "Total number of viewer connections closed, by reason",
		}, []string{"reason"}),

		offersSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_sent_total",
			Help:      "Total number of SDP offers sent",
		}),

		iceCandidatesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidates_sent_total",
			Help:      "Total number of local ICE candidates sent",
		}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_duration_seconds",
			Help:      "Time from viewer join to connected transport",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		trackSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_switches_total",
			Help:      "Total number of outgoing track substitutions, by new source",
		}, []string{"source"}),

		trackSwitchSenders: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "track_switch_senders",
			Help:      "Senders updated per track substitution",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		rtcpFeedback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtcp_feedback_total",
			Help:      "RTCP feedback packets received from viewers, by type",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Signaling events dropped, by event and reason",
		}, []string{"event", "reason"}),

		relayConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections, by role",
		}, []string{"role"}),

		relayConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total relay connections accepted, by role",
		}, []string{"role"}),

		relayMessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_routed_total",
			Help:      "Messages delivered by the relay, by event",
		}, []string{"event"}),

		relayMessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Messages the relay could not deliver, by event and reason",
		}, []string{"event", "reason"}),
	}
}

// RegisterViewerGauge exports the live viewer count as read from fn.
func (p *PrometheusCollector) RegisterViewerGauge(fn func() int) {
	promauto.With(p.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "viewers_connected",
		Help:      "Viewer connections currently registered",
	}, func() float64 { return float64(fn()) })
}

func (p *PrometheusCollector) SessionStarted(domain.StreamID) {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionStopped(_ domain.StreamID, duration time.Duration) {
	p.sessionsActive.Dec()
	p.sessionDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) ViewerJoined(domain.StreamID) {
	p.viewerJoins.Inc()
}

func (p *PrometheusCollector) ViewerLeft(_ domain.StreamID, reason string) {
	p.viewerLeaves.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) OfferSent() {
	p.offersSent.Inc()
}

func (p *PrometheusCollector) ICECandidateSent() {
	p.iceCandidatesSent.Inc()
}

func (p *PrometheusCollector) NegotiationCompleted(duration time.Duration) {
	p.negotiationDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) TrackSwitched(source domain.TrackSource, senders int) {
	p.trackSwitches.WithLabelValues(string(source)).Inc()
	p.trackSwitchSenders.Observe(float64(senders))
}

func (p *PrometheusCollector) SignalDropped(event, reason string) {
	p.signalsDropped.WithLabelValues(event, reason).Inc()
}

func (p *PrometheusCollector) RTCPFeedback(packetType string) {
	p.rtcpFeedback.WithLabelValues(packetType).Inc()
}

func (p *PrometheusCollector) ConnectionOpened(role string) {
	p.relayConnections.WithLabelValues(role).Inc()
	p.relayConnectionsTotal.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(role string) {
	p.relayConnections.WithLabelValues(role).Dec()
}

func (p *PrometheusCollector) MessageRouted(event string) {
	p.relayMessagesRouted.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) MessageDropped(event, reason string) {
	p.relayMessagesDropped.WithLabelValues(event, reason).Inc()
}
