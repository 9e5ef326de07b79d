package monitoring

import (
	"time"

	"zombiefile/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Relay
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	roomsActive       prometheus.Gauge
	roomsExpired      prometheus.Counter
	relayedMessages   *prometheus.CounterVec
	relayErrors       *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec

	// Peers
	transferBytes         *prometheus.CounterVec
	transferChunks        *prometheus.CounterVec
	filesTotal            *prometheus.CounterVec
	fileSize              *prometheus.HistogramVec
	sendDeferrals         prometheus.Counter
	webrtcConnectDuration prometheus.Histogram
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zombiefile_relay_connections_active",
			Help: "Number of open relay WebSocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "zombiefile_relay_connections_total",
			Help: "Total number of relay WebSocket connections accepted",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zombiefile_rooms_active",
			Help: "Number of rooms in the rendezvous directory",
		}),

		roomsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "zombiefile_rooms_expired_total",
			Help: "Total number of rooms removed for inactivity",
		}),

		relayedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zombiefile_relay_messages_total",
			Help: "Relay requests handled, by message type",
		}, []string{"type"}),

		relayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zombiefile_relay_errors_total",
			Help: "Relay requests that failed, by error code",
		}, []string{"code"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zombiefile_relay_message_duration_seconds",
			Help:    "Time spent handling one relay request",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"type"}),

		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zombiefile_transfer_bytes_total",
			Help: "File bytes moved over data channels",
		}, []string{"direction", "layer"}),

		transferChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zombiefile_transfer_chunks_total",
			Help: "Encrypted chunks moved over data channels",
		}, []string{"direction"}),

		filesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zombiefile_transfer_files_total",
			Help: "Files finished, by direction and outcome",
		}, []string{"direction", "status"}),

		fileSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zombiefile_transfer_file_size_bytes",
			Help:    "Bytes carried by each finished file",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"direction"}),

		sendDeferrals: factory.NewCounter(prometheus.CounterOpts{
			Name: "zombiefile_transfer_send_deferrals_total",
			Help: "Times the sender waited for the outbound buffer to drain",
		}),

		webrtcConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "zombiefile_webrtc_connect_duration_seconds",
			Help:    "Time from negotiation start until the data channel opened",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordMessage(msgType string, duration time.Duration) {
	p.relayedMessages.WithLabelValues(msgType).Inc()
	p.messageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordError(code string) {
	p.relayErrors.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordRoomsExpired(n int) {
	p.roomsExpired.Add(float64(n))
}

func (p *PrometheusCollector) UpdateRelayStats(stats domain.RelayStats) {
	p.roomsActive.Set(float64(stats.ActiveRooms))
}

func (p *PrometheusCollector) RecordWebRTCConnection(duration time.Duration) {
	p.webrtcConnectDuration.Observe(duration.Seconds())
}

// ChunkTransferred, FileFinished and SendDeferred make the collector a
// ports.TransferObserver.

func (p *PrometheusCollector) ChunkTransferred(direction domain.Direction, plainBytes, wireBytes int) {
	p.transferBytes.WithLabelValues(string(direction), "plain").Add(float64(plainBytes))
	p.transferBytes.WithLabelValues(string(direction), "wire").Add(float64(wireBytes))
	p.transferChunks.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) FileFinished(direction domain.Direction, status domain.TransferStatus, bytes int64) {
	p.filesTotal.WithLabelValues(string(direction), string(status)).Inc()
	p.fileSize.WithLabelValues(string(direction)).Observe(float64(bytes))
}

func (p *PrometheusCollector) SendDeferred() {
	p.sendDeferrals.Inc()
}
