package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestream",
		Name:      "http_requests_total",
		Help:      "Total admin API requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "piecestream",
		Name:      "http_request_duration_seconds",
		Help:      "Admin API request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Name:      "active_sessions",
		Help:      "Number of torrent sessions held by the engine.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	StreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "connections",
		Help:      "Open connections on the streaming listener.",
	})

	StreamConnectionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "connections_swept_total",
		Help:      "Connections closed by the idle sweep.",
	})

	StreamProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "protocol_errors_total",
		Help:      "Connections closed for a malformed or oversized request.",
	}, []string{"reason"})

	StreamResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "responses_total",
		Help:      "Stream responses by method and status code.",
	}, []string{"method", "status"})

	StreamBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "bytes_sent_total",
		Help:      "Bytes written to streaming sockets.",
	})

	StreamResources = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "resources",
		Help:      "Torrent files currently registered for streaming.",
	})

	StreamReadRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "read_requests",
		Help:      "Sequential read requests in progress.",
	})

	PieceDeadlinesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "piece_deadlines_total",
		Help:      "Piece deadlines set by readers, by kind (urgent, advance, tail).",
	}, []string{"kind"})

	PieceDeadlineResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "piece_deadline_resets_total",
		Help:      "Piece deadlines released by readers.",
	})

	PieceWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "piecestream",
		Subsystem: "stream",
		Name:      "piece_wait_seconds",
		Help:      "Time a reader waited for a piece to be delivered.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.3, 1, 3, 10, 30},
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		StreamConnections,
		StreamConnectionsSwept,
		StreamProtocolErrors,
		StreamResponsesTotal,
		StreamBytesSent,
		StreamResources,
		StreamReadRequests,
		PieceDeadlinesTotal,
		PieceDeadlineResetsTotal,
		PieceWaitDuration,
	)
}
