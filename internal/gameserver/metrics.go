package gameserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "explora"
	metricsSubsystem = "server"
)

// handshake results used as the "result" label
const (
	handshakeOK       = "ok"
	handshakeFailed   = "failed"
	handshakeTimeout  = "timeout"
	handshakeShutdown = "shutdown"
)

type metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	handshakes          *prometheus.CounterVec
	handshakeDuration   prometheus.Histogram
	activeSessions      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	events              *prometheus.CounterVec
	droppedPackets      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_accepted_total",
			Help:      "Connections handed to a handshake task.",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_rejected_total",
			Help:      "Connections closed by the admission limiter.",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handshakes_total",
			Help:      "Finished handshakes by result.",
		}, []string{"result"}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handshake_duration_seconds",
			Help:      "Time from accept to the server hello being sent.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_sessions",
			Help:      "Sessions currently in the client table.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Sessions ever registered.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_total",
			Help:      "Events processed by the actor by type.",
		}, []string{"type"}),
		droppedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_packets_total",
			Help:      "Outgoing packets dropped because a session outbox was full.",
		}),
	}
}
