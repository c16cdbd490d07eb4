package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors on an isolated registry so
// they never collide with the global default registry. Each test gets its
// own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedPeers    prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	MatchTotal        *prometheus.CounterVec
	RelayedBytesTotal prometheus.Counter
	HealthChecksTotal *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
	BuildInfo         *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "symmetry_connected_peers",
			Help: "Number of peers currently attached to the dispatcher.",
		}),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symmetry_frames_total",
				Help: "Total protocol frames processed, by frame key.",
			},
			[]string{"key"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symmetry_frames_dropped_total",
				Help: "Frames dropped before processing, by reason.",
			},
			[]string{"reason"},
		),
		MatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symmetry_matchmaking_total",
				Help: "Matchmaking attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		RelayedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symmetry_relayed_bytes_total",
			Help: "Provider response bytes relayed to HTTP clients.",
		}),
		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symmetry_health_checks_total",
				Help: "Health-check round trips, by result.",
			},
			[]string{"result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symmetry_http_requests_total",
				Help: "HTTP API requests, by path and status.",
			},
			[]string{"path", "status"},
		),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "symmetry_info",
				Help: "Build information for the running hub.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.ConnectedPeers,
		m.FramesTotal,
		m.FramesDropped,
		m.MatchTotal,
		m.RelayedBytesTotal,
		m.HealthChecksTotal,
		m.HTTPRequestsTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
