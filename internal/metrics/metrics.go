// Package metrics exposes Prometheus instrumentation for the broker, the
// supervisor, and the traffic observers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codex-hub/codex-hub/internal/observers"
)

// Metrics holds every collector on its own registry so tests never collide
// with the default one.
type Metrics struct {
	registry *prometheus.Registry

	wsClients     prometheus.Gauge
	rpcRequests   *prometheus.CounterVec
	trafficTotal  *prometheus.CounterVec
	profileStarts *prometheus.CounterVec
	profileExits  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codexhub",
				Subsystem: "broker",
				Name:      "ws_clients",
				Help:      "Currently connected WebSocket clients.",
			},
		),
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codexhub",
				Subsystem: "broker",
				Name:      "rpc_requests_total",
				Help:      "Client RPC requests relayed to app-servers, partitioned by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		trafficTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codexhub",
				Subsystem: "observer",
				Name:      "traffic_total",
				Help:      "Observed traffic items partitioned by kind.",
			},
			[]string{"kind"},
		),
		profileStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codexhub",
				Subsystem: "supervisor",
				Name:      "profile_starts_total",
				Help:      "App-server starts per profile.",
			},
			[]string{"profile"},
		),
		profileExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codexhub",
				Subsystem: "supervisor",
				Name:      "profile_exits_total",
				Help:      "App-server exits per profile.",
			},
			[]string{"profile"},
		),
	}

	m.registry.MustRegister(
		m.wsClients,
		m.rpcRequests,
		m.trafficTotal,
		m.profileStarts,
		m.profileExits,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetWSClients updates the connected-client gauge.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// RecordRPCRequest counts one relayed request.
func (m *Metrics) RecordRPCRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// RecordProfileStart counts one app-server start.
func (m *Metrics) RecordProfileStart(profileID string) {
	if m == nil {
		return
	}
	m.profileStarts.WithLabelValues(profileID).Inc()
}

// RecordProfileExit counts one app-server exit.
func (m *Metrics) RecordProfileExit(profileID string) {
	if m == nil {
		return
	}
	m.profileExits.WithLabelValues(profileID).Inc()
}

// Observer adapts the metrics into a traffic observer so every dispatched
// item is counted by kind.
type Observer struct {
	metrics *Metrics
}

// NewObserver wraps m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m}
}

// Name implements observers.Observer.
func (o *Observer) Name() string { return "metrics" }

// Handle implements observers.Observer.
func (o *Observer) Handle(tr observers.Traffic) error {
	if o.metrics == nil {
		return nil
	}
	o.metrics.trafficTotal.WithLabelValues(string(tr.Kind)).Inc()
	switch tr.Kind {
	case observers.KindStart:
		o.metrics.RecordProfileStart(tr.ProfileID)
	case observers.KindExit:
		o.metrics.RecordProfileExit(tr.ProfileID)
	case observers.KindRequest:
		o.metrics.RecordRPCRequest(tr.Method, "sent")
	}
	return nil
}
