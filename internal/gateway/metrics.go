package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of counters/gauges exposed on /metrics, covering the
// components spec.md's own table left without an explicit metrics home:
// queue depth, orchestrator rounds, guard rejections, proactive sends.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth         *prometheus.GaugeVec
	OrchestratorRounds prometheus.Counter
	GuardRejections    *prometheus.CounterVec
	ProactiveSends     prometheus.Counter
	ChatRequests       *prometheus.CounterVec
}

// NewMetrics registers a fresh collector set on its own registry rather
// than the default global registry. Only the node serves it; the worker
// has no /metrics route.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalyclaw_queue_depth",
			Help: "Current number of waiting jobs per queue.",
		}, []string{"queue"}),
		OrchestratorRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalyclaw_orchestrator_rounds_total",
			Help: "Total tool-calling loop iterations run across all channels.",
		}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_guard_rejections_total",
			Help: "Total guard-pipeline rejections by guard kind.",
		}, []string{"guard"}),
		ProactiveSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scalyclaw_proactive_sends_total",
			Help: "Total unprompted follow-up messages delivered by the idle-channel sweep.",
		}),
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scalyclaw_chat_requests_total",
			Help: "Total POST /api/chat requests by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.QueueDepth, m.OrchestratorRounds, m.GuardRejections, m.ProactiveSends, m.ChatRequests)
	return m
}

// Handler returns the promhttp handler bound to this Metrics' own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
