// ABOUTME: Prometheus metrics for the coordination service.
// ABOUTME: Exposes connected-agent gauge and command/frame counters.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates every instrument the service records. Each process
// builds its own registry so tests can create metrics freely.
type Metrics struct {
	registry *prometheus.Registry

	AgentsConnected prometheus.GaugeFunc
	commands        *prometheus.CounterVec
	commandsDone    *prometheus.CounterVec
	frames          *prometheus.CounterVec
	cryptoFailures  prometheus.Counter
}

// New registers all instruments. agentCount supplies the live agent
// gauge on scrape.
func New(agentCount func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		AgentsConnected: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nodeward_agents_connected",
			Help: "Number of agents currently online.",
		}, func() float64 { return float64(agentCount()) }),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeward_commands_dispatched_total",
			Help: "Commands dispatched to agents, by type.",
		}, []string{"type"}),
		commandsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeward_commands_finished_total",
			Help: "Commands reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeward_frames_received_total",
			Help: "Wire frames received from agents, by event.",
		}, []string{"event"}),
		cryptoFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodeward_crypto_failures_total",
			Help: "Inbound frames dropped because decryption failed.",
		}),
	}

	reg.MustRegister(m.AgentsConnected, m.commands, m.commandsDone, m.frames, m.cryptoFailures)
	return m
}

// CommandDispatched counts a successfully transmitted command.
func (m *Metrics) CommandDispatched(cmdType string) {
	m.commands.WithLabelValues(cmdType).Inc()
}

// CommandFinished counts a terminal outcome.
func (m *Metrics) CommandFinished(ok bool) {
	outcome := "error"
	if ok {
		outcome = "completed"
	}
	m.commandsDone.WithLabelValues(outcome).Inc()
}

// FrameReceived counts one inbound frame.
func (m *Metrics) FrameReceived(event string) {
	m.frames.WithLabelValues(event).Inc()
}

// CryptoFailure counts a dropped undecryptable frame.
func (m *Metrics) CryptoFailure() {
	m.cryptoFailures.Inc()
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
