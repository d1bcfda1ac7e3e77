package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "apmctl"

// APMMetrics implements apm.Metrics with Prometheus vectors.
type APMMetrics struct {
	node string

	commandsStarted  *prometheus.CounterVec
	commandsDeferred *prometheus.CounterVec
	commandsFinished *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	messagesSent     *prometheus.CounterVec
	responses        *prometheus.CounterVec
}

// NewAPMMetrics registers the sequencer vectors on reg.
func NewAPMMetrics(reg prometheus.Registerer, node string) *APMMetrics {
	f := promauto.With(reg)
	return &APMMetrics{
		node: node,
		commandsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "started_total",
				Help:      "Commands admitted to a command slot.",
			},
			[]string{"node", "opcode"},
		),
		commandsDeferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "deferred_total",
				Help:      "Commands parked behind a conflicting command.",
			},
			[]string{"node", "opcode"},
		),
		commandsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "finished_total",
				Help:      "Commands that reported a terminal status.",
			},
			[]string{"node", "opcode", "status"},
		),
		commandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Command duration from admission to terminal status.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"node", "opcode"},
		),
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Messages sent to containers and proxy managers.",
			},
			[]string{"node", "kind", "opcode"},
		),
		responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "responses_total",
				Help:      "Responses accepted from containers and proxy managers.",
			},
			[]string{"node", "kind", "opcode", "status"},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *APMMetrics
)

// Default returns metrics registered once on the default registerer.
func Default(node string) *APMMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewAPMMetrics(prometheus.DefaultRegisterer, node)
	})
	return defaultMetrics
}

func (m *APMMetrics) CommandStarted(opcode string) {
	m.commandsStarted.WithLabelValues(m.node, opcode).Inc()
}

func (m *APMMetrics) CommandDeferred(opcode string) {
	m.commandsDeferred.WithLabelValues(m.node, opcode).Inc()
}

func (m *APMMetrics) CommandFinished(opcode, status string, seconds float64) {
	m.commandsFinished.WithLabelValues(m.node, opcode, status).Inc()
	m.commandDuration.WithLabelValues(m.node, opcode).Observe(seconds)
}

func (m *APMMetrics) MessageSent(kind, opcode string) {
	m.messagesSent.WithLabelValues(m.node, kind, opcode).Inc()
}

func (m *APMMetrics) ResponseReceived(kind, opcode, status string) {
	m.responses.WithLabelValues(m.node, kind, opcode, status).Inc()
}
