package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	TurnsTotal    *prometheus.CounterVec // outcome: responded, declined, suppressed, error
	TurnLatency   prometheus.Histogram
	Refusals      prometheus.Counter
	SleepEvents   *prometheus.CounterVec // event: asleep, wake
	ToolCalls     *prometheus.CounterVec // tool name
	ProviderError *prometheus.CounterVec // error kind
}

var globalMetrics *Metrics

// InitMetrics registers the pipeline metrics. Call once at startup.
func InitMetrics() *Metrics {
	metrics := &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_turns_total",
			Help: "Persona turns by outcome",
		}, []string{"outcome"}),

		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "personad_turn_duration_seconds",
			Help:    "End-to-end turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		Refusals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "personad_refusals_total",
			Help: "Refusals counted toward the sleep threshold",
		}),

		SleepEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_sleep_events_total",
			Help: "Sleep state transitions",
		}, []string{"event"}),

		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_tool_calls_total",
			Help: "Tool invocations by tool name",
		}, []string{"tool"}),

		ProviderError: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "personad_provider_errors_total",
			Help: "Provider failures by classified kind",
		}, []string{"kind"}),
	}
	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance, nil before InitMetrics.
func GetMetrics() *Metrics {
	return globalMetrics
}

func recordTurnOutcome(outcome string, seconds float64) {
	m := globalMetrics
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnLatency.Observe(seconds)
}

func recordRefusal() {
	if m := globalMetrics; m != nil {
		m.Refusals.Inc()
	}
}

func recordSleepEvent(event string) {
	if m := globalMetrics; m != nil {
		m.SleepEvents.WithLabelValues(event).Inc()
	}
}

func recordToolCall(name string) {
	if m := globalMetrics; m != nil {
		m.ToolCalls.WithLabelValues(name).Inc()
	}
}

func recordProviderError(kind string) {
	if m := globalMetrics; m != nil {
		m.ProviderError.WithLabelValues(kind).Inc()
	}
}
