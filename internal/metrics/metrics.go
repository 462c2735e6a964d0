// Package metrics exposes Prometheus collectors for the confirmation gate,
// the security policy and tool execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawinfra/hostgate/internal/confirm"
)

// Metrics holds every hostgate collector.
type Metrics struct {
	// ConfirmationEvents counts gate transitions.
	// Labels: event (confirmation_issued|confirmation_redeemed|...), action
	ConfirmationEvents *prometheus.CounterVec

	// PolicyRejections counts refused requests.
	// Labels: kind (path|url|execution), tool
	PolicyRejections *prometheus.CounterVec

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|error|confirmation_required|rejected)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PendingConfirmations is sampled from the gate on every scrape.
	PendingConfirmations prometheus.GaugeFunc

	registry *prometheus.Registry
}

// New creates the collectors on a private registry. pending reports the
// current number of outstanding confirmation tokens.
func New(pending func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ConfirmationEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostgate_confirmation_events_total",
				Help: "Confirmation gate transitions by event and action",
			},
			[]string{"event", "action"},
		),
		PolicyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostgate_policy_rejections_total",
				Help: "Requests refused by the security policy",
			},
			[]string{"kind", "tool"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostgate_tool_calls_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostgate_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		registry: reg,
	}

	if pending == nil {
		pending = func() int { return 0 }
	}
	m.PendingConfirmations = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hostgate_pending_confirmations",
			Help: "Confirmation tokens currently outstanding",
		},
		func() float64 { return float64(pending()) },
	)

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// ObserveConfirmation implements confirm.Observer.
func (m *Metrics) ObserveConfirmation(e confirm.Event) {
	m.ConfirmationEvents.WithLabelValues(string(e.Kind), e.Action).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// PolicyRejected records a refused request.
func (m *Metrics) PolicyRejected(kind, tool string) {
	m.PolicyRejections.WithLabelValues(kind, tool).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
