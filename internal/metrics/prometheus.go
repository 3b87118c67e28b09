package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	transitions  *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the paywall collectors on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "transitions_total",
			Help:      "Applied payment status transitions",
		},
		[]string{"backend", "from", "to"},
	)

	gatewayCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paywall",
			Name:      "gateway_calls_total",
			Help:      "Calls made to paywall plugins by outcome",
		},
		[]string{"backend", "operation", "outcome"},
	)

	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paywall",
			Name:      "gateway_call_duration_seconds",
			Help:      "Paywall plugin call latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	reg.MustRegister(transitions, gatewayCalls, latency)

	return &PrometheusRecorder{
		transitions:  transitions,
		gatewayCalls: gatewayCalls,
		latency:      latency,
	}
}

func (p *PrometheusRecorder) IncTransition(backend, from, to string) {
	p.transitions.With(prometheus.Labels{
		"backend": backend,
		"from":    from,
		"to":      to,
	}).Inc()
}

func (p *PrometheusRecorder) ObserveGatewayCall(backend, operation, outcome string, d time.Duration) {
	p.gatewayCalls.With(prometheus.Labels{
		"backend":   backend,
		"operation": operation,
		"outcome":   outcome,
	}).Inc()
	// Calls the circuit breaker refused never reached the gateway.
	if outcome == OutcomeCircuitOpen {
		return
	}
	p.latency.With(prometheus.Labels{
		"backend":   backend,
		"operation": operation,
	}).Observe(d.Seconds())
}
