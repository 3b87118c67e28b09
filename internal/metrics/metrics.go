// Package metrics records payment lifecycle counters and gateway latency.
package metrics

import "time"

// Gateway call outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeGatewayError  = "gateway_error"
	OutcomeUnsupported   = "unsupported"
	OutcomeConfiguration = "configuration"
	OutcomeCircuitOpen   = "circuit_open"
	OutcomeRejected      = "rejected"
)

// Recorder receives lifecycle observations.
type Recorder interface {
	IncTransition(backend, from, to string)
	ObserveGatewayCall(backend, operation, outcome string, duration time.Duration)
}
