// Package router sends gateway calls to the plugin registered for a
// backend, behind that backend's circuit breaker, and times every call.
package router

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/metrics"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
	"github.com/yourorg/paywall-orchestrator/internal/router/circuitbreaker"
)

// Router resolves plugins and guards calls to them.
type Router struct {
	registry       *processor.Registry
	circuitBreaker *circuitbreaker.CircuitBreaker
	recorder       metrics.Recorder
	logger         *zap.Logger
}

func NewRouter(reg *processor.Registry, cb *circuitbreaker.CircuitBreaker, recorder metrics.Recorder, logger *zap.Logger) *Router {
	if reg == nil {
		panic("registry cannot be nil")
	}
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Router{
		registry:       reg,
		circuitBreaker: cb,
		recorder:       recorder,
		logger:         logging.OrNop(logger),
	}
}

// Registry returns the registry the router resolves against.
func (r *Router) Registry() *processor.Registry {
	return r.registry
}

// CircuitBreaker returns the breaker guarding gateway calls.
func (r *Router) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return r.circuitBreaker
}

// Route returns a plugin instance for backend.
func (r *Router) Route(backend string) (adapter.Processor, adapter.Descriptor, error) {
	return r.registry.Resolve(backend)
}

// Execute runs call against backend. When the backend's circuit is open the
// call is skipped and an error wrapping circuitbreaker.ErrCircuitOpen is
// returned. Only gateway failures count against the breaker: unsupported
// and configuration errors say nothing about the gateway's health.
func (r *Router) Execute(ctx stdcontext.Context, backend, operation string, call func(stdcontext.Context) error) error {
	if !r.circuitBreaker.AllowRequest(backend) {
		r.recorder.ObserveGatewayCall(backend, operation, metrics.OutcomeCircuitOpen, 0)
		r.logger.Warn("gateway call skipped, circuit open",
			zap.String("backend", backend),
			zap.String("operation", operation),
		)
		return fmt.Errorf("%w: %s", circuitbreaker.ErrCircuitOpen, backend)
	}

	start := time.Now()
	err := call(ctx)
	elapsed := time.Since(start)

	outcome := Outcome(err)
	switch outcome {
	case metrics.OutcomeSuccess:
		r.circuitBreaker.RecordSuccess(backend)
	case metrics.OutcomeGatewayError:
		r.circuitBreaker.RecordFailure(backend)
	}
	r.recorder.ObserveGatewayCall(backend, operation, outcome, elapsed)

	if err != nil {
		r.logger.Debug("gateway call failed",
			zap.String("backend", backend),
			zap.String("operation", operation),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
	return err
}

// Outcome classifies a plugin error for metrics and the breaker.
// Anything not recognised as unsupported, configuration or a rejected
// callback is a gateway failure.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return metrics.OutcomeCircuitOpen
	case errors.Is(err, adapter.ErrUnsupported):
		return metrics.OutcomeUnsupported
	case errors.Is(err, adapter.ErrConfiguration):
		return metrics.OutcomeConfiguration
	case errors.Is(err, adapter.ErrInvalidCallback):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeGatewayError
	}
}
