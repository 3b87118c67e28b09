// Package adapter defines the contract every paywall plugin implements and
// the types exchanged across it.
// Plugins handle all gateway-specific work: wire encoding, retries within
// their own timeout budget, idempotency keys and signature checks. They
// report outcomes; the lifecycle coordinator decides what those outcomes do
// to the payment.
package adapter

import (
	stdcontext "context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

var (
	// ErrUnsupported is returned by plugins for operations they do not implement.
	ErrUnsupported = errors.New("operation not supported by processor")
	// ErrConfiguration marks a missing or unresolvable plugin setting.
	ErrConfiguration = errors.New("processor misconfigured")
	// ErrGateway marks a network or remote failure talking to the paywall.
	ErrGateway = errors.New("paywall gateway failure")
	// ErrInvalidCallback marks a gateway notification the plugin refused to
	// parse: bad signature, malformed body, or one naming another payment.
	ErrInvalidCallback = errors.New("callback rejected")
)

// Initiation is what ProcessPayment returns: where to send the customer.
type Initiation struct {
	RedirectURL string
	ExternalID  string // Gateway transaction id, if the gateway issued one
	Raw         []byte
}

// LockResult is the outcome of a pre-authorization.
type LockResult struct {
	RedirectURL  string
	RawResponse  []byte
	ExternalID   string
	LockedAmount decimal.NullDecimal // Unset means the full payment amount
}

// StatusReport is a gateway's view of a payment. Either field may be absent;
// when both are set Status takes precedence. Amount is the cumulative amount
// the gateway reports as captured, or refunded for refund statuses.
type StatusReport struct {
	Status payment.Status
	Amount decimal.NullDecimal
}

// HasStatus reports whether the report carries an explicit status.
func (r StatusReport) HasStatus() bool { return r.Status != "" }

// Empty reports whether the report carries nothing to resolve.
func (r StatusReport) Empty() bool { return r.Status == "" && !r.Amount.Valid }

// Acknowledgement is the protocol-specific answer the caller sends back to
// the gateway after a callback.
type Acknowledgement struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// CallbackOutcome is what a plugin extracts from a gateway notification.
type CallbackOutcome struct {
	Report StatusReport
	Ack    Acknowledgement
}

// Processor is the interface implemented by each paywall plugin.
//
// ProcessPayment and FetchPaymentStatus are mandatory. The remaining
// operations are optional: a plugin that does not implement one returns
// ErrUnsupported (embed Unsupported to get that for free) and leaves the
// matching capability flag unset in its Descriptor.
//
// Plugins receive the payment by value and never change it. Every method may
// block on the network; timeouts are plugin specific.
type Processor interface {
	Descriptor() Descriptor

	// ProcessPayment initiates the payment and returns the paywall URL.
	ProcessPayment(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (Initiation, error)
	// HandleCallback parses an asynchronous gateway notification. It must be
	// safe to call with the same notification more than once.
	HandleCallback(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (CallbackOutcome, error)
	// FetchPaymentStatus polls the gateway.
	FetchPaymentStatus(ctx stdcontext.Context, p payment.Payment) (StatusReport, error)
	// Lock pre-authorizes the payment amount.
	Lock(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (LockResult, error)
	// ChargeLocked captures amount (all of the lock when unset) and returns
	// what was charged.
	ChargeLocked(ctx stdcontext.Context, p payment.Payment, amount decimal.NullDecimal) (decimal.Decimal, error)
	// Release drops a lock that will not be captured and returns the released amount.
	Release(ctx stdcontext.Context, p payment.Payment) (decimal.Decimal, error)
	// Refund returns up to amount of captured funds and reports what was refunded.
	Refund(ctx stdcontext.Context, p payment.Payment, amount decimal.Decimal) (decimal.Decimal, error)
}

// Unsupported provides ErrUnsupported implementations of every optional
// operation. Plugins embed it and override what they support.
type Unsupported struct{}

func (Unsupported) HandleCallback(stdcontext.Context, payment.Payment, *context.RequestContext) (CallbackOutcome, error) {
	return CallbackOutcome{}, ErrUnsupported
}

func (Unsupported) Lock(stdcontext.Context, payment.Payment, *context.RequestContext) (LockResult, error) {
	return LockResult{}, ErrUnsupported
}

func (Unsupported) ChargeLocked(stdcontext.Context, payment.Payment, decimal.NullDecimal) (decimal.Decimal, error) {
	return decimal.Zero, ErrUnsupported
}

func (Unsupported) Release(stdcontext.Context, payment.Payment) (decimal.Decimal, error) {
	return decimal.Zero, ErrUnsupported
}

func (Unsupported) Refund(stdcontext.Context, payment.Payment, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, ErrUnsupported
}
