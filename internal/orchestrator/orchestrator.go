// Package orchestrator drives payments through their lifecycle. It picks
// the plugin for a payment's backend, checks capabilities and
// preconditions, calls the plugin, and maps what the plugin reports onto
// status transitions. Every operation runs under a per-payment lock and
// either applies a complete, validated change or leaves the payment as it
// was.
package orchestrator

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/events"
	"github.com/yourorg/paywall-orchestrator/internal/lock"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/metrics"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/policy"
	"github.com/yourorg/paywall-orchestrator/internal/reporting"
	"github.com/yourorg/paywall-orchestrator/internal/router"
	"github.com/yourorg/paywall-orchestrator/internal/router/circuitbreaker"
)

// Operation names, used in errors, metrics, events and the journal.
const (
	OpProcess  = "process"
	OpLock     = "lock"
	OpCharge   = "charge"
	OpRelease  = "release"
	OpRefund   = "refund"
	OpCallback = "callback"
	OpPoll     = "poll"
)

// PolicyEnforcer decides whether a failed operation may be retried.
type PolicyEnforcer interface {
	Evaluate(f policy.FailureContext) (policy.PolicyDecision, error)
}

// Journal receives one entry per operation.
type Journal interface {
	Record(e reporting.Entry)
}

// Result describes what an operation did.
type Result struct {
	Payment   *payment.Payment
	Backend   string
	Operation string
	From      payment.Status
	To        payment.Status
	// Changed is false for successful no-ops such as duplicate callbacks.
	Changed     bool
	RedirectURL string
	// Amount is what the gateway locked, charged, released or refunded.
	Amount decimal.NullDecimal
	// Ack is the plugin's answer to a callback, set even when the callback
	// failed if the plugin produced one.
	Ack *adapter.Acknowledgement
	Raw []byte
}

// Options holds the optional collaborators of a Coordinator.
type Options struct {
	Locker    lock.Locker
	Policy    PolicyEnforcer
	Publisher events.Publisher
	Recorder  metrics.Recorder
	Journal   Journal
	Logger    *zap.Logger
}

// Coordinator is the transaction lifecycle coordinator.
//
// Operations change the *payment.Payment they are given in place and, on
// failure, restore it wholesale. The per-payment lock orders operations on
// one payment id; it does not make a single *payment.Payment safe to share
// between goroutines. Callers give every call its own copy, loaded from the
// store, and persist it with the store's version check.
type Coordinator struct {
	router    *router.Router
	locker    lock.Locker
	policy    PolicyEnforcer
	publisher events.Publisher
	recorder  metrics.Recorder
	journal   Journal
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewCoordinator creates a Coordinator. Unset options get in-process or
// no-op defaults and the default retry rules.
func NewCoordinator(r *router.Router, opts Options) *Coordinator {
	if r == nil {
		panic("Router cannot be nil")
	}
	c := &Coordinator{
		router:    r,
		locker:    opts.Locker,
		policy:    opts.Policy,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		journal:   opts.Journal,
		logger:    logging.OrNop(opts.Logger),
		tracer:    otel.Tracer("orchestrator"),
	}
	if c.locker == nil {
		c.locker = lock.NewKeyedMutex()
	}
	if c.policy == nil {
		enforcer, err := policy.NewPaymentPolicyEnforcer(policy.DefaultRules())
		if err != nil {
			panic(fmt.Sprintf("default policy rules do not compile: %v", err))
		}
		c.policy = enforcer
	}
	if c.publisher == nil {
		c.publisher = events.NoopPublisher{}
	}
	if c.recorder == nil {
		c.recorder = metrics.NoopRecorder{}
	}
	if c.journal == nil {
		c.journal = reporting.NewJournal(0)
	}
	return c
}

type attemptKey struct{}

// WithAttempt records the caller's attempt number for operations that take
// no request context. It feeds the retry policy.
func WithAttempt(ctx stdcontext.Context, attempt int) stdcontext.Context {
	return stdcontext.WithValue(ctx, attemptKey{}, attempt)
}

func attemptFrom(ctx stdcontext.Context, rc *context.RequestContext) int {
	if rc != nil {
		return rc.AttemptNumber()
	}
	if n, ok := ctx.Value(attemptKey{}).(int); ok && n > 0 {
		return n
	}
	return 1
}

// opState is the working set of one operation.
type opState struct {
	op     string
	p      *payment.Payment
	plugin adapter.Processor
	desc   adapter.Descriptor
	rc     *context.RequestContext
	result Result
	// keepOnError keeps changes made before a failure, used when a failed
	// initiation marks the payment FAILED.
	keepOnError bool
}

// Process initiates the payment and moves it from NEW to PENDING. A gateway
// failure marks the payment FAILED, except when the circuit was open and
// the gateway was never asked.
func (c *Coordinator) Process(ctx stdcontext.Context, p *payment.Payment, rc *context.RequestContext) (Result, error) {
	return c.execute(ctx, OpProcess, p, rc, func(ctx stdcontext.Context, st *opState) error {
		if st.p.Status != payment.StatusNew {
			return c.fail(st, KindInvalidTransition, fmt.Errorf("cannot process a %s payment", st.p.Status))
		}
		if !st.desc.AcceptsCurrency(st.p.Currency) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("currency %s not accepted by %s", st.p.Currency, st.desc.Slug))
		}
		if !st.p.Amount.IsPositive() {
			return c.fail(st, KindInputConstraint, fmt.Errorf("amount must be positive, got %s", st.p.Amount))
		}
		if !payment.FitsScale(st.p.Amount) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("amount %s has more than %d decimal places", st.p.Amount, payment.MaxScale))
		}

		var initiation adapter.Initiation
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			initiation, err = st.plugin.ProcessPayment(ctx, *st.p, st.rc)
			return err
		})
		if err != nil {
			if IsKind(err, KindGateway) && !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				st.p.Status = payment.StatusFailed
				st.keepOnError = true
			}
			return err
		}

		st.p.Status = payment.StatusPending
		if initiation.ExternalID != "" {
			st.p.ExternalID = initiation.ExternalID
		}
		st.result.RedirectURL = initiation.RedirectURL
		st.result.Raw = initiation.Raw
		return nil
	})
}

// Lock pre-authorizes the payment amount: PENDING to LOCKED.
func (c *Coordinator) Lock(ctx stdcontext.Context, p *payment.Payment, rc *context.RequestContext) (Result, error) {
	return c.execute(ctx, OpLock, p, rc, func(ctx stdcontext.Context, st *opState) error {
		if !st.desc.SupportsLock {
			return c.fail(st, KindUnsupported, fmt.Errorf("%w: backend %s cannot lock funds", adapter.ErrUnsupported, st.desc.Slug))
		}
		if st.p.Status != payment.StatusPending {
			return c.fail(st, KindInvalidTransition, fmt.Errorf("cannot lock a %s payment", st.p.Status))
		}

		var res adapter.LockResult
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			res, err = st.plugin.Lock(ctx, *st.p, st.rc)
			return err
		})
		if err != nil {
			return err
		}

		locked := st.p.Amount
		if res.LockedAmount.Valid {
			locked = res.LockedAmount.Decimal
		}
		if !locked.IsPositive() || locked.GreaterThan(st.p.Amount) {
			return c.fail(st, KindIntegrity, fmt.Errorf("gateway locked %s of a %s payment", locked, st.p.Amount))
		}
		st.p.Status = payment.StatusLocked
		st.p.LockedAmount = locked
		st.p.LockUsed = true
		if res.ExternalID != "" {
			st.p.ExternalID = res.ExternalID
		}
		st.result.RedirectURL = res.RedirectURL
		st.result.Raw = res.RawResponse
		st.result.Amount = decimal.NewNullDecimal(locked)
		return nil
	})
}

// ChargeLocked captures amount of the lock, all of it when amount is unset:
// LOCKED to CHARGED.
func (c *Coordinator) ChargeLocked(ctx stdcontext.Context, p *payment.Payment, amount decimal.NullDecimal) (Result, error) {
	return c.execute(ctx, OpCharge, p, nil, func(ctx stdcontext.Context, st *opState) error {
		if err := c.requireLock(st, "charge"); err != nil {
			return err
		}
		if amount.Valid && (!amount.Decimal.IsPositive() || amount.Decimal.GreaterThan(st.p.LockedAmount)) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("charge amount %s outside (0, %s]", amount.Decimal, st.p.LockedAmount))
		}
		if amount.Valid && !payment.FitsScale(amount.Decimal) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("charge amount %s has more than %d decimal places", amount.Decimal, payment.MaxScale))
		}

		var charged decimal.Decimal
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			charged, err = st.plugin.ChargeLocked(ctx, *st.p, amount)
			return err
		})
		if err != nil {
			return err
		}

		if !charged.IsPositive() || charged.GreaterThan(st.p.LockedAmount) {
			return c.fail(st, KindIntegrity, fmt.Errorf("gateway charged %s against a lock of %s", charged, st.p.LockedAmount))
		}
		st.p.Status = payment.StatusCharged
		st.p.ChargedAmount = charged
		st.result.Amount = decimal.NewNullDecimal(charged)
		return nil
	})
}

// Release drops the lock without charging: LOCKED to RELEASED.
func (c *Coordinator) Release(ctx stdcontext.Context, p *payment.Payment) (Result, error) {
	return c.execute(ctx, OpRelease, p, nil, func(ctx stdcontext.Context, st *opState) error {
		if err := c.requireLock(st, "release"); err != nil {
			return err
		}

		var released decimal.Decimal
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			released, err = st.plugin.Release(ctx, *st.p)
			return err
		})
		if err != nil {
			return err
		}

		st.p.Status = payment.StatusReleased
		st.p.LockedAmount = decimal.Zero
		st.result.Amount = decimal.NewNullDecimal(released)
		return nil
	})
}

// requireLock checks the shared preconditions of ChargeLocked and Release.
func (c *Coordinator) requireLock(st *opState, verb string) error {
	if !st.desc.SupportsLock {
		return c.fail(st, KindUnsupported, fmt.Errorf("%w: backend %s cannot %s locked funds", adapter.ErrUnsupported, st.desc.Slug, verb))
	}
	if !st.p.LockUsed {
		return c.fail(st, KindUnsupported, fmt.Errorf("%w: cannot %s a payment that was never locked", adapter.ErrUnsupported, verb))
	}
	if st.p.Status != payment.StatusLocked {
		return c.fail(st, KindInvalidTransition, fmt.Errorf("cannot %s a %s payment", verb, st.p.Status))
	}
	return nil
}

// Refund returns amount of the captured funds. The payment becomes REFUNDED
// once everything charged has been refunded, PARTIALLY_REFUNDED otherwise.
func (c *Coordinator) Refund(ctx stdcontext.Context, p *payment.Payment, amount decimal.Decimal) (Result, error) {
	return c.execute(ctx, OpRefund, p, nil, func(ctx stdcontext.Context, st *opState) error {
		if !st.desc.SupportsRefund {
			return c.fail(st, KindUnsupported, fmt.Errorf("%w: backend %s cannot refund", adapter.ErrUnsupported, st.desc.Slug))
		}
		if st.p.Status != payment.StatusCharged && st.p.Status != payment.StatusPartiallyRefunded {
			return c.fail(st, KindInvalidTransition, fmt.Errorf("cannot refund a %s payment", st.p.Status))
		}
		outstanding := st.p.Outstanding()
		if !amount.IsPositive() || amount.GreaterThan(outstanding) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("refund amount %s outside (0, %s]", amount, outstanding))
		}
		if !payment.FitsScale(amount) {
			return c.fail(st, KindInputConstraint, fmt.Errorf("refund amount %s has more than %d decimal places", amount, payment.MaxScale))
		}
		if amount.LessThan(outstanding) && !st.desc.SupportsPartialRefund {
			return c.fail(st, KindUnsupported, fmt.Errorf("%w: backend %s cannot refund partially", adapter.ErrUnsupported, st.desc.Slug))
		}

		var refunded decimal.Decimal
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			refunded, err = st.plugin.Refund(ctx, *st.p, amount)
			return err
		})
		if err != nil {
			return err
		}

		if !refunded.IsPositive() || refunded.GreaterThan(amount) {
			return c.fail(st, KindIntegrity, fmt.Errorf("gateway refunded %s of a requested %s", refunded, amount))
		}
		st.p.RefundedAmount = st.p.RefundedAmount.Add(refunded)
		if st.p.RefundedAmount.Equal(st.p.ChargedAmount) {
			st.p.Status = payment.StatusRefunded
		} else {
			st.p.Status = payment.StatusPartiallyRefunded
		}
		st.result.Amount = decimal.NewNullDecimal(refunded)
		return nil
	})
}

// HandleCallback lets the plugin parse a gateway notification and applies
// the reported status. Delivering the same notification again is a no-op.
func (c *Coordinator) HandleCallback(ctx stdcontext.Context, p *payment.Payment, rc *context.RequestContext) (Result, error) {
	return c.execute(ctx, OpCallback, p, rc, func(ctx stdcontext.Context, st *opState) error {
		if !st.desc.SupportsCallback {
			return c.fail(st, KindUnsupported, fmt.Errorf("%w: backend %s does not accept callbacks", adapter.ErrUnsupported, st.desc.Slug))
		}

		var outcome adapter.CallbackOutcome
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			outcome, err = st.plugin.HandleCallback(ctx, *st.p, st.rc)
			return err
		})
		if outcome.Ack.StatusCode != 0 {
			ack := outcome.Ack
			st.result.Ack = &ack
		}
		if err != nil {
			return err
		}
		return c.resolve(st, outcome.Report)
	})
}

// FetchStatus polls the gateway and applies the reported status.
func (c *Coordinator) FetchStatus(ctx stdcontext.Context, p *payment.Payment) (Result, error) {
	return c.execute(ctx, OpPoll, p, nil, func(ctx stdcontext.Context, st *opState) error {
		var report adapter.StatusReport
		err := c.call(ctx, st, func(ctx stdcontext.Context) (err error) {
			report, err = st.plugin.FetchPaymentStatus(ctx, *st.p)
			return err
		})
		if err != nil {
			return err
		}
		return c.resolve(st, report)
	})
}

func (c *Coordinator) resolve(st *opState, report adapter.StatusReport) error {
	if err := applyReport(st.p, st.desc, report); err != nil {
		return c.fail(st, KindIntegrity, err)
	}
	if report.Amount.Valid {
		st.result.Amount = report.Amount
	}
	return nil
}

// call runs a plugin call through the router and classifies its error.
func (c *Coordinator) call(ctx stdcontext.Context, st *opState, fn func(stdcontext.Context) error) error {
	err := c.router.Execute(ctx, st.p.Backend, st.op, fn)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, adapter.ErrUnsupported):
		return c.fail(st, KindUnsupported, err)
	case errors.Is(err, adapter.ErrConfiguration):
		return c.fail(st, KindConfiguration, err)
	case errors.Is(err, adapter.ErrInvalidCallback):
		return c.fail(st, KindInputConstraint, err)
	default:
		return c.fail(st, KindGateway, err)
	}
}

// fail builds the operation's *Error. Only gateway failures consult the
// retry policy.
func (c *Coordinator) fail(st *opState, kind Kind, err error) *Error {
	e := &Error{
		Kind:      kind,
		Op:        st.op,
		Backend:   st.p.Backend,
		PaymentID: st.p.ID,
		Err:       err,
	}
	if kind != KindGateway {
		return e
	}
	decision, perr := c.policy.Evaluate(policy.FailureContext{
		Kind:      string(kind),
		Operation: st.op,
		Backend:   st.p.Backend,
		Attempt:   st.rc.AttemptNumber(),
	})
	if perr != nil {
		c.logger.Warn("retry policy evaluation failed", zap.Error(perr))
		return e
	}
	e.Retryable = decision.AllowRetry
	if e.Retryable && decision.RetryAfterSeconds > 0 {
		e.RetryAfter = time.Duration(decision.RetryAfterSeconds) * time.Second
	}
	return e
}

// execute wraps an operation body with tracing, the payment lock, plugin
// resolution, rollback, validation and the post-change notifications.
func (c *Coordinator) execute(
	ctx stdcontext.Context,
	op string,
	p *payment.Payment,
	rc *context.RequestContext,
	body func(stdcontext.Context, *opState) error,
) (Result, error) {
	if p == nil {
		return Result{Operation: op}, &Error{Kind: KindInputConstraint, Op: op, Err: errors.New("payment is nil")}
	}

	id := p.ID
	ctx, span := c.tracer.Start(ctx, "Coordinator."+op, trace.WithAttributes(
		attribute.String("payment.id", id),
	))
	defer span.End()

	release, err := c.locker.Acquire(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment lock not acquired")
		return Result{Operation: op}, fmt.Errorf("%s payment %s: %w", op, id, err)
	}
	defer release()
	span.SetAttributes(attribute.String("payment.backend", p.Backend))

	if rc == nil {
		rc = context.NewRequestContext()
		rc.Attempt = attemptFrom(ctx, nil)
	}
	if sc := span.SpanContext(); sc.IsValid() {
		rc.Trace = context.TraceContextFromSpan(sc)
	}

	before := p.Clone()
	st := &opState{
		op: op,
		p:  p,
		rc: rc,
		result: Result{
			Payment:   p,
			Backend:   p.Backend,
			Operation: op,
			From:      p.Status,
		},
	}

	plugin, desc, rerr := c.router.Route(p.Backend)
	if rerr != nil {
		err = c.fail(st, KindConfiguration, rerr)
	} else {
		st.plugin, st.desc = plugin, desc
		err = body(ctx, st)
	}

	if err != nil && !st.keepOnError {
		*p = *before
	}
	if err != nil && p.Status.IsTerminal() {
		// Nothing can move a terminal payment, so a retry would only be
		// refused as an invalid transition.
		var oe *Error
		if errors.As(err, &oe) {
			oe.Retryable = false
			oe.RetryAfter = 0
		}
	}
	if changed(before, p) {
		if verr := p.Validate(); verr != nil {
			*p = *before
			err = c.fail(st, KindIntegrity, verr)
		} else {
			p.Touch()
			st.result.Changed = true
		}
	}
	st.result.To = p.Status

	c.observe(ctx, st, before, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("payment.status.from", string(st.result.From)),
		attribute.String("payment.status.to", string(st.result.To)),
		attribute.Bool("payment.changed", st.result.Changed),
	)
	return st.result, err
}

func changed(before, after *payment.Payment) bool {
	return before.Status != after.Status ||
		!before.LockedAmount.Equal(after.LockedAmount) ||
		!before.ChargedAmount.Equal(after.ChargedAmount) ||
		!before.RefundedAmount.Equal(after.RefundedAmount) ||
		before.LockUsed != after.LockUsed ||
		before.ExternalID != after.ExternalID
}

// observe logs the operation and, for applied changes, emits metrics, an
// event and a journal entry.
func (c *Coordinator) observe(ctx stdcontext.Context, st *opState, before *payment.Payment, err error) {
	p := st.p
	fields := []zap.Field{
		zap.String("payment_id", p.ID),
		zap.String("backend", p.Backend),
		zap.String("operation", st.op),
		zap.String("from_status", string(st.result.From)),
		zap.String("to_status", string(st.result.To)),
	}

	entry := reporting.Entry{
		PaymentID: p.ID,
		Backend:   p.Backend,
		Operation: st.op,
		From:      string(st.result.From),
		To:        string(st.result.To),
		Currency:  p.Currency,
	}

	switch {
	case st.result.Changed:
		entry.Outcome = reporting.OutcomeSuccess
		entry.Amount = movedAmount(before, p)
	case err == nil:
		entry.Outcome = reporting.OutcomeNoop
	default:
		entry.Outcome = reporting.OutcomeFailure
	}
	if kind, ok := KindOf(err); ok {
		entry.ErrorKind = string(kind)
		fields = append(fields, zap.String("error_kind", string(kind)))
	}

	if err != nil {
		c.logger.Warn("payment operation failed", append(fields, zap.Error(err))...)
	} else if st.result.Changed {
		c.logger.Info("payment status transition", fields...)
	} else {
		c.logger.Debug("payment operation changed nothing", fields...)
	}
	c.journal.Record(entry)

	if !st.result.Changed {
		return
	}
	c.recorder.IncTransition(p.Backend, string(st.result.From), string(st.result.To))
	if perr := c.publisher.Publish(ctx, events.TransitionEvent{
		PaymentID:      p.ID,
		Backend:        p.Backend,
		Operation:      st.op,
		State:          string(p.Status),
		PreviousState:  string(st.result.From),
		LockedAmount:   p.LockedAmount.String(),
		ChargedAmount:  p.ChargedAmount.String(),
		RefundedAmount: p.RefundedAmount.String(),
		Version:        p.Version,
		Timestamp:      time.Now().UTC(),
	}); perr != nil {
		c.logger.Warn("failed to publish transition event", append(fields, zap.Error(perr))...)
	}
}

// movedAmount is the money an applied change moved, by target status.
func movedAmount(before, after *payment.Payment) decimal.Decimal {
	switch after.Status {
	case payment.StatusLocked:
		return after.LockedAmount
	case payment.StatusCharged:
		return after.ChargedAmount.Sub(before.ChargedAmount)
	case payment.StatusPartiallyRefunded, payment.StatusRefunded:
		return after.RefundedAmount.Sub(before.RefundedAmount)
	case payment.StatusReleased:
		return before.LockedAmount
	default:
		return decimal.Zero
	}
}
