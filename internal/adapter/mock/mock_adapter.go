package mock

import (
	stdcontext "context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

// MockAdapter is a function-field implementation of adapter.Processor for tests.
// Unset functions fall back to simple successful defaults; optional
// operations whose capability flag is off return adapter.ErrUnsupported.
type MockAdapter struct {
	Desc adapter.Descriptor

	ProcessFunc  func(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.Initiation, error)
	CallbackFunc func(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.CallbackOutcome, error)
	FetchFunc    func(ctx stdcontext.Context, p payment.Payment) (adapter.StatusReport, error)
	LockFunc     func(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.LockResult, error)
	ChargeFunc   func(ctx stdcontext.Context, p payment.Payment, amount decimal.NullDecimal) (decimal.Decimal, error)
	ReleaseFunc  func(ctx stdcontext.Context, p payment.Payment) (decimal.Decimal, error)
	RefundFunc   func(ctx stdcontext.Context, p payment.Payment, amount decimal.Decimal) (decimal.Decimal, error)

	mu    sync.Mutex
	calls map[string]int
}

// NewMockAdapter creates a MockAdapter with a descriptor supporting every capability.
func NewMockAdapter(slug string) *MockAdapter {
	return &MockAdapter{
		Desc: adapter.Descriptor{
			Slug:                  slug,
			DisplayName:           "Mock " + slug,
			AcceptedCurrencies:    []string{"USD", "EUR", "PLN"},
			SupportsLock:          true,
			SupportsPartialRefund: true,
			SupportsRefund:        true,
			SupportsCallback:      true,
			ProductionURL:         "https://" + slug + ".example/",
			SandboxURL:            "https://sandbox." + slug + ".example/",
		},
		calls: make(map[string]int),
	}
}

// Calls returns how many times op reached the plugin.
func (m *MockAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockAdapter) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

// Descriptor implements adapter.Processor.
func (m *MockAdapter) Descriptor() adapter.Descriptor {
	return m.Desc
}

// ProcessPayment implements adapter.Processor.
func (m *MockAdapter) ProcessPayment(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.Initiation, error) {
	m.record("process")
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, p, rc)
	}
	return adapter.Initiation{
		RedirectURL: m.Desc.SandboxURL + "pay/" + p.ID,
		ExternalID:  uuid.NewString(),
	}, nil
}

// HandleCallback implements adapter.Processor.
func (m *MockAdapter) HandleCallback(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.CallbackOutcome, error) {
	m.record("callback")
	if m.CallbackFunc != nil {
		return m.CallbackFunc(ctx, p, rc)
	}
	if !m.Desc.SupportsCallback {
		return adapter.CallbackOutcome{}, adapter.ErrUnsupported
	}
	return adapter.CallbackOutcome{Ack: adapter.Acknowledgement{StatusCode: 200, Body: []byte("OK")}}, nil
}

// FetchPaymentStatus implements adapter.Processor.
func (m *MockAdapter) FetchPaymentStatus(ctx stdcontext.Context, p payment.Payment) (adapter.StatusReport, error) {
	m.record("fetch")
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, p)
	}
	return adapter.StatusReport{Status: p.Status}, nil
}

// Lock implements adapter.Processor.
func (m *MockAdapter) Lock(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.LockResult, error) {
	m.record("lock")
	if m.LockFunc != nil {
		return m.LockFunc(ctx, p, rc)
	}
	if !m.Desc.SupportsLock {
		return adapter.LockResult{}, adapter.ErrUnsupported
	}
	return adapter.LockResult{RedirectURL: m.Desc.SandboxURL + "lock/" + p.ID}, nil
}

// ChargeLocked implements adapter.Processor.
func (m *MockAdapter) ChargeLocked(ctx stdcontext.Context, p payment.Payment, amount decimal.NullDecimal) (decimal.Decimal, error) {
	m.record("charge")
	if m.ChargeFunc != nil {
		return m.ChargeFunc(ctx, p, amount)
	}
	if !m.Desc.SupportsLock {
		return decimal.Zero, adapter.ErrUnsupported
	}
	if amount.Valid {
		return amount.Decimal, nil
	}
	return p.LockedAmount, nil
}

// Release implements adapter.Processor.
func (m *MockAdapter) Release(ctx stdcontext.Context, p payment.Payment) (decimal.Decimal, error) {
	m.record("release")
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, p)
	}
	if !m.Desc.SupportsLock {
		return decimal.Zero, adapter.ErrUnsupported
	}
	return p.LockedAmount, nil
}

// Refund implements adapter.Processor.
func (m *MockAdapter) Refund(ctx stdcontext.Context, p payment.Payment, amount decimal.Decimal) (decimal.Decimal, error) {
	m.record("refund")
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, p, amount)
	}
	if !m.Desc.SupportsRefund {
		return decimal.Zero, adapter.ErrUnsupported
	}
	return amount, nil
}
