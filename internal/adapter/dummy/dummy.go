// Package dummy is the reference paywall plugin. It talks to an in-process
// Gateway instead of a remote service, which makes it useful for local
// development and for exercising the whole lifecycle in tests.
package dummy

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/monitor"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
)

// Slug is the plugin type name used in configuration.
const Slug = "dummy"

// Confirmation methods. With push the gateway notifies the callback
// endpoint; with pull the caller polls.
const (
	ConfirmPush = "push"
	ConfirmPull = "pull"
)

// CallbackSchema is the contract of the notifications the gateway pushes.
const CallbackSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "DummyCallback",
	"type": "object",
	"properties": {
		"payment_id": {"type": "string", "minLength": 1},
		"status": {"enum": ["pending", "authorized", "paid", "partially_refunded", "refunded", "voided", "failed"]},
		"amount": {"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0}
	},
	"required": ["payment_id", "status"]
}`

var callbackMonitor = monitor.MustContractMonitorFromJSON(CallbackSchema)

func descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Slug:                  Slug,
		DisplayName:           "Dummy paywall",
		AcceptedCurrencies:    []string{"EUR", "GBP", "PLN", "USD"},
		SupportsLock:          true,
		SupportsPartialRefund: true,
		SupportsRefund:        true,
		SupportsCallback:      true,
		ProductionURL:         "https://paywall.example/",
		SandboxURL:            "https://sandbox.paywall.example/",
	}
}

// Notification is the body the gateway posts to the callback endpoint.
type Notification struct {
	PaymentID string           `json:"payment_id"`
	Status    string           `json:"status"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

// NotificationFor renders the notification the gateway sends for tx.
func NotificationFor(tx Transaction) ([]byte, error) {
	n := Notification{PaymentID: tx.PaymentID, Status: tx.State}
	if amount := reportFor(tx).Amount; amount.Valid {
		n.Amount = &amount.Decimal
	}
	return json.Marshal(n)
}

// Plugin implements adapter.Processor against a Gateway.
type Plugin struct {
	gateway  *Gateway
	settings adapter.Settings
	env      adapter.Environment
	logger   *zap.Logger
}

// NewFactory returns a registry factory whose plugin instances share gw.
func NewFactory(gw *Gateway) processor.Factory {
	if gw == nil {
		panic("dummy gateway cannot be nil")
	}
	return func(deps processor.Dependencies) (adapter.Processor, error) {
		return New(gw, deps), nil
	}
}

// New creates a plugin instance bound to one backend's settings.
func New(gw *Gateway, deps processor.Dependencies) *Plugin {
	return &Plugin{
		gateway:  gw,
		settings: deps.Settings,
		env:      deps.Environment,
		logger:   logging.OrNop(deps.Logger),
	}
}

// Descriptor implements adapter.Processor.
func (d *Plugin) Descriptor() adapter.Descriptor {
	return descriptor()
}

func (d *Plugin) confirmationMethod() (string, error) {
	method := strings.ToLower(strings.TrimSpace(d.settings.String("confirmation_method", ConfirmPush)))
	switch method {
	case ConfirmPush, ConfirmPull:
		return method, nil
	}
	return "", fmt.Errorf("%w: backend %q: confirmation_method must be push or pull, got %q",
		adapter.ErrConfiguration, d.settings.Slug(), method)
}

func (d *Plugin) baseURL() string {
	base := d.settings.String("gateway_url", descriptor().BaseURL(d.env))
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (d *Plugin) pageURL(page, txID, method string) string {
	q := url.Values{}
	q.Set("confirm", method)
	return d.baseURL() + page + "/" + url.PathEscape(txID) + "?" + q.Encode()
}

// ProcessPayment opens a gateway transaction and returns its payment page.
func (d *Plugin) ProcessPayment(ctx stdcontext.Context, p payment.Payment, _ *context.RequestContext) (adapter.Initiation, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Initiation{}, err
	}
	method, err := d.confirmationMethod()
	if err != nil {
		return adapter.Initiation{}, err
	}
	tx, created, err := d.gateway.Create(p.ExternalID, p.ID, p.Amount, p.Currency)
	if err != nil {
		return adapter.Initiation{}, err
	}
	d.logger.Debug("dummy transaction opened",
		zap.String("payment_id", p.ID),
		zap.String("external_id", tx.ID),
		zap.Bool("created", created),
	)
	raw, _ := json.Marshal(map[string]string{"id": tx.ID, "state": tx.State})
	return adapter.Initiation{
		RedirectURL: d.pageURL("pay", tx.ID, method),
		ExternalID:  tx.ID,
		Raw:         raw,
	}, nil
}

// HandleCallback parses a pushed notification. Backends configured for
// pull confirmation reject callbacks.
func (d *Plugin) HandleCallback(ctx stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.CallbackOutcome, error) {
	if err := ctx.Err(); err != nil {
		return adapter.CallbackOutcome{}, err
	}
	method, err := d.confirmationMethod()
	if err != nil {
		return adapter.CallbackOutcome{}, err
	}
	if method == ConfirmPull {
		return adapter.CallbackOutcome{}, fmt.Errorf("%w: backend %q confirms payments by polling", adapter.ErrUnsupported, d.settings.Slug())
	}

	var body []byte
	if rc != nil {
		body = rc.Body
	}
	valid, problems, err := callbackMonitor.Validate(body)
	if err != nil {
		return rejected(), fmt.Errorf("%w: %v", adapter.ErrInvalidCallback, err)
	}
	if !valid {
		return rejected(), fmt.Errorf("%w: %s", adapter.ErrInvalidCallback, monitor.FormatErrors(problems))
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return rejected(), fmt.Errorf("%w: %v", adapter.ErrInvalidCallback, err)
	}
	if n.PaymentID != p.ID {
		return rejected(), fmt.Errorf("%w: notification for payment %q delivered to %q", adapter.ErrInvalidCallback, n.PaymentID, p.ID)
	}
	status, err := mapState(n.Status)
	if err != nil {
		return rejected(), fmt.Errorf("%w: %v", adapter.ErrInvalidCallback, err)
	}

	report := adapter.StatusReport{Status: status}
	if n.Amount != nil {
		report.Amount = decimal.NewNullDecimal(*n.Amount)
	}
	return adapter.CallbackOutcome{
		Report: report,
		Ack:    adapter.Acknowledgement{StatusCode: 200, ContentType: "text/plain", Body: []byte("OK")},
	}, nil
}

func rejected() adapter.CallbackOutcome {
	return adapter.CallbackOutcome{
		Ack: adapter.Acknowledgement{StatusCode: 400, ContentType: "text/plain", Body: []byte("INVALID")},
	}
}

// FetchPaymentStatus reads the transaction from the gateway. A payment that
// never reached the gateway reports NEW, which changes nothing.
func (d *Plugin) FetchPaymentStatus(ctx stdcontext.Context, p payment.Payment) (adapter.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return adapter.StatusReport{}, err
	}
	if p.ExternalID == "" {
		return adapter.StatusReport{Status: payment.StatusNew}, nil
	}
	tx, err := d.gateway.Get(p.ExternalID)
	if err != nil {
		return adapter.StatusReport{}, err
	}
	return reportFor(tx), nil
}

// Lock places a hold on the payment's transaction, opening one first if
// the payment was never processed through the gateway.
func (d *Plugin) Lock(ctx stdcontext.Context, p payment.Payment, _ *context.RequestContext) (adapter.LockResult, error) {
	if err := ctx.Err(); err != nil {
		return adapter.LockResult{}, err
	}
	method, err := d.confirmationMethod()
	if err != nil {
		return adapter.LockResult{}, err
	}
	tx, _, err := d.gateway.Create(p.ExternalID, p.ID, p.Amount, p.Currency)
	if err != nil {
		return adapter.LockResult{}, err
	}
	tx, err = d.gateway.Authorize(tx.ID)
	if err != nil {
		return adapter.LockResult{}, err
	}
	raw, _ := json.Marshal(map[string]string{"id": tx.ID, "state": tx.State, "authorized": tx.Authorized.String()})
	return adapter.LockResult{
		RedirectURL:  d.pageURL("authorize", tx.ID, method),
		RawResponse:  raw,
		ExternalID:   tx.ID,
		LockedAmount: decimal.NewNullDecimal(tx.Authorized),
	}, nil
}

// ChargeLocked captures from the hold.
func (d *Plugin) ChargeLocked(ctx stdcontext.Context, p payment.Payment, amount decimal.NullDecimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	tx, err := d.gateway.Capture(p.ExternalID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return tx.Captured, nil
}

// Release voids the hold.
func (d *Plugin) Release(ctx stdcontext.Context, p payment.Payment) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	tx, err := d.gateway.Void(p.ExternalID)
	if err != nil {
		return decimal.Zero, err
	}
	return tx.Authorized, nil
}

// Refund returns captured funds.
func (d *Plugin) Refund(ctx stdcontext.Context, p payment.Payment, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if _, err := d.gateway.Refund(p.ExternalID, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func mapState(state string) (payment.Status, error) {
	switch state {
	case TxPending:
		return payment.StatusPending, nil
	case TxAuthorized:
		return payment.StatusLocked, nil
	case TxPaid:
		return payment.StatusCharged, nil
	case TxPartiallyRefunded:
		return payment.StatusPartiallyRefunded, nil
	case TxRefunded:
		return payment.StatusRefunded, nil
	case TxVoided:
		return payment.StatusReleased, nil
	case TxFailed:
		return payment.StatusFailed, nil
	}
	return "", fmt.Errorf("unknown transaction state %q", state)
}

func reportFor(tx Transaction) adapter.StatusReport {
	status, _ := mapState(tx.State)
	r := adapter.StatusReport{Status: status}
	switch tx.State {
	case TxAuthorized:
		r.Amount = decimal.NewNullDecimal(tx.Authorized)
	case TxPaid:
		r.Amount = decimal.NewNullDecimal(tx.Captured)
	case TxPartiallyRefunded, TxRefunded:
		r.Amount = decimal.NewNullDecimal(tx.Refunded)
	}
	return r
}
