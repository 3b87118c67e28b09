package dummy_test

import (
	stdcontext "context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/adapter/dummy"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/orchestrator"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
	"github.com/yourorg/paywall-orchestrator/internal/router"
	"github.com/yourorg/paywall-orchestrator/internal/router/circuitbreaker"
)

func newPlugin(t *testing.T, env adapter.Environment, settings map[string]any) (*dummy.Plugin, *dummy.Gateway) {
	t.Helper()
	cfg := context.NewInMemoryConfigProvider()
	cfg.SetBackend("dummy", settings)
	gw := dummy.NewGateway()
	return dummy.New(gw, processor.Dependencies{
		Slug:        "dummy",
		Settings:    adapter.NewSettings(cfg, "dummy"),
		Environment: env,
	}), gw
}

func newPayment(t *testing.T) payment.Payment {
	t.Helper()
	p, err := payment.New("order-1", "dummy", decimal.NewFromInt(100), "EUR")
	require.NoError(t, err)
	return *p
}

func callbackContext(body []byte) *context.RequestContext {
	rc := context.NewRequestContext()
	rc.Body = body
	return rc
}

func TestDescriptor(t *testing.T) {
	plugin, _ := newPlugin(t, adapter.Sandbox, nil)
	desc := plugin.Descriptor()
	require.NoError(t, desc.Validate())
	assert.Equal(t, "dummy", desc.Slug)
	assert.Equal(t, "https://sandbox.paywall.example/", desc.BaseURL(adapter.Sandbox))
	assert.Equal(t, "https://paywall.example/", desc.BaseURL(adapter.Production))
	assert.True(t, desc.SupportsLock)
	assert.True(t, desc.SupportsPartialRefund)
}

func TestProcessPayment(t *testing.T) {
	ctx := stdcontext.Background()

	t.Run("SandboxRedirect", func(t *testing.T) {
		plugin, gw := newPlugin(t, adapter.Sandbox, nil)
		p := newPayment(t)
		initiation, err := plugin.ProcessPayment(ctx, p, nil)
		require.NoError(t, err)
		assert.Contains(t, initiation.RedirectURL, "https://sandbox.paywall.example/pay/")
		assert.Contains(t, initiation.RedirectURL, "confirm=push")

		tx, err := gw.Get(initiation.ExternalID)
		require.NoError(t, err)
		assert.Equal(t, "order-1", tx.PaymentID)
		assert.Equal(t, dummy.TxPending, tx.State)
	})

	t.Run("ProductionWithOverride", func(t *testing.T) {
		plugin, _ := newPlugin(t, adapter.Production, map[string]any{
			"gateway_url":         "https://pay.internal.example",
			"confirmation_method": "pull",
		})
		initiation, err := plugin.ProcessPayment(ctx, newPayment(t), nil)
		require.NoError(t, err)
		assert.Contains(t, initiation.RedirectURL, "https://pay.internal.example/pay/")
		assert.Contains(t, initiation.RedirectURL, "confirm=pull")
	})

	t.Run("ReusesOpenTransaction", func(t *testing.T) {
		plugin, _ := newPlugin(t, adapter.Sandbox, nil)
		p := newPayment(t)
		first, err := plugin.ProcessPayment(ctx, p, nil)
		require.NoError(t, err)
		p.ExternalID = first.ExternalID
		second, err := plugin.ProcessPayment(ctx, p, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ExternalID, second.ExternalID)
	})

	t.Run("BadConfirmationMethod", func(t *testing.T) {
		plugin, _ := newPlugin(t, adapter.Sandbox, map[string]any{"confirmation_method": "carrier-pigeon"})
		_, err := plugin.ProcessPayment(ctx, newPayment(t), nil)
		assert.ErrorIs(t, err, adapter.ErrConfiguration)
	})

	t.Run("GatewayDown", func(t *testing.T) {
		plugin, gw := newPlugin(t, adapter.Sandbox, nil)
		gw.SetDown(true)
		_, err := plugin.ProcessPayment(ctx, newPayment(t), nil)
		assert.ErrorIs(t, err, adapter.ErrGateway)
	})
}

func TestHandleCallback(t *testing.T) {
	ctx := stdcontext.Background()
	plugin, _ := newPlugin(t, adapter.Sandbox, nil)
	p := newPayment(t)

	t.Run("Paid", func(t *testing.T) {
		out, err := plugin.HandleCallback(ctx, p, callbackContext([]byte(`{"payment_id":"order-1","status":"paid","amount":"100.00"}`)))
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCharged, out.Report.Status)
		require.True(t, out.Report.Amount.Valid)
		assert.True(t, out.Report.Amount.Decimal.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 200, out.Ack.StatusCode)
		assert.Equal(t, "OK", string(out.Ack.Body))
	})

	t.Run("NumericAmount", func(t *testing.T) {
		out, err := plugin.HandleCallback(ctx, p, callbackContext([]byte(`{"payment_id":"order-1","status":"partially_refunded","amount":25.5}`)))
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPartiallyRefunded, out.Report.Status)
		assert.True(t, out.Report.Amount.Decimal.Equal(decimal.RequireFromString("25.5")))
	})

	t.Run("StatusOnly", func(t *testing.T) {
		out, err := plugin.HandleCallback(ctx, p, callbackContext([]byte(`{"payment_id":"order-1","status":"failed"}`)))
		require.NoError(t, err)
		assert.Equal(t, payment.StatusFailed, out.Report.Status)
		assert.False(t, out.Report.Amount.Valid)
	})

	for name, body := range map[string]string{
		"NotJSON":        `payment=paid`,
		"MissingStatus":  `{"payment_id":"order-1"}`,
		"UnknownStatus":  `{"payment_id":"order-1","status":"settled"}`,
		"NegativeAmount": `{"payment_id":"order-1","status":"paid","amount":"-1"}`,
		"OtherPayment":   `{"payment_id":"order-2","status":"paid"}`,
	} {
		t.Run(name, func(t *testing.T) {
			out, err := plugin.HandleCallback(ctx, p, callbackContext([]byte(body)))
			assert.ErrorIs(t, err, adapter.ErrInvalidCallback)
			assert.Equal(t, 400, out.Ack.StatusCode)
		})
	}

	t.Run("PullRejectsCallbacks", func(t *testing.T) {
		pull, _ := newPlugin(t, adapter.Sandbox, map[string]any{"confirmation_method": "pull"})
		_, err := pull.HandleCallback(ctx, p, callbackContext([]byte(`{"payment_id":"order-1","status":"paid"}`)))
		assert.ErrorIs(t, err, adapter.ErrUnsupported)
	})
}

func TestNotificationFor(t *testing.T) {
	gw := dummy.NewGateway()
	tx, _, err := gw.Create("", "order-9", decimal.NewFromInt(40), "USD")
	require.NoError(t, err)

	body, err := dummy.NotificationFor(tx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payment_id":"order-9","status":"pending"}`, string(body))

	tx, err = gw.Pay(tx.ID)
	require.NoError(t, err)
	body, err = dummy.NotificationFor(tx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payment_id":"order-9","status":"paid","amount":"40"}`, string(body))
}

func TestGateway_Rejections(t *testing.T) {
	gw := dummy.NewGateway()
	tx, _, err := gw.Create("", "order-1", decimal.NewFromInt(50), "USD")
	require.NoError(t, err)

	_, err = gw.Capture(tx.ID, decimal.NullDecimal{})
	assert.ErrorIs(t, err, dummy.ErrRejected, "capture needs a hold")

	_, err = gw.Authorize(tx.ID)
	require.NoError(t, err)
	_, err = gw.Capture(tx.ID, decimal.NewNullDecimal(decimal.NewFromInt(60)))
	assert.ErrorIs(t, err, dummy.ErrRejected, "capture above the hold")

	got, err := gw.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, dummy.TxAuthorized, got.State, "a rejected call leaves the transaction alone")

	_, err = gw.Get("dmy_missing")
	assert.ErrorIs(t, err, dummy.ErrUnknownTransaction)
}

type lifecycle struct {
	coord *orchestrator.Coordinator
	gw    *dummy.Gateway
}

func newLifecycle(t *testing.T, settings map[string]any) lifecycle {
	t.Helper()
	cfg := context.NewInMemoryConfigProvider()
	cfg.SetBackend("dummy", settings)
	reg := processor.NewRegistry(adapter.Sandbox, cfg, nil)
	gw := dummy.NewGateway()
	require.NoError(t, reg.LoadFromConfig(processor.Catalog{dummy.Slug: dummy.NewFactory(gw)}))
	r := router.NewRouter(reg, circuitbreaker.NewCircuitBreaker(), nil, nil)
	return lifecycle{coord: orchestrator.NewCoordinator(r, orchestrator.Options{}), gw: gw}
}

func TestLifecycle_PushConfirmation(t *testing.T) {
	lc := newLifecycle(t, map[string]any{"confirmation_method": "push"})
	ctx := stdcontext.Background()
	p, err := payment.New("", "dummy", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)

	_, err = lc.coord.Process(ctx, p, nil)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, p.Status)

	tx, err := lc.gw.Pay(p.ExternalID)
	require.NoError(t, err)
	body, err := dummy.NotificationFor(tx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := lc.coord.HandleCallback(ctx, p, callbackContext(body))
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Changed)
		require.NotNil(t, res.Ack)
		assert.Equal(t, "OK", string(res.Ack.Body))
	}
	assert.Equal(t, payment.StatusCharged, p.Status)
	assert.True(t, p.ChargedAmount.Equal(decimal.NewFromInt(100)))

	_, err = lc.coord.Refund(ctx, p, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPartiallyRefunded, p.Status)

	res, err := lc.coord.FetchStatus(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Changed, "gateway agrees with the recorded refund")
}

func TestLifecycle_PullWithLock(t *testing.T) {
	lc := newLifecycle(t, map[string]any{"confirmation_method": "pull"})
	ctx := stdcontext.Background()
	p, err := payment.New("", "dummy", decimal.NewFromInt(100), "EUR")
	require.NoError(t, err)

	_, err = lc.coord.Process(ctx, p, nil)
	require.NoError(t, err)
	_, err = lc.coord.Lock(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusLocked, p.Status)

	_, err = lc.coord.ChargeLocked(ctx, p, decimal.NewNullDecimal(decimal.NewFromInt(60)))
	require.NoError(t, err)
	assert.True(t, p.ChargedAmount.Equal(decimal.NewFromInt(60)))

	_, err = lc.coord.HandleCallback(ctx, p, callbackContext([]byte(`{}`)))
	assert.True(t, orchestrator.IsKind(err, orchestrator.KindUnsupported))

	res, err := lc.coord.FetchStatus(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, payment.StatusCharged, p.Status)
}

func TestLifecycle_DeclinedPaymentFails(t *testing.T) {
	lc := newLifecycle(t, nil)
	ctx := stdcontext.Background()
	p, err := payment.New("", "dummy", decimal.NewFromInt(10), "PLN")
	require.NoError(t, err)

	_, err = lc.coord.Process(ctx, p, nil)
	require.NoError(t, err)
	_, err = lc.gw.Decline(p.ExternalID)
	require.NoError(t, err)

	_, err = lc.coord.FetchStatus(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, p.Status)
}
