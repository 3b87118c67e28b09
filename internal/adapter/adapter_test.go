package adapter

import (
	stdcontext "context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

func validDescriptor() Descriptor {
	return Descriptor{
		Slug:               "test",
		DisplayName:        "Test Paywall",
		AcceptedCurrencies: []string{"USD", "EUR"},
		ProductionURL:      "https://paywall.example/",
		SandboxURL:         "https://sandbox.paywall.example/",
	}
}

func TestDescriptor_Validate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validDescriptor().Validate())
	})

	t.Run("MissingSlug", func(t *testing.T) {
		d := validDescriptor()
		d.Slug = ""
		err := d.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfiguration))
	})

	t.Run("LowercaseCurrency", func(t *testing.T) {
		d := validDescriptor()
		d.AcceptedCurrencies = []string{"usd"}
		assert.ErrorIs(t, d.Validate(), ErrConfiguration)
	})

	t.Run("NoCurrencies", func(t *testing.T) {
		d := validDescriptor()
		d.AcceptedCurrencies = nil
		assert.ErrorIs(t, d.Validate(), ErrConfiguration)
	})

	t.Run("BadURL", func(t *testing.T) {
		d := validDescriptor()
		d.SandboxURL = "not a url"
		assert.ErrorIs(t, d.Validate(), ErrConfiguration)
	})

	t.Run("PartialRefundWithoutRefund", func(t *testing.T) {
		d := validDescriptor()
		d.SupportsPartialRefund = true
		err := d.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "partial refunds require refund support")
	})
}

func TestDescriptor_BaseURL(t *testing.T) {
	d := validDescriptor()
	assert.Equal(t, "https://sandbox.paywall.example/", d.BaseURL(Sandbox))
	assert.Equal(t, "https://paywall.example/", d.BaseURL(Production))
}

func TestDescriptor_AcceptsCurrencyAndOKStatus(t *testing.T) {
	d := validDescriptor()
	assert.True(t, d.AcceptsCurrency("usd"))
	assert.False(t, d.AcceptsCurrency("PLN"))

	assert.True(t, d.IsOKStatus(200))
	assert.False(t, d.IsOKStatus(201))
	d.OKStatuses = []int{200, 201}
	assert.True(t, d.IsOKStatus(201))
}

func TestParseEnvironment(t *testing.T) {
	for in, want := range map[string]Environment{
		"":           Sandbox,
		"sandbox":    Sandbox,
		"DEBUG":      Sandbox,
		"production": Production,
		"live":       Production,
	} {
		got, err := ParseEnvironment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEnvironment("staging")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSettings(t *testing.T) {
	provider := context.NewInMemoryConfigProvider()
	provider.SetGlobal(map[string]any{"timeout": "5s", "sandbox_only": true})
	provider.SetBackend("stripe", map[string]any{
		"api_key":     "sk_test_1",
		"timeout":     nil,
		"retries":     3,
		"verify":      "false",
		"bad_timeout": "soon",
		"int_timeout": 2,
	})
	s := NewSettings(provider, "stripe")

	assert.Equal(t, "stripe", s.Slug())
	assert.Equal(t, "sk_test_1", s.String("api_key", ""))
	assert.Equal(t, "3", s.String("retries", ""))
	assert.Equal(t, "fallback", s.String("missing", "fallback"))
	assert.True(t, s.Bool("sandbox_only", false))
	assert.False(t, s.Bool("verify", true))

	key, err := s.RequireString("api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_1", key)

	_, err = s.RequireString("webhook_secret")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), `"webhook_secret"`)

	d, err := s.Duration("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d, "explicit nil falls through to the global block")

	d, err = s.Duration("int_timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = s.Duration("absent", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = s.Duration("bad_timeout", time.Second)
	assert.ErrorIs(t, err, ErrConfiguration)
}

type lockOnly struct {
	Unsupported
}

func TestUnsupported_Defaults(t *testing.T) {
	var u lockOnly
	ctx := stdcontext.Background()
	p := payment.Payment{ID: "p1"}

	_, err := u.Lock(ctx, p, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = u.ChargeLocked(ctx, p, decimal.NullDecimal{})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = u.Release(ctx, p)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = u.Refund(ctx, p, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = u.HandleCallback(ctx, p, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestStatusReport(t *testing.T) {
	assert.True(t, StatusReport{}.Empty())
	r := StatusReport{Amount: decimal.NewNullDecimal(decimal.NewFromInt(1))}
	assert.False(t, r.Empty())
	assert.False(t, r.HasStatus())
	assert.True(t, StatusReport{Status: payment.StatusCharged}.HasStatus())
}
