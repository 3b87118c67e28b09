package payment

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		p, err := New("", "dummy", decimal.NewFromInt(100), "usd")
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "dummy", p.Backend)
		assert.Equal(t, "USD", p.Currency)
		assert.Equal(t, StatusNew, p.Status)
		assert.True(t, p.LockedAmount.IsZero())
		assert.Equal(t, int64(0), p.Version)
	})

	t.Run("MissingBackend", func(t *testing.T) {
		_, err := New("p1", " ", decimal.NewFromInt(1), "USD")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend is required")
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		_, err := New("p1", "dummy", decimal.Zero, "USD")
		require.Error(t, err)
	})

	t.Run("BadCurrency", func(t *testing.T) {
		_, err := New("p1", "dummy", decimal.NewFromInt(1), "DOLLARS")
		require.Error(t, err)
	})

	t.Run("TooManyDecimalPlaces", func(t *testing.T) {
		_, err := New("p1", "dummy", decimal.RequireFromString("10.00001"), "USD")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decimal places")

		p, err := New("p1", "dummy", decimal.RequireFromString("10.12340"), "USD")
		require.NoError(t, err, "trailing zeros do not count")
		assert.True(t, p.Amount.Equal(decimal.RequireFromString("10.1234")))
	})
}

func TestFitsScale(t *testing.T) {
	assert.True(t, FitsScale(decimal.RequireFromString("1")))
	assert.True(t, FitsScale(decimal.RequireFromString("0.0001")))
	assert.True(t, FitsScale(decimal.RequireFromString("-3.5")))
	assert.False(t, FitsScale(decimal.RequireFromString("0.00001")))
	assert.False(t, FitsScale(decimal.RequireFromString("99.99999")))
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusPending, true},
		{StatusNew, StatusCharged, false},
		{StatusPending, StatusLocked, true},
		{StatusPending, StatusCharged, true},
		{StatusLocked, StatusCharged, true},
		{StatusLocked, StatusReleased, true},
		{StatusPending, StatusReleased, false},
		{StatusCharged, StatusPartiallyRefunded, true},
		{StatusCharged, StatusRefunded, true},
		{StatusPartiallyRefunded, StatusRefunded, true},
		{StatusPartiallyRefunded, StatusPartiallyRefunded, true},
		{StatusCharged, StatusFailed, true},
		{StatusNew, StatusFailed, true},
		{StatusRefunded, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusReleased, StatusCharged, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatus_Ordering(t *testing.T) {
	assert.True(t, StatusNew.Precedes(StatusPending))
	assert.True(t, StatusCharged.Precedes(StatusRefunded))
	assert.False(t, StatusRefunded.Precedes(StatusCharged))
	assert.False(t, StatusFailed.Precedes(StatusCharged), "FAILED is outside the ordering")

	_, ok := StatusReleased.Rank()
	assert.False(t, ok)

	for _, s := range []Status{StatusRefunded, StatusFailed, StatusReleased} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusPartiallyRefunded.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("CHARGED")
	require.NoError(t, err)
	assert.Equal(t, StatusCharged, s)

	_, err = ParseStatus("PAID")
	assert.Error(t, err)
}

func TestPayment_Validate(t *testing.T) {
	base := func() *Payment {
		p, _ := New("p1", "dummy", decimal.NewFromInt(100), "USD")
		return p
	}

	t.Run("ChargedAboveLocked", func(t *testing.T) {
		p := base()
		p.Status = StatusCharged
		p.LockUsed = true
		p.LockedAmount = decimal.NewFromInt(50)
		p.ChargedAmount = decimal.NewFromInt(60)
		err := p.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvariant))
	})

	t.Run("RefundedAboveCharged", func(t *testing.T) {
		p := base()
		p.ChargedAmount = decimal.NewFromInt(10)
		p.RefundedAmount = decimal.NewFromInt(11)
		assert.ErrorIs(t, p.Validate(), ErrInvariant)
	})

	t.Run("Negative", func(t *testing.T) {
		p := base()
		p.LockedAmount = decimal.NewFromInt(-1)
		assert.ErrorIs(t, p.Validate(), ErrInvariant)
	})

	t.Run("FinerThanStoredScale", func(t *testing.T) {
		p := base()
		p.Status = StatusCharged
		p.ChargedAmount = decimal.RequireFromString("99.99995")
		assert.ErrorIs(t, p.Validate(), ErrInvariant)
	})

	t.Run("ReleasedLockIgnoresChargeCheck", func(t *testing.T) {
		p := base()
		p.Status = StatusReleased
		p.LockUsed = true
		assert.NoError(t, p.Validate())
	})

	t.Run("Outstanding", func(t *testing.T) {
		p := base()
		p.ChargedAmount = decimal.NewFromInt(60)
		p.RefundedAmount = decimal.NewFromInt(20)
		assert.True(t, p.Outstanding().Equal(decimal.NewFromInt(40)))
	})
}
