package store

import (
	stdcontext "context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

// Runs only against a real database: PAYWALL_TEST_DATABASE_URL=postgres://...
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("PAYWALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAYWALL_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := stdcontext.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.InitDB(ctx))

	p := newPayment(t, "")
	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, p), ErrAlreadyExists)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusNew, got.Status)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(100)))

	expected := got.Version
	got.Status = payment.StatusPending
	got.Touch()
	require.NoError(t, s.Save(ctx, got, expected))
	assert.ErrorIs(t, s.Save(ctx, got, expected), ErrVersionConflict)

	_, err = s.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_RefusesAmountsItWouldRound(t *testing.T) {
	s := NewPostgresStore(nil)
	p := newPayment(t, "")
	p.ChargedAmount = decimal.RequireFromString("0.00001")

	err := s.Create(stdcontext.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decimal places")
	assert.Error(t, s.Save(stdcontext.Background(), p, p.Version))
}
