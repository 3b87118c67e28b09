package store

import (
	stdcontext "context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore keeps payments in a single table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InitDB(ctx stdcontext.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS paywall_payments (
			id VARCHAR(255) PRIMARY KEY,
			backend VARCHAR(100) NOT NULL,
			amount NUMERIC(20, 4) NOT NULL,
			currency CHAR(3) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			locked_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
			charged_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
			refunded_amount NUMERIC(20, 4) NOT NULL DEFAULT 0,
			lock_used BOOLEAN NOT NULL DEFAULT FALSE,
			external_id VARCHAR(255) NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_paywall_payments_status ON paywall_payments(status)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// checkScale refuses amounts the NUMERIC(20, 4) columns would round.
func checkScale(p *payment.Payment) error {
	for _, v := range []decimal.Decimal{p.Amount, p.LockedAmount, p.ChargedAmount, p.RefundedAmount} {
		if !payment.FitsScale(v) {
			return fmt.Errorf("payment %s: amount %s has more than %d decimal places", p.ID, v, payment.MaxScale)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx stdcontext.Context, p *payment.Payment) error {
	if err := checkScale(p); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paywall_payments (id, backend, amount, currency, description, status,
			locked_amount, charged_amount, refunded_amount, lock_used, external_id, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Backend, p.Amount.String(), p.Currency, p.Description, string(p.Status),
		p.LockedAmount.String(), p.ChargedAmount.String(), p.RefundedAmount.String(),
		p.LockUsed, p.ExternalID, p.Version, p.CreatedAt, p.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, p.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx stdcontext.Context, id string) (*payment.Payment, error) {
	var (
		p                                 payment.Payment
		status                            string
		amount, locked, charged, refunded string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, backend, amount, currency, description, status, locked_amount,
			charged_amount, refunded_amount, lock_used, external_id, version, created_at, updated_at
		FROM paywall_payments WHERE id = $1
	`, id).Scan(&p.ID, &p.Backend, &amount, &p.Currency, &p.Description, &status,
		&locked, &charged, &refunded, &p.LockUsed, &p.ExternalID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if p.Status, err = payment.ParseStatus(status); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&p.Amount, amount},
		{&p.LockedAmount, locked},
		{&p.ChargedAmount, charged},
		{&p.RefundedAmount, refunded},
	} {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return nil, fmt.Errorf("payment %s: bad stored amount %q: %w", id, f.raw, err)
		}
	}
	return &p, nil
}

func (s *PostgresStore) Save(ctx stdcontext.Context, p *payment.Payment, expectedVersion int64) error {
	if err := checkScale(p); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE paywall_payments
		SET status = $1, locked_amount = $2, charged_amount = $3, refunded_amount = $4,
			lock_used = $5, external_id = $6, version = $7, updated_at = $8, description = $9
		WHERE id = $10 AND version = $11
	`, string(p.Status), p.LockedAmount.String(), p.ChargedAmount.String(), p.RefundedAmount.String(),
		p.LockUsed, p.ExternalID, p.Version, p.UpdatedAt, p.Description, p.ID, expectedVersion)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s, expected version %d", ErrVersionConflict, p.ID, expectedVersion)
	}
	return nil
}
