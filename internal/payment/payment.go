// Package payment holds the transactional entity driven through a paywall:
// its status state machine and the running amount totals.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvariant is wrapped by every invariant violation reported by Validate.
var ErrInvariant = errors.New("payment invariant violated")

// MaxScale is the number of decimal places an amount may carry. Stores keep
// amounts at this scale, so anything finer would be rounded on save.
const MaxScale = 4

// FitsScale reports whether amount has at most MaxScale decimal places.
func FitsScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MaxScale))
}

// Payment is the transactional entity. It is created by the caller's order
// system; the lifecycle coordinator only changes Status, the amount totals,
// ExternalID and the bookkeeping fields.
type Payment struct {
	ID          string          `json:"id"`
	Backend     string          `json:"backend"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status"`

	LockedAmount   decimal.Decimal `json:"locked_amount"`
	ChargedAmount  decimal.Decimal `json:"charged_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`

	// LockUsed is set once a lock was applied; it stays set after release
	// so that a later charge attempt can be told apart from "never locked".
	LockUsed   bool   `json:"lock_used"`
	ExternalID string `json:"external_id,omitempty"`

	// Version is bumped on every applied change. Stores use it for
	// compare-and-set on save.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a Payment in status NEW. An empty id gets a generated one.
func New(id, backend string, amount decimal.Decimal, currency string) (*Payment, error) {
	backend = strings.TrimSpace(backend)
	if backend == "" {
		return nil, errors.New("payment: backend is required")
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("payment: amount must be positive, got %s", amount)
	}
	if !FitsScale(amount) {
		return nil, fmt.Errorf("payment: amount %s has more than %d decimal places", amount, MaxScale)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("payment: currency must be an ISO 4217 code, got %q", currency)
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Payment{
		ID:        id,
		Backend:   backend,
		Amount:    amount,
		Currency:  currency,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Outstanding is the captured amount not yet refunded.
func (p *Payment) Outstanding() decimal.Decimal {
	return p.ChargedAmount.Sub(p.RefundedAmount)
}

// Clone returns a copy of p.
func (p *Payment) Clone() *Payment {
	cp := *p
	return &cp
}

// Touch records that a change was applied.
func (p *Payment) Touch() {
	p.Version++
	p.UpdatedAt = time.Now().UTC()
}

// Validate checks the amount invariants:
//   - no negative totals, none finer than MaxScale
//   - charged <= locked while a lock backs the charge
//   - refunded <= charged
func (p *Payment) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"locked_amount":   p.LockedAmount,
		"charged_amount":  p.ChargedAmount,
		"refunded_amount": p.RefundedAmount,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s is negative (%s)", ErrInvariant, name, v)
		}
		if !FitsScale(v) {
			return fmt.Errorf("%w: %s has more than %d decimal places (%s)", ErrInvariant, name, MaxScale, v)
		}
	}
	if p.LockUsed && p.Status != StatusReleased && p.ChargedAmount.GreaterThan(p.LockedAmount) {
		return fmt.Errorf("%w: charged_amount %s exceeds locked_amount %s", ErrInvariant, p.ChargedAmount, p.LockedAmount)
	}
	if p.RefundedAmount.GreaterThan(p.ChargedAmount) {
		return fmt.Errorf("%w: refunded_amount %s exceeds charged_amount %s", ErrInvariant, p.RefundedAmount, p.ChargedAmount)
	}
	return nil
}
