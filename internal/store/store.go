// Package store persists payments between requests. Saves are
// compare-and-set on Payment.Version so that two writers working from the
// same snapshot cannot both win.
package store

import (
	stdcontext "context"
	"errors"

	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

var (
	ErrNotFound        = errors.New("payment not found")
	ErrAlreadyExists   = errors.New("payment already exists")
	ErrVersionConflict = errors.New("payment version conflict")
)

// Store is the payment repository consumed by the HTTP layer.
type Store interface {
	Create(ctx stdcontext.Context, p *payment.Payment) error
	Get(ctx stdcontext.Context, id string) (*payment.Payment, error)
	// Save writes p if the stored version still equals expectedVersion.
	Save(ctx stdcontext.Context, p *payment.Payment, expectedVersion int64) error
}
