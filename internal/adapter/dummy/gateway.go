package dummy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
)

// Transaction states as the simulated gateway names them.
const (
	TxPending           = "pending"
	TxAuthorized        = "authorized"
	TxPaid              = "paid"
	TxPartiallyRefunded = "partially_refunded"
	TxRefunded          = "refunded"
	TxVoided            = "voided"
	TxFailed            = "failed"
)

var (
	// ErrUnknownTransaction is returned for external ids the gateway never issued.
	ErrUnknownTransaction = errors.New("dummy gateway: unknown transaction")
	// ErrRejected is returned when the gateway refuses an operation in the
	// transaction's current state.
	ErrRejected = errors.New("dummy gateway: operation rejected")
)

// Transaction is the gateway-side record of one payment.
type Transaction struct {
	ID         string
	PaymentID  string
	Amount     decimal.Decimal
	Currency   string
	State      string
	Authorized decimal.Decimal
	Captured   decimal.Decimal
	Refunded   decimal.Decimal
}

// Gateway is an in-process stand-in for a remote paywall. Plugin instances
// share one Gateway; it is safe for concurrent use.
type Gateway struct {
	mu   sync.Mutex
	txs  map[string]*Transaction
	down bool
}

// NewGateway returns an empty, reachable gateway.
func NewGateway() *Gateway {
	return &Gateway{txs: make(map[string]*Transaction)}
}

// SetDown makes every subsequent call fail with adapter.ErrGateway until
// called again with false.
func (g *Gateway) SetDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

// caller holds g.mu.
func (g *Gateway) lookup(id string) (*Transaction, error) {
	if g.down {
		return nil, fmt.Errorf("%w: dummy gateway unreachable", adapter.ErrGateway)
	}
	tx, ok := g.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransaction, id)
	}
	return tx, nil
}

// Create opens a transaction for paymentID, or returns the open one when
// the payment already has a transaction. The second result reports whether
// a new transaction was created.
func (g *Gateway) Create(externalID, paymentID string, amount decimal.Decimal, currency string) (Transaction, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return Transaction{}, false, fmt.Errorf("%w: dummy gateway unreachable", adapter.ErrGateway)
	}
	if externalID != "" {
		if tx, ok := g.txs[externalID]; ok {
			return *tx, false, nil
		}
	}
	tx := &Transaction{
		ID:        "dmy_" + uuid.NewString(),
		PaymentID: paymentID,
		Amount:    amount,
		Currency:  currency,
		State:     TxPending,
	}
	g.txs[tx.ID] = tx
	return *tx, true, nil
}

// Get returns a copy of the transaction.
func (g *Gateway) Get(id string) (Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, err := g.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	return *tx, nil
}

// Pay simulates the customer completing the payment page: the full amount
// is captured.
func (g *Gateway) Pay(id string) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxPending {
			return fmt.Errorf("%w: pay in state %s", ErrRejected, tx.State)
		}
		tx.Captured = tx.Amount
		tx.State = TxPaid
		return nil
	})
}

// Decline simulates the customer's payment being refused.
func (g *Gateway) Decline(id string) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxPending && tx.State != TxAuthorized {
			return fmt.Errorf("%w: decline in state %s", ErrRejected, tx.State)
		}
		tx.State = TxFailed
		return nil
	})
}

// Authorize places a hold for the full transaction amount.
func (g *Gateway) Authorize(id string) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxPending {
			return fmt.Errorf("%w: authorize in state %s", ErrRejected, tx.State)
		}
		tx.Authorized = tx.Amount
		tx.State = TxAuthorized
		return nil
	})
}

// Capture takes amount of the hold, all of it when amount is unset.
func (g *Gateway) Capture(id string, amount decimal.NullDecimal) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxAuthorized {
			return fmt.Errorf("%w: capture in state %s", ErrRejected, tx.State)
		}
		take := tx.Authorized
		if amount.Valid {
			take = amount.Decimal
		}
		if !take.IsPositive() || take.GreaterThan(tx.Authorized) {
			return fmt.Errorf("%w: capture %s of a %s hold", ErrRejected, take, tx.Authorized)
		}
		tx.Captured = take
		tx.State = TxPaid
		return nil
	})
}

// Void drops the hold.
func (g *Gateway) Void(id string) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxAuthorized {
			return fmt.Errorf("%w: void in state %s", ErrRejected, tx.State)
		}
		tx.State = TxVoided
		return nil
	})
}

// Refund returns amount of the captured funds.
func (g *Gateway) Refund(id string, amount decimal.Decimal) (Transaction, error) {
	return g.mutate(id, func(tx *Transaction) error {
		if tx.State != TxPaid && tx.State != TxPartiallyRefunded {
			return fmt.Errorf("%w: refund in state %s", ErrRejected, tx.State)
		}
		left := tx.Captured.Sub(tx.Refunded)
		if !amount.IsPositive() || amount.GreaterThan(left) {
			return fmt.Errorf("%w: refund %s with %s left", ErrRejected, amount, left)
		}
		tx.Refunded = tx.Refunded.Add(amount)
		if tx.Refunded.Equal(tx.Captured) {
			tx.State = TxRefunded
		} else {
			tx.State = TxPartiallyRefunded
		}
		return nil
	})
}

func (g *Gateway) mutate(id string, fn func(tx *Transaction) error) (Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, err := g.lookup(id)
	if err != nil {
		return Transaction{}, err
	}
	next := *tx
	if err := fn(&next); err != nil {
		return *tx, err
	}
	*tx = next
	return next, nil
}
