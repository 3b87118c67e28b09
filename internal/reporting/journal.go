package reporting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Entry outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeNoop    = "NOOP"
	OutcomeFailure = "FAILURE"
)

// Entry records one coordinator operation on a payment.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	PaymentID string    `json:"payment_id"`
	Backend   string    `json:"backend"`
	Operation string    `json:"operation"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Outcome   string    `json:"outcome"`
	ErrorKind string    `json:"error_kind,omitempty"`
	// Amount is the money moved by the operation: locked, charged or
	// refunded depending on the target status.
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

const defaultJournalCapacity = 10000

// Journal keeps the most recent entries in memory.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	capacity int
}

// NewJournal creates a journal holding up to capacity entries; older ones
// are overwritten. A non-positive capacity means 10000.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = defaultJournalCapacity
	}
	return &Journal{entries: make([]Entry, capacity), capacity: capacity}
}

func (j *Journal) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % j.capacity
	if j.next == 0 {
		j.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if !j.full {
		return append([]Entry(nil), j.entries[:j.next]...)
	}
	out := make([]Entry, 0, j.capacity)
	out = append(out, j.entries[j.next:]...)
	return append(out, j.entries[:j.next]...)
}
