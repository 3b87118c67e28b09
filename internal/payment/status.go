package payment

import "fmt"

// Status is the lifecycle state of a Payment.
type Status string

const (
	StatusNew               Status = "NEW"
	StatusPending           Status = "PENDING"
	StatusLocked            Status = "LOCKED"
	StatusCharged           Status = "CHARGED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusRefunded          Status = "REFUNDED"
	StatusFailed            Status = "FAILED"
	StatusReleased          Status = "RELEASED"
)

// rank is the natural ordering used for duplicate detection.
// FAILED and RELEASED sit outside the ordering.
var rank = map[Status]int{
	StatusNew:               0,
	StatusPending:           1,
	StatusLocked:            2,
	StatusCharged:           3,
	StatusPartiallyRefunded: 4,
	StatusRefunded:          5,
}

// edges lists every legal forward transition. Any non-terminal state may
// also move to FAILED; that edge is handled in CanTransitionTo.
var edges = map[Status][]Status{
	StatusNew:               {StatusPending},
	StatusPending:           {StatusLocked, StatusCharged},
	StatusLocked:            {StatusCharged, StatusReleased},
	StatusCharged:           {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
}

// ParseStatus converts a string into a known Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("payment: unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusPending, StatusLocked, StatusCharged,
		StatusPartiallyRefunded, StatusRefunded, StatusFailed, StatusReleased:
		return true
	}
	return false
}

// IsTerminal returns true for REFUNDED, FAILED and RELEASED.
func (s Status) IsTerminal() bool {
	return s == StatusRefunded || s == StatusFailed || s == StatusReleased
}

// Rank returns the position of s in the natural ordering
// NEW<PENDING<LOCKED<CHARGED<PARTIALLY_REFUNDED<REFUNDED.
// ok is false for statuses outside the ordering.
func (s Status) Rank() (r int, ok bool) {
	r, ok = rank[s]
	return r, ok
}

// Precedes reports whether s comes strictly before other in the natural ordering.
func (s Status) Precedes(other Status) bool {
	a, okA := s.Rank()
	b, okB := other.Rank()
	return okA && okB && a < b
}

// CanTransitionTo reports whether the state machine has an edge from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	if target == StatusFailed {
		return true
	}
	for _, next := range edges[s] {
		if next == target {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
