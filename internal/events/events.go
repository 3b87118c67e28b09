// Package events publishes applied payment status transitions.
package events

import (
	stdcontext "context"
	"time"
)

// TransitionEvent describes one applied change of a payment.
type TransitionEvent struct {
	PaymentID      string    `json:"payment_id"`
	Backend        string    `json:"backend"`
	Operation      string    `json:"operation"`
	State          string    `json:"state"`
	PreviousState  string    `json:"previous_state"`
	LockedAmount   string    `json:"locked_amount"`
	ChargedAmount  string    `json:"charged_amount"`
	RefundedAmount string    `json:"refunded_amount"`
	Version        int64     `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher delivers transition events. Delivery failures are reported but
// never undo the transition.
type Publisher interface {
	Publish(ctx stdcontext.Context, event TransitionEvent) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(stdcontext.Context, TransitionEvent) error { return nil }
func (NoopPublisher) Close() error                                      { return nil }
