package stripe

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "Stripe-Signature"

// signatureTolerance bounds how old a signed timestamp may be.
const signatureTolerance = webhook.DefaultTolerance

var errForeignEvent = errors.New("stripe: event belongs to another payment")

// verifySignature checks a "t=...,v1=...,v1=..." header against payload.
func verifySignature(header string, payload []byte, secret string) error {
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, signatureTolerance); err != nil {
		return fmt.Errorf("stripe: %w", err)
	}
	return nil
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	AmountCaptured int64             `json:"amount_captured"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Metadata       map[string]string `json:"metadata"`
}

func belongsTo(p payment.Payment, objectID string, metadata map[string]string) bool {
	if id, ok := metadata["payment_id"]; ok && id != "" {
		return id == p.ID
	}
	return p.ExternalID != "" && objectID == p.ExternalID
}

func webhookAck(status int, body string) adapter.Acknowledgement {
	return adapter.Acknowledgement{StatusCode: status, ContentType: "application/json", Body: []byte(body)}
}

func rejectWebhook(err error) (adapter.CallbackOutcome, error) {
	return adapter.CallbackOutcome{Ack: webhookAck(400, `{"received":false}`)},
		fmt.Errorf("%w: %v", adapter.ErrInvalidCallback, err)
}

// HandleCallback verifies and interprets a webhook event. Event types that
// carry no payment state are acknowledged and report the current status.
func (s *StripeAdapter) HandleCallback(_ stdcontext.Context, p payment.Payment, rc *context.RequestContext) (adapter.CallbackOutcome, error) {
	if s.setupErr != nil {
		return adapter.CallbackOutcome{}, s.setupErr
	}
	secret, err := s.settings.RequireString("webhook_secret")
	if err != nil {
		return adapter.CallbackOutcome{}, err
	}
	if rc == nil {
		return rejectWebhook(webhook.ErrNotSigned)
	}
	if err := verifySignature(rc.Header.Get(SignatureHeader), rc.Body, secret); err != nil {
		return rejectWebhook(err)
	}

	var ev event
	if err := json.Unmarshal(rc.Body, &ev); err != nil {
		return rejectWebhook(err)
	}

	report, err := eventReport(ev, p)
	if err != nil {
		return rejectWebhook(err)
	}
	s.logger.Debug("stripe webhook accepted",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("payment_id", p.ID),
	)
	return adapter.CallbackOutcome{Report: report, Ack: webhookAck(200, `{"received":true}`)}, nil
}

func eventReport(ev event, p payment.Payment) (adapter.StatusReport, error) {
	unchanged := adapter.StatusReport{Status: p.Status}

	switch ev.Type {
	case "payment_intent.succeeded",
		"payment_intent.amount_capturable_updated",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var pi paymentIntent
		if err := json.Unmarshal(ev.Data.Object, &pi); err != nil {
			return unchanged, err
		}
		if !belongsTo(p, pi.ID, pi.Metadata) {
			return unchanged, errForeignEvent
		}
		switch ev.Type {
		case "payment_intent.succeeded":
			return adapter.StatusReport{Status: payment.StatusCharged, Amount: decimal.NewNullDecimal(fromMinor(pi.AmountReceived))}, nil
		case "payment_intent.amount_capturable_updated":
			return adapter.StatusReport{Status: payment.StatusLocked, Amount: decimal.NewNullDecimal(fromMinor(pi.AmountCapturable))}, nil
		case "payment_intent.payment_failed":
			return adapter.StatusReport{Status: payment.StatusFailed}, nil
		default:
			return intentReport(pi, p.LockUsed), nil
		}

	case "charge.refunded":
		var ch charge
		if err := json.Unmarshal(ev.Data.Object, &ch); err != nil {
			return unchanged, err
		}
		if !belongsTo(p, ch.PaymentIntent, ch.Metadata) {
			return unchanged, errForeignEvent
		}
		status := payment.StatusPartiallyRefunded
		if ch.Refunded || ch.AmountRefunded >= ch.AmountCaptured {
			status = payment.StatusRefunded
		}
		return adapter.StatusReport{Status: status, Amount: decimal.NewNullDecimal(fromMinor(ch.AmountRefunded))}, nil
	}
	return unchanged, nil
}
