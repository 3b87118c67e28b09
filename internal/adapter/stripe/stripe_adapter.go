// Package stripe is the paywall plugin for Stripe PaymentIntents.
package stripe

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/adapter"
	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
)

// Slug is the plugin type name used in configuration.
const Slug = "stripe"

const (
	stripeAPIBaseURL     = "https://api.stripe.com/v1"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond
	defaultTimeout       = 10 * time.Second
)

func descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Slug:                  Slug,
		DisplayName:           "Stripe",
		AcceptedCurrencies:    []string{"EUR", "GBP", "PLN", "USD"},
		LogoURL:               "https://stripe.com/img/v3/home/twitter.png",
		SupportsLock:          true,
		SupportsPartialRefund: true,
		SupportsRefund:        true,
		SupportsCallback:      true,
		// Stripe serves test and live mode from one host; the API key picks the mode.
		ProductionURL: "https://api.stripe.com/",
		SandboxURL:    "https://api.stripe.com/",
		OKStatuses:    []int{http.StatusOK},
	}
}

// StripeAdapter implements adapter.Processor for Stripe.
type StripeAdapter struct {
	httpClient *http.Client
	apiBaseURL string // Allow overriding for testing
	settings   adapter.Settings
	logger     *zap.Logger
	retryDelay time.Duration
	// setupErr is a settings problem found at construction; every call reports it.
	setupErr error
}

// NewFactory returns the registry factory for Stripe backends.
func NewFactory() processor.Factory {
	return func(deps processor.Dependencies) (adapter.Processor, error) {
		return NewStripeAdapter(deps), nil
	}
}

// NewStripeAdapter creates a new StripeAdapter. The "timeout" setting
// bounds every HTTP call; "api_base_url" points the adapter elsewhere.
func NewStripeAdapter(deps processor.Dependencies) *StripeAdapter {
	baseURL := strings.TrimSpace(deps.Settings.String("api_base_url", ""))
	if baseURL == "" {
		baseURL = stripeAPIBaseURL
	}
	s := &StripeAdapter{
		apiBaseURL: strings.TrimSuffix(baseURL, "/"),
		settings:   deps.Settings,
		logger:     logging.OrNop(deps.Logger),
		retryDelay: defaultRetryDelay,
	}

	timeout, err := deps.Settings.Duration("timeout", defaultTimeout)
	if err != nil {
		s.setupErr = err
		timeout = defaultTimeout
	}
	client := http.Client{}
	if deps.HTTPClient != nil {
		client = *deps.HTTPClient
	}
	client.Timeout = timeout
	s.httpClient = &client
	return s
}

// Descriptor implements adapter.Processor.
func (s *StripeAdapter) Descriptor() adapter.Descriptor {
	return descriptor()
}

// generateIdempotencyKey derives the Idempotency-Key of one logical
// operation. Retries of that operation, in this process or after a restart,
// reuse the key so Stripe applies it once.
func generateIdempotencyKey(paymentID, operation string, parts ...string) string {
	key := strings.Join(append([]string{"paywall", paymentID, operation}, parts...), "-")
	if len(key) > 255 { // Stripe max length for idempotency key
		return key[:255]
	}
	return key
}

// StripeErrorResponse represents the error structure from Stripe API
type StripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"` // e.g., "card_declined"
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"` // e.g. "insufficient_funds"
	} `json:"error"`
}

// APIError is a non-retryable error answer from Stripe.
type APIError struct {
	StatusCode  int
	Type        string
	Code        string
	DeclineCode string
	Message     string
}

func (e *APIError) Error() string {
	code := e.Code
	if e.DeclineCode != "" {
		code = e.DeclineCode
	}
	return fmt.Sprintf("stripe: HTTP %d %s (%s): %s", e.StatusCode, e.Type, code, e.Message)
}

// Unwrap classifies the error: rejected credentials are a configuration
// problem, everything else a gateway failure.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return adapter.ErrConfiguration
	}
	return adapter.ErrGateway
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var resp StripeErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		apiErr.Type = resp.Error.Type
		apiErr.Code = resp.Error.Code
		apiErr.DeclineCode = resp.Error.DeclineCode
		apiErr.Message = resp.Error.Message
		return apiErr
	}
	apiErr.Type = "http_error"
	apiErr.Code = fmt.Sprintf("STRIPE_HTTP_%d", status)
	apiErr.Message = string(body)
	return apiErr
}

// do sends one API request and returns the body of a 2xx answer.
func (s *StripeAdapter) do(ctx stdcontext.Context, method, path string, form url.Values, idempotencyKey string) ([]byte, error) {
	_, body, err := s.send(ctx, method, path, form, idempotencyKey)
	return body, err
}

// create sends a payment intent creation and only accepts the answer when
// its HTTP status is one the descriptor lists as a successful creation.
func (s *StripeAdapter) create(ctx stdcontext.Context, form url.Values, idempotencyKey string) ([]byte, error) {
	status, body, err := s.send(ctx, http.MethodPost, "/payment_intents", form, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !s.Descriptor().IsOKStatus(status) {
		return nil, fmt.Errorf("%w: stripe: payment intent creation answered HTTP %d: %s", adapter.ErrGateway, status, string(body))
	}
	return body, nil
}

// send performs the request. Network errors, 429 and 5xx answers are
// retried with the same idempotency key; other answers are final.
func (s *StripeAdapter) send(ctx stdcontext.Context, method, path string, form url.Values, idempotencyKey string) (int, []byte, error) {
	if s.setupErr != nil {
		return 0, nil, s.setupErr
	}
	apiKey, err := s.settings.RequireString("api_key")
	if err != nil {
		return 0, nil, err
	}

	var requestBody []byte
	if form != nil && method != http.MethodGet {
		requestBody = []byte(form.Encode())
	}
	endpoint := s.apiBaseURL + path
	if form != nil && method == http.MethodGet {
		endpoint += "?" + form.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= defaultRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, fmt.Errorf("stripe: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(s.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(requestBody))
		if err != nil {
			return 0, nil, fmt.Errorf("stripe: failed to create http request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		if requestBody != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, doErr := s.httpClient.Do(req)
		if doErr != nil {
			lastErr = fmt.Errorf("%w: stripe: http client error on attempt %d: %v", adapter.ErrGateway, attempt+1, doErr)
			continue // Retry network/client errors
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("%w: stripe: failed to read response body: %v", adapter.ErrGateway, readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("%w: stripe: received HTTP %d (attempt %d): %s", adapter.ErrGateway, resp.StatusCode, attempt+1, string(body))
			s.logger.Debug("retrying stripe request",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			continue
		default:
			return resp.StatusCode, nil, parseAPIError(resp.StatusCode, body)
		}
	}
	return 0, nil, fmt.Errorf("stripe: API request failed after retries: %w", lastErr)
}

type paymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	CaptureMethod    string            `json:"capture_method"`
	Metadata         map[string]string `json:"metadata"`
	NextAction       *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

func (pi paymentIntent) redirectURL() string {
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		return pi.NextAction.RedirectToURL.URL
	}
	return ""
}

type refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type refundList struct {
	Data    []refund `json:"data"`
	HasMore bool     `json:"has_more"`
}

// toMinor converts an amount to the currency's minor unit.
func toMinor(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("stripe: amount %s has sub-cent precision", amount)
	}
	return minor.IntPart(), nil
}

func fromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

func (s *StripeAdapter) intentForm(p payment.Payment, captureMethod string) (url.Values, error) {
	amount, err := toMinor(p.Amount)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("currency", strings.ToLower(p.Currency))
	form.Set("capture_method", captureMethod)
	form.Set("metadata[payment_id]", p.ID)
	form.Set("automatic_payment_methods[enabled]", "true")
	if p.Description != "" {
		form.Set("description", p.Description)
	}
	if returnURL := s.settings.String("return_url", ""); returnURL != "" {
		form.Set("return_url", returnURL)
	}
	return form, nil
}

func (s *StripeAdapter) decodeIntent(body []byte) (paymentIntent, error) {
	var pi paymentIntent
	if err := json.Unmarshal(body, &pi); err != nil {
		return pi, fmt.Errorf("%w: stripe: malformed payment intent: %v", adapter.ErrGateway, err)
	}
	if pi.ID == "" {
		return pi, fmt.Errorf("%w: stripe: payment intent without id", adapter.ErrGateway)
	}
	return pi, nil
}

func (s *StripeAdapter) redirectFor(pi paymentIntent) string {
	if u := pi.redirectURL(); u != "" {
		return u
	}
	returnURL := s.settings.String("return_url", "")
	if returnURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "payment_intent=" + url.QueryEscape(pi.ID)
}

// ProcessPayment creates an automatically captured PaymentIntent.
func (s *StripeAdapter) ProcessPayment(ctx stdcontext.Context, p payment.Payment, _ *context.RequestContext) (adapter.Initiation, error) {
	form, err := s.intentForm(p, "automatic")
	if err != nil {
		return adapter.Initiation{}, err
	}
	body, err := s.create(ctx, form, generateIdempotencyKey(p.ID, "process"))
	if err != nil {
		return adapter.Initiation{}, err
	}
	pi, err := s.decodeIntent(body)
	if err != nil {
		return adapter.Initiation{}, err
	}
	return adapter.Initiation{RedirectURL: s.redirectFor(pi), ExternalID: pi.ID, Raw: body}, nil
}

// Lock switches the payment's intent to manual capture, creating one when
// the payment has none yet.
func (s *StripeAdapter) Lock(ctx stdcontext.Context, p payment.Payment, _ *context.RequestContext) (adapter.LockResult, error) {
	var (
		body []byte
		err  error
	)
	if p.ExternalID == "" {
		form, ferr := s.intentForm(p, "manual")
		if ferr != nil {
			return adapter.LockResult{}, ferr
		}
		body, err = s.create(ctx, form, generateIdempotencyKey(p.ID, "lock"))
	} else {
		form := url.Values{}
		form.Set("capture_method", "manual")
		body, err = s.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(p.ExternalID), form, generateIdempotencyKey(p.ID, "lock", p.ExternalID))
	}
	if err != nil {
		return adapter.LockResult{}, err
	}
	pi, err := s.decodeIntent(body)
	if err != nil {
		return adapter.LockResult{}, err
	}

	res := adapter.LockResult{RedirectURL: s.redirectFor(pi), RawResponse: body, ExternalID: pi.ID}
	if pi.AmountCapturable > 0 {
		res.LockedAmount = decimal.NewNullDecimal(fromMinor(pi.AmountCapturable))
	}
	return res, nil
}

// ChargeLocked captures the authorized intent.
func (s *StripeAdapter) ChargeLocked(ctx stdcontext.Context, p payment.Payment, amount decimal.NullDecimal) (decimal.Decimal, error) {
	form := url.Values{}
	if amount.Valid {
		minor, err := toMinor(amount.Decimal)
		if err != nil {
			return decimal.Zero, err
		}
		form.Set("amount_to_capture", strconv.FormatInt(minor, 10))
	}
	body, err := s.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(p.ExternalID)+"/capture", form,
		generateIdempotencyKey(p.ID, "capture", form.Get("amount_to_capture")))
	if err != nil {
		return decimal.Zero, err
	}
	pi, err := s.decodeIntent(body)
	if err != nil {
		return decimal.Zero, err
	}
	return fromMinor(pi.AmountReceived), nil
}

// Release cancels the authorized intent.
func (s *StripeAdapter) Release(ctx stdcontext.Context, p payment.Payment) (decimal.Decimal, error) {
	form := url.Values{}
	form.Set("cancellation_reason", "abandoned")
	body, err := s.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(p.ExternalID)+"/cancel", form, generateIdempotencyKey(p.ID, "cancel"))
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := s.decodeIntent(body); err != nil {
		return decimal.Zero, err
	}
	return p.LockedAmount, nil
}

// Refund creates a refund against the intent. The idempotency key includes
// the refunded total so each logical refund is applied once.
func (s *StripeAdapter) Refund(ctx stdcontext.Context, p payment.Payment, amount decimal.Decimal) (decimal.Decimal, error) {
	minor, err := toMinor(amount)
	if err != nil {
		return decimal.Zero, err
	}
	form := url.Values{}
	form.Set("payment_intent", p.ExternalID)
	form.Set("amount", strconv.FormatInt(minor, 10))
	form.Set("metadata[payment_id]", p.ID)

	body, err := s.do(ctx, http.MethodPost, "/refunds", form,
		generateIdempotencyKey(p.ID, "refund", p.RefundedAmount.String(), amount.String()))
	if err != nil {
		return decimal.Zero, err
	}
	var r refund
	if err := json.Unmarshal(body, &r); err != nil {
		return decimal.Zero, fmt.Errorf("%w: stripe: malformed refund: %v", adapter.ErrGateway, err)
	}
	if r.Status == "failed" || r.Status == "canceled" {
		return decimal.Zero, fmt.Errorf("%w: stripe: refund %s %s", adapter.ErrGateway, r.ID, r.Status)
	}
	return fromMinor(r.Amount), nil
}

// FetchPaymentStatus reads the intent and, once it succeeded, its refunds.
func (s *StripeAdapter) FetchPaymentStatus(ctx stdcontext.Context, p payment.Payment) (adapter.StatusReport, error) {
	if p.ExternalID == "" {
		return adapter.StatusReport{Status: payment.StatusNew}, nil
	}
	body, err := s.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(p.ExternalID), nil, "")
	if err != nil {
		return adapter.StatusReport{}, err
	}
	pi, err := s.decodeIntent(body)
	if err != nil {
		return adapter.StatusReport{}, err
	}

	report := intentReport(pi, p.LockUsed)
	if pi.Status != "succeeded" {
		return report, nil
	}

	q := url.Values{}
	q.Set("payment_intent", pi.ID)
	q.Set("limit", "100")
	body, err = s.do(ctx, http.MethodGet, "/refunds", q, "")
	if err != nil {
		return adapter.StatusReport{}, err
	}
	var refunds refundList
	if err := json.Unmarshal(body, &refunds); err != nil {
		return adapter.StatusReport{}, fmt.Errorf("%w: stripe: malformed refund list: %v", adapter.ErrGateway, err)
	}
	var refunded int64
	for _, r := range refunds.Data {
		if r.Status == "succeeded" || r.Status == "pending" {
			refunded += r.Amount
		}
	}
	return refundReport(pi.AmountReceived, refunded, report), nil
}

// intentReport maps a PaymentIntent status onto the lifecycle.
func intentReport(pi paymentIntent, lockUsed bool) adapter.StatusReport {
	switch pi.Status {
	case "requires_capture":
		return adapter.StatusReport{Status: payment.StatusLocked, Amount: decimal.NewNullDecimal(fromMinor(pi.AmountCapturable))}
	case "succeeded":
		return adapter.StatusReport{Status: payment.StatusCharged, Amount: decimal.NewNullDecimal(fromMinor(pi.AmountReceived))}
	case "canceled":
		if lockUsed {
			return adapter.StatusReport{Status: payment.StatusReleased}
		}
		return adapter.StatusReport{Status: payment.StatusFailed}
	default:
		// requires_payment_method, requires_confirmation, requires_action, processing
		return adapter.StatusReport{Status: payment.StatusPending}
	}
}

// refundReport upgrades a charged report once refunds exist.
func refundReport(received, refunded int64, charged adapter.StatusReport) adapter.StatusReport {
	switch {
	case refunded <= 0:
		return charged
	case refunded >= received:
		return adapter.StatusReport{Status: payment.StatusRefunded, Amount: decimal.NewNullDecimal(fromMinor(refunded))}
	default:
		return adapter.StatusReport{Status: payment.StatusPartiallyRefunded, Amount: decimal.NewNullDecimal(fromMinor(refunded))}
	}
}
