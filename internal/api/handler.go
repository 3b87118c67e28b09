package api

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/context"
	"github.com/yourorg/paywall-orchestrator/internal/lock"
	"github.com/yourorg/paywall-orchestrator/internal/logging"
	"github.com/yourorg/paywall-orchestrator/internal/monitor"
	"github.com/yourorg/paywall-orchestrator/internal/orchestrator"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/processor"
	"github.com/yourorg/paywall-orchestrator/internal/reporting"
	"github.com/yourorg/paywall-orchestrator/internal/store"
)

// AttemptHeader lets a caller that retries an operation say which attempt
// this is. It feeds the retry policy.
const AttemptHeader = "X-Paywall-Attempt"

// maxSaveAttempts bounds the reload-and-retry loop on version conflicts.
// Only status reports take that loop.
const maxSaveAttempts = 3

var (
	errSaveConflict = errors.New("payment was modified concurrently")
	// errUnsavedResult means the gateway accepted the operation but the
	// outcome could not be stored. It is logged for reconciliation.
	errUnsavedResult = errors.New("payment was modified concurrently, gateway result not saved")
)

// conflictMode says what mutate does when a save loses a version race.
type conflictMode int

const (
	// conflictFail reports the conflict. Used for operations that move
	// money, which must reach the gateway at most once per request.
	conflictFail conflictMode = iota
	// conflictRetry reloads and reruns the operation. Used for status
	// reports, which resolve to a no-op once the other writer's change is
	// visible.
	conflictRetry
)

// Config holds the collaborators of a Handler.
type Config struct {
	Coordinator *orchestrator.Coordinator
	Registry    *processor.Registry
	Store       store.Store
	// Locker serializes the load, operate, save cycle per payment. It must
	// not be the same key space the coordinator locks on; the handler
	// prefixes its keys.
	Locker  lock.Locker
	Journal *reporting.Journal
	Logger  *zap.Logger
}

// Handler serves the payment endpoints.
type Handler struct {
	coord    *orchestrator.Coordinator
	registry *processor.Registry
	store    store.Store
	locker   lock.Locker
	journal  *reporting.Journal
	reporter *reporting.RetrospectiveReporter
	logger   *zap.Logger

	createContract *monitor.ContractMonitor
	amountContract *monitor.ContractMonitor
}

// NewHandler creates a Handler. Coordinator, Registry and Store are required.
func NewHandler(cfg Config) *Handler {
	if cfg.Coordinator == nil || cfg.Registry == nil || cfg.Store == nil {
		panic("api: coordinator, registry and store are required")
	}
	h := &Handler{
		coord:          cfg.Coordinator,
		registry:       cfg.Registry,
		store:          cfg.Store,
		locker:         cfg.Locker,
		journal:        cfg.Journal,
		reporter:       reporting.NewRetrospectiveReporter(),
		logger:         logging.OrNop(cfg.Logger),
		createContract: monitor.MustContractMonitorFromJSON(monitor.CreatePaymentSchema),
		amountContract: monitor.MustContractMonitorFromJSON(monitor.AmountSchema),
	}
	if h.locker == nil {
		h.locker = lock.NewKeyedMutex()
	}
	if h.journal == nil {
		h.journal = reporting.NewJournal(0)
	}
	return h
}

type createPaymentRequest struct {
	ID          string          `json:"id"`
	Backend     string          `json:"backend"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

type amountRequest struct {
	Amount decimal.NullDecimal `json:"amount"`
}

// OperationResponse is the body returned by the operation endpoints.
type OperationResponse struct {
	Payment     *payment.Payment `json:"payment"`
	Operation   string           `json:"operation"`
	From        payment.Status   `json:"from"`
	To          payment.Status   `json:"to"`
	Changed     bool             `json:"changed"`
	RedirectURL string           `json:"redirect_url,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

func newOperationResponse(res orchestrator.Result) OperationResponse {
	out := OperationResponse{
		Payment:     res.Payment,
		Operation:   res.Operation,
		From:        res.From,
		To:          res.To,
		Changed:     res.Changed,
		RedirectURL: res.RedirectURL,
	}
	if res.Amount.Valid {
		amt := res.Amount.Decimal
		out.Amount = &amt
	}
	return out
}

// ListProcessors returns the registered backends and their descriptors.
func (h *Handler) ListProcessors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"environment": h.registry.Environment(),
		"processors":  h.registry.Backends(),
	})
}

// Retrospective summarizes the journal.
func (h *Handler) Retrospective(c *gin.Context) {
	report, err := h.reporter.GenerateRetrospective(h.journal.Entries())
	if err != nil {
		h.logger.Error("failed to generate retrospective", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// CreatePayment registers a new payment in status NEW.
func (h *Handler) CreatePayment(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	if !h.validate(c, h.createContract, body) {
		return
	}
	var req createPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format: " + err.Error()})
		return
	}

	desc, ok := h.registry.Descriptor(req.Backend)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("backend %q is not registered", req.Backend)})
		return
	}
	p, err := payment.New(req.ID, req.Backend, req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if !desc.AcceptsCurrency(p.Currency) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("backend %q does not accept %s", p.Backend, p.Currency)})
		return
	}
	p.Description = req.Description

	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "payment already exists", "payment_id": p.ID})
			return
		}
		h.logger.Error("failed to store payment", zap.String("payment_id", p.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store payment"})
		return
	}
	h.logger.Info("payment created",
		zap.String("payment_id", p.ID),
		zap.String("backend", p.Backend),
		zap.String("amount", p.Amount.String()),
		zap.String("currency", p.Currency),
	)
	c.JSON(http.StatusCreated, p)
}

// GetPayment returns the stored payment.
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ProcessPayment starts the payment at its backend.
func (h *Handler) ProcessPayment(c *gin.Context) {
	rc, ok := h.requestContext(c)
	if !ok {
		return
	}
	h.operate(c, conflictFail, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.Process(ctx, p, rc)
	})
}

// LockPayment places a hold for the payment amount.
func (h *Handler) LockPayment(c *gin.Context) {
	rc, ok := h.requestContext(c)
	if !ok {
		return
	}
	h.operate(c, conflictFail, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.Lock(ctx, p, rc)
	})
}

// ChargePayment captures a locked payment. The amount defaults to the
// whole lock.
func (h *Handler) ChargePayment(c *gin.Context) {
	req, ok := h.amountBody(c)
	if !ok {
		return
	}
	h.operate(c, conflictFail, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.ChargeLocked(ctx, p, req.Amount)
	})
}

// ReleasePayment cancels a lock.
func (h *Handler) ReleasePayment(c *gin.Context) {
	h.operate(c, conflictFail, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.Release(ctx, p)
	})
}

// RefundPayment returns money to the payer. The amount is required.
func (h *Handler) RefundPayment(c *gin.Context) {
	req, ok := h.amountBody(c)
	if !ok {
		return
	}
	if !req.Amount.Valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount is required"})
		return
	}
	h.operate(c, conflictFail, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.Refund(ctx, p, req.Amount.Decimal)
	})
}

// PollPayment asks the backend for the current status.
func (h *Handler) PollPayment(c *gin.Context) {
	h.operate(c, conflictRetry, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.FetchStatus(ctx, p)
	})
}

// Callback hands a gateway notification to the backend plugin and answers
// with the plugin's acknowledgement.
func (h *Handler) Callback(c *gin.Context) {
	rc, ok := h.requestContext(c)
	if !ok {
		return
	}
	res, err := h.mutate(c, conflictRetry, func(ctx stdcontext.Context, p *payment.Payment) (orchestrator.Result, error) {
		return h.coord.HandleCallback(ctx, p, rc)
	})
	if res.Ack != nil {
		if err != nil {
			h.logger.Warn("callback rejected",
				zap.String("payment_id", c.Param("id")),
				zap.Error(err),
			)
		}
		c.Data(res.Ack.StatusCode, res.Ack.ContentType, res.Ack.Body)
		return
	}
	if err != nil {
		h.writeError(c, err, res.Payment)
		return
	}
	c.JSON(http.StatusOK, newOperationResponse(res))
}

func (h *Handler) operate(c *gin.Context, mode conflictMode, op func(stdcontext.Context, *payment.Payment) (orchestrator.Result, error)) {
	attempt, ok := attemptNumber(c)
	if !ok {
		return
	}
	if attempt > 0 {
		c.Request = c.Request.WithContext(orchestrator.WithAttempt(c.Request.Context(), attempt))
	}
	res, err := h.mutate(c, mode, op)
	if err != nil {
		h.writeError(c, err, res.Payment)
		return
	}
	c.JSON(http.StatusOK, newOperationResponse(res))
}

// mutate runs op on a freshly loaded payment and saves the result. When the
// save loses a version race, conflictRetry reloads and reruns op, and
// conflictFail logs the unsaved outcome and returns errUnsavedResult
// without calling the gateway again.
func (h *Handler) mutate(c *gin.Context, mode conflictMode, op func(stdcontext.Context, *payment.Payment) (orchestrator.Result, error)) (orchestrator.Result, error) {
	ctx := c.Request.Context()
	id := c.Param("id")

	release, err := h.locker.Acquire(ctx, "api:"+id)
	if err != nil {
		return orchestrator.Result{}, err
	}
	defer release()

	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		p, err := h.store.Get(ctx, id)
		if err != nil {
			return orchestrator.Result{}, err
		}
		loaded := p.Version

		res, opErr := op(ctx, p)
		if p.Version == loaded {
			return res, opErr
		}
		err = h.store.Save(ctx, p, loaded)
		if err == nil {
			return res, opErr
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return res, err
		}
		if mode == conflictFail {
			h.logUnsaved(p, res, opErr)
			return orchestrator.Result{}, errUnsavedResult
		}
		h.logger.Warn("payment version conflict, reloading",
			zap.String("payment_id", id),
			zap.Int("attempt", attempt),
		)
	}
	return orchestrator.Result{}, errSaveConflict
}

// logUnsaved records an outcome the gateway may already have acted on but
// the store rejected, so it can be reconciled by hand.
func (h *Handler) logUnsaved(p *payment.Payment, res orchestrator.Result, opErr error) {
	fields := []zap.Field{
		zap.String("payment_id", p.ID),
		zap.String("backend", p.Backend),
		zap.String("operation", res.Operation),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
		zap.String("external_id", p.ExternalID),
		zap.String("locked_amount", p.LockedAmount.String()),
		zap.String("charged_amount", p.ChargedAmount.String()),
		zap.String("refunded_amount", p.RefundedAmount.String()),
		zap.Int64("version", p.Version),
	}
	if res.Amount.Valid {
		fields = append(fields, zap.String("amount", res.Amount.Decimal.String()))
	}
	if opErr != nil {
		fields = append(fields, zap.NamedError("operation_error", opErr))
	}
	h.logger.Error("gateway result not saved, needs reconciliation", fields...)
}

func (h *Handler) validate(c *gin.Context, cm *monitor.ContractMonitor, body []byte) bool {
	valid, violations, err := cm.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format: " + err.Error()})
		return false
	}
	if !valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": monitor.FormatErrors(violations), "violations": violations})
		return false
	}
	return true
}

func (h *Handler) amountBody(c *gin.Context) (amountRequest, bool) {
	var req amountRequest
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return req, false
	}
	if len(body) == 0 {
		return req, true
	}
	if !h.validate(c, h.amountContract, body) {
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format: " + err.Error()})
		return req, false
	}
	return req, true
}

func (h *Handler) requestContext(c *gin.Context) (*context.RequestContext, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	rc := context.FromHTTPRequest(c.Request, body)
	if c.ContentType() == gin.MIMEPOSTForm {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form body"})
			return nil, false
		}
		for k, vs := range form {
			rc.Form[k] = append(rc.Form[k], vs...)
		}
	}
	attempt, ok := attemptNumber(c)
	if !ok {
		return nil, false
	}
	rc.Attempt = attempt
	return rc, true
}

// attemptNumber reads AttemptHeader. It is 0 when the header is absent and
// answers 400 when the header is malformed.
func attemptNumber(c *gin.Context) (int, bool) {
	v := c.GetHeader(AttemptHeader)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": AttemptHeader + " must be a positive integer"})
		return 0, false
	}
	return n, true
}
