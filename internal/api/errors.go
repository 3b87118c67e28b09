package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/lock"
	"github.com/yourorg/paywall-orchestrator/internal/orchestrator"
	"github.com/yourorg/paywall-orchestrator/internal/payment"
	"github.com/yourorg/paywall-orchestrator/internal/store"
)

// defaultRetryAfterSeconds is advertised on retryable failures whose
// policy gave no wait hint.
const defaultRetryAfterSeconds = 5

// StatusForKind maps an error kind onto an HTTP status.
func StatusForKind(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindUnsupported:
		return http.StatusNotImplemented
	case orchestrator.KindConfiguration:
		return http.StatusInternalServerError
	case orchestrator.KindGateway:
		return http.StatusBadGateway
	case orchestrator.KindIntegrity, orchestrator.KindInvalidTransition:
		return http.StatusConflict
	case orchestrator.KindInputConstraint:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error, p *payment.Payment) {
	body := gin.H{"error": err.Error()}
	if p != nil {
		body["payment"] = p
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found", "payment_id": c.Param("id")})
		return
	case errors.Is(err, errSaveConflict), errors.Is(err, errUnsavedResult):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "payment_id": c.Param("id")})
		return
	case errors.Is(err, lock.ErrNotAcquired):
		c.JSON(http.StatusConflict, gin.H{"error": "payment busy", "payment_id": c.Param("id")})
		return
	}

	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		h.logger.Error("unclassified operation failure", zap.String("payment_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	status := StatusForKind(oe.Kind)
	body["kind"] = oe.Kind
	body["retryable"] = oe.Retryable
	if oe.Retryable {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(oe.RetryAfter)))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("operation failed",
			zap.String("payment_id", oe.PaymentID),
			zap.String("backend", oe.Backend),
			zap.String("operation", oe.Op),
			zap.String("error_kind", string(oe.Kind)),
			zap.Error(err),
		)
	}
	c.JSON(status, body)
}

// retryAfterSeconds rounds a wait hint up to whole seconds.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return defaultRetryAfterSeconds
	}
	return int(math.Ceil(d.Seconds()))
}
