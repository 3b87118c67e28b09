// Package api exposes the lifecycle coordinator over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ServiceName names the service in spans and health responses.
const ServiceName = "paywall-orchestrator"

// NewRouter builds the gin engine. gatherer backs /metrics; nil means the
// default Prometheus registry.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *gin.Engine {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(ServiceName))
	r.Use(requestLogger(h.logger))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
	})

	h.Register(r)
	return r
}

// Register mounts the payment routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/processors", h.ListProcessors)
	r.GET("/reports/retrospective", h.Retrospective)

	payments := r.Group("/payments")
	payments.POST("", h.CreatePayment)
	payments.GET("/:id", h.GetPayment)
	payments.POST("/:id/process", h.ProcessPayment)
	payments.POST("/:id/lock", h.LockPayment)
	payments.POST("/:id/charge", h.ChargePayment)
	payments.POST("/:id/release", h.ReleasePayment)
	payments.POST("/:id/refund", h.RefundPayment)
	payments.POST("/:id/callback", h.Callback)
	payments.POST("/:id/poll", h.PollPayment)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		logger.Info("HTTP request", fields...)
	}
}
