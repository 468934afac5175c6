package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xipher/internal/infrastructure/monitoring"
)

// HealthHandler serves liveness, readiness and metrics.
type HealthHandler struct {
	checker   *monitoring.HealthChecker
	gatherer  prometheus.Gatherer
	startedAt time.Time
}

// NewHealthHandler builds the handler. A nil gatherer disables /metrics.
func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{checker: checker, gatherer: gatherer, startedAt: time.Now()}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startedAt).String(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
