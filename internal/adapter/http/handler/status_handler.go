package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SharesDAO/DCA-Trader/internal/core/ports"
	"github.com/SharesDAO/DCA-Trader/internal/service"
	"github.com/SharesDAO/DCA-Trader/pkg/apperror"
)

// NamedPinger pairs a dependency name with its liveness check.
type NamedPinger struct {
	Name   string
	Pinger ports.Pinger
}

// HealthCheck handles GET /health. It pings every dependency and reports
// 503 when any is down.
func HealthCheck(checkers ...NamedPinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Pinger.Ping(c.Request.Context()); err != nil {
				deps[checker.Name] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}

// StatusHandler serves the operational snapshot endpoints.
type StatusHandler struct {
	reporter *service.Reporter
}

func NewStatusHandler(reporter *service.Reporter) *StatusHandler {
	return &StatusHandler{reporter: reporter}
}

// GetStatus handles GET /api/v1/status.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	trading, err := h.reporter.TradingStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	wallets, err := h.reporter.WalletStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trading": trading,
		"wallets": wallets,
	})
}

// writeError maps error kinds to HTTP codes. Internal detail stays in logs;
// clients see the kind and message only.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch apperror.KindOf(err) {
	case apperror.KindNotFound:
		code = http.StatusNotFound
	case apperror.KindValidation:
		code = http.StatusBadRequest
	case apperror.KindDatabase, apperror.KindNetwork:
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"kind":  string(apperror.KindOf(err)),
		"error": err.Error(),
	})
}
