package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/abdulachik/schedpost/internal/scheduler"
	"github.com/gin-gonic/gin"
)

type triggerController struct {
	trigger Trigger
}

// Dispatch runs one batch and returns its per-post outcomes.
func (tc *triggerController) Dispatch(c *gin.Context) {
	results, err := tc.trigger.RunOnce(c.Request.Context())
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		slog.Error("dispatch trigger failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results})
}

type healthController struct {
	health *scheduler.Health
}

// Health reports component health; 503 when any component is unhealthy.
func (hc *healthController) Health(c *gin.Context) {
	if hc.health == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true})
		return
	}

	report := hc.health.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Component reports one component; 404 when it has not reported yet.
func (hc *healthController) Component(c *gin.Context) {
	var status *scheduler.HealthStatus
	if hc.health != nil {
		status = hc.health.GetStatus(c.Param("component"))
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown component"})
		return
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
