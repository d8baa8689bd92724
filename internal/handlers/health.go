package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/giftbox/internal/monitoring"
)

// Health reports readiness using the registered probes. Any failed probe
// answers 503; degraded dependencies still answer 200.
func Health(manager *monitoring.HealthManager) gin.HandlerFunc {
	return healthReport(manager, (*monitoring.HealthManager).EvaluateReadiness)
}

// Liveness reports whether the process is serving requests.
func Liveness(manager *monitoring.HealthManager) gin.HandlerFunc {
	return healthReport(manager, (*monitoring.HealthManager).EvaluateLiveness)
}

func healthReport(manager *monitoring.HealthManager, evaluate func(*monitoring.HealthManager, context.Context) monitoring.HealthReport) gin.HandlerFunc {
	if manager == nil {
		manager = monitoring.NewHealthManager()
	}
	return func(c *gin.Context) {
		report := evaluate(manager, requestContext(c))
		status := http.StatusOK
		if !report.Success {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
