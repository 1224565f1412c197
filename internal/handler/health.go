package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fastintercom/internal/db"
	"fastintercom/internal/service"
)

type HealthHandler struct {
	DB     *db.DB
	Query  *service.QueryService
	Logger *zap.Logger
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/api/health/sync", h.syncHealth)
}

// @Summary Health check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Readiness check
// @Tags health
// @Success 200 {object} map[string]string
// @Router /readyz [get]
func (h *HealthHandler) ready(c *gin.Context) {
	if h.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_missing"})
		return
	}
	if err := db.Ping(h.DB); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// @Summary Sync health
// @Description Last run state and how far behind the newest completed window is. Responds 503 when unhealthy.
// @Tags health
// @Success 200 {object} apiResponse
// @Failure 503 {object} apiResponse
// @Router /api/health/sync [get]
func (h *HealthHandler) syncHealth(c *gin.Context) {
	if h.Query == nil || h.Query.Repo == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	health, err := h.Query.SyncHealth(c.Request.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("sync health failed", zap.Error(err))
		}
		Error(c, errorStatus(err), err.Error(), nil)
		return
	}
	if !health.Healthy {
		c.JSON(http.StatusServiceUnavailable, apiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: health.Reason,
			Data:    health,
		})
		return
	}
	Ok(c, health, nil)
}
