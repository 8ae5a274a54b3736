package handler

import (
	"net/http"

	"whisperwire/internal/hub"

	"github.com/gin-gonic/gin"
)

// MonitorHandler exposes hub runtime statistics for operators.
type MonitorHandler interface {
	GetHubStats(c *gin.Context)
}

type monitorHandler struct {
	monitor *hub.MonitorService
}

func NewMonitorHandler(monitor *hub.MonitorService) MonitorHandler {
	return &monitorHandler{
		monitor: monitor,
	}
}

// GetHubStats reports live session counts and room occupancy. The
// snapshot is taken without pausing the hub, so counts can lag a
// connect or disconnect that is in flight.
func (h *monitorHandler) GetHubStats(c *gin.Context) {
	stats := h.monitor.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"status": stats.Status,
		"stats":  stats,
	})
}
