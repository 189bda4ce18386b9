package rest

import (
	"net/http"

	"github.com/KevinKickass/FieldPoller/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GET /api/v1/poller/devices
func (s *Server) listPollers(c *gin.Context) {
	statuses := s.lm.DeviceManager().RunningDevices()

	c.JSON(http.StatusOK, gin.H{
		"devices": statuses,
		"count":   len(statuses),
	})
}

// GET /api/v1/poller/devices/:id
func (s *Server) getPoller(c *gin.Context) {
	idStr := c.Param("id")
	deviceID, err := uuid.Parse(idStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid device ID", idStr))
		return
	}

	status, exists := s.lm.DeviceManager().DeviceStatus(deviceID)
	if !exists {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrCodeNotFound, "No poll loop for device", deviceID))
		return
	}

	c.JSON(http.StatusOK, status)
}
