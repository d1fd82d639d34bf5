package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListVehicles 获取车辆列表及状态
func (h *Handler) ListVehicles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"vehicles": h.vehicleService.Vehicles(),
			"states":   h.vehicleService.GetAllStates(),
		},
	})
}

// GetVehicleState 获取车辆实时状态
func (h *Handler) GetVehicleState(c *gin.Context) {
	vin := c.Param("vin")

	state, ok := h.vehicleService.GetState(vin)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": state})
}

// GetVehiclePosition 获取车辆位置
func (h *Handler) GetVehiclePosition(c *gin.Context) {
	vin := c.Param("vin")

	client, ok := h.vehicleService.Client(vin)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}

	pos, err := client.GetPosition(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get position", zap.Error(err), zap.String("vin", vin))
		h.respondError(c, err)
		return
	}

	coord := pos.FindCarResponse.CarPosition.CarCoordinate
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"latitude":     coord.LatitudeDeg(),
			"longitude":    coord.LongitudeDeg(),
			"parking_time": pos.FindCarResponse.ParkingTimeUTC,
		},
	})
}

// GetOperations 获取该车可用的远端服务清单
func (h *Handler) GetOperations(c *gin.Context) {
	vin := c.Param("vin")

	client, ok := h.vehicleService.Client(vin)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}

	ops, err := client.GetOperationList(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get operation list", zap.Error(err), zap.String("vin", vin))
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ops})
}

// ListPendingActions 获取在途命令
func (h *Handler) ListPendingActions(c *gin.Context) {
	vin := c.Param("vin")

	if _, ok := h.vehicleService.Client(vin); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": h.vehicleService.PendingActions(vin)})
}

// GetRequestStatus 查询某次命令的状态
func (h *Handler) GetRequestStatus(c *gin.Context) {
	vin := c.Param("vin")
	requestID := c.Param("request_id")

	status, err := h.vehicleService.RequestStatus(c.Request.Context(), vin, requestID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"request_id": requestID,
			"status":     status,
		},
	})
}
