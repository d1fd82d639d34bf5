package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type climatisationRequest struct {
	Start        bool   `json:"start"`
	HeaterSource string `json:"heater_source"`
}

type durationRequest struct {
	Start    bool `json:"start"`
	Duration int  `json:"duration"`
}

type chargingRequest struct {
	Start bool `json:"start"`
}

type honkFlashRequest struct {
	Honk     bool `json:"honk"`
	Duration int  `json:"duration"`
}

// Lock 上锁
func (h *Handler) Lock(c *gin.Context) {
	h.invokeControl(c, "lock", func(vin string) (string, error) {
		return h.vehicleService.Lock(c.Request.Context(), vin, true)
	})
}

// Unlock 解锁
func (h *Handler) Unlock(c *gin.Context) {
	h.invokeControl(c, "unlock", func(vin string) (string, error) {
		return h.vehicleService.Lock(c.Request.Context(), vin, false)
	})
}

// Climatisation 启停空调
func (h *Handler) Climatisation(c *gin.Context) {
	var req climatisationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.invokeControl(c, "climatisation", func(vin string) (string, error) {
		return h.vehicleService.Climatisation(c.Request.Context(), vin, req.Start, req.HeaterSource)
	})
}

// PreHeating 启停驻车加热
func (h *Handler) PreHeating(c *gin.Context) {
	var req durationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.invokeControl(c, "preheating", func(vin string) (string, error) {
		return h.vehicleService.PreHeating(c.Request.Context(), vin, req.Start, req.Duration)
	})
}

// Ventilation 启停驻车通风
func (h *Handler) Ventilation(c *gin.Context) {
	var req durationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.invokeControl(c, "ventilation", func(vin string) (string, error) {
		return h.vehicleService.Ventilation(c.Request.Context(), vin, req.Start, req.Duration)
	})
}

// Charging 启停充电
func (h *Handler) Charging(c *gin.Context) {
	var req chargingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.invokeControl(c, "charging", func(vin string) (string, error) {
		return h.vehicleService.Charging(c.Request.Context(), vin, req.Start)
	})
}

// HonkFlash 鸣笛/闪灯
func (h *Handler) HonkFlash(c *gin.Context) {
	var req honkFlashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.invokeControl(c, "honkflash", func(vin string) (string, error) {
		return h.vehicleService.HonkFlash(c.Request.Context(), vin, req.Honk, req.Duration)
	})
}

// RefreshStatus 让车辆立即上报完整状态
func (h *Handler) RefreshStatus(c *gin.Context) {
	h.invokeControl(c, "refresh", func(vin string) (string, error) {
		return h.vehicleService.RefreshStatus(c.Request.Context(), vin)
	})
}

// invokeControl 执行远程命令并统一应答
// 受理成功返回 202，由调用方随后轮询命令状态
func (h *Handler) invokeControl(c *gin.Context, name string, invoke func(vin string) (string, error)) {
	vin := c.Param("vin")

	if _, ok := h.vehicleService.Client(vin); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
		return
	}

	status, err := invoke(vin)
	if err != nil {
		h.logger.Warn("Control request failed",
			zap.String("vin", vin),
			zap.String("control", name),
			zap.Error(err))
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"data": gin.H{
			"vin":    vin,
			"status": status,
		},
	})
}
