package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CameraStatus 查询车库摄像头状态
func (h *Handler) CameraStatus(c *gin.Context) {
	if h.camera == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not configured"})
		return
	}

	st, err := h.camera.GetStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get camera status", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": st})
}

// CameraSnapshot 取一帧快照
func (h *Handler) CameraSnapshot(c *gin.Context) {
	if h.camera == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not configured"})
		return
	}

	img, err := h.camera.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get camera snapshot", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", img)
}

// CameraReboot 重启摄像头
func (h *Handler) CameraReboot(c *gin.Context) {
	if h.camera == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not configured"})
		return
	}

	if err := h.camera.Reboot(c.Request.Context()); err != nil {
		h.logger.Error("Failed to reboot camera", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Camera reboot requested"})
}
