package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/adapter/ipcamera"
	"github.com/langchou/cargazer/internal/api/carnet"
	"github.com/langchou/cargazer/internal/service"
	"github.com/langchou/cargazer/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger         *zap.Logger
	vehicleService *service.VehicleService
	camera         *ipcamera.Client
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

// NewHandler 创建处理器；camera 可以为 nil
func NewHandler(
	logger *zap.Logger,
	vehicleService *service.VehicleService,
	camera *ipcamera.Client,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		vehicleService: vehicleService,
		camera:         camera,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:vin", h.GetVehicleState)
		api.GET("/vehicles/:vin/position", h.GetVehiclePosition)
		api.GET("/vehicles/:vin/operations", h.GetOperations)

		// 远程命令
		api.POST("/vehicles/:vin/lock", h.Lock)
		api.POST("/vehicles/:vin/unlock", h.Unlock)
		api.POST("/vehicles/:vin/climatisation", h.Climatisation)
		api.POST("/vehicles/:vin/preheating", h.PreHeating)
		api.POST("/vehicles/:vin/ventilation", h.Ventilation)
		api.POST("/vehicles/:vin/charging", h.Charging)
		api.POST("/vehicles/:vin/honkflash", h.HonkFlash)
		api.POST("/vehicles/:vin/refresh", h.RefreshStatus)

		// 命令状态
		api.GET("/vehicles/:vin/pending", h.ListPendingActions)
		api.GET("/vehicles/:vin/requests/:request_id", h.GetRequestStatus)

		// 车库摄像头
		api.GET("/camera/status", h.CameraStatus)
		api.GET("/camera/snapshot", h.CameraSnapshot)
		api.POST("/camera/reboot", h.CameraReboot)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// respondError 把错误分层映射到 HTTP 状态码
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, carnet.ErrInvalidArgument):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, carnet.ErrSecurity):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, carnet.ErrTransient), errors.Is(err, carnet.ErrProtocol):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"vehicles":   len(h.vehicleService.Vehicles()),
		"ws_clients": h.wsHub.ClientCount(),
	})
}
