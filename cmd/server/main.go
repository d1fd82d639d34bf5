package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/cargazer/internal/adapter/ipcamera"
	"github.com/langchou/cargazer/internal/api/carnet"
	"github.com/langchou/cargazer/internal/api/handlers"
	"github.com/langchou/cargazer/internal/api/httpc"
	"github.com/langchou/cargazer/internal/config"
	"github.com/langchou/cargazer/internal/service"
	"github.com/langchou/cargazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Cargazer",
		zap.String("port", cfg.ServerPort),
		zap.String("brand", cfg.Brand))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// HTTP 传输；登录流程要求逐跳处理重定向
	transport := httpc.New(logger, 30*time.Second)

	// 令牌管理
	tokenStore := carnet.NewTokenStore(logger)
	tokens := carnet.NewTokenManager(logger, transport, tokenStore)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 创建车辆服务
	vehicleService := service.NewVehicleService(cfg, logger, transport, tokens, wsHub)

	// 车库摄像头（可选）
	var camera *ipcamera.Client
	if cfg.CameraBaseURL != "" {
		camera = ipcamera.NewClient(logger, transport, cfg.CameraBaseURL, cfg.CameraUser, cfg.CameraPassword)
		logger.Info("Camera adapter enabled", zap.String("camera", cfg.CameraBaseURL))
	}

	// WebSocket 初始数据
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{
			Vehicles: vehicleService.Vehicles(),
			States:   vehicleService.GetAllStates(),
		}
	})

	// 启动车辆服务；登录失败不阻止进程，命令接口会再次触发登录
	if err := vehicleService.Start(ctx); err != nil {
		logger.Error("Failed to start vehicle service", zap.Error(err))
	}

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, vehicleService, camera, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止服务
	vehicleService.Stop()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
