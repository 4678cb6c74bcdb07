package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/api/handlers"
	"github.com/apk-analysis/config-analysis/internal/config"
	"github.com/apk-analysis/config-analysis/internal/middleware"
	"github.com/apk-analysis/config-analysis/internal/service"
)

// Version 服务版本
const Version = "1.0.0"

// ModelStatus 模型加载状态
type ModelStatus interface {
	Loaded() bool
}

// SetupRouter 注册路由
// promMetrics、events、model 可以为 nil
func SetupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	taskService service.TaskService,
	runner handlers.TaskRunner,
	promMetrics *middleware.PrometheusMetrics,
	events *handlers.TaskEventHandler,
	model ModelStatus,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics", promMetrics.Handler())
	}

	// 初始化处理器
	analyzeHandler := handlers.NewAnalyzeHandler(taskService, runner, cfg.Analysis, logger)
	taskHandler := handlers.NewTaskHandler(taskService, logger)
	authHandler := handlers.NewAuthHandler(cfg.Server.APIToken)

	// 健康检查（无需认证）
	r.GET("/api/health", func(c *gin.Context) {
		resp := gin.H{
			"status":  "ok",
			"version": Version,
		}
		if model != nil {
			resp["model_loaded"] = model.Loaded()
		}
		c.JSON(200, resp)
	})

	auth := middleware.AuthMiddleware(cfg.Server.APIToken)

	v1 := r.Group("/api", auth)
	{
		v1.GET("/auth/validate", authHandler.ValidateToken)

		// 上传分析
		v1.POST("/analyze", analyzeHandler.Analyze)

		// 任务管理
		v1.GET("/tasks", taskHandler.ListTasks)
		v1.GET("/tasks/stats", taskHandler.GetSystemStats)
		v1.GET("/tasks/:id", taskHandler.GetTask)
		v1.DELETE("/tasks/:id", taskHandler.DeleteTask)
		v1.GET("/tasks/:id/report", taskHandler.GetReport)
	}

	// 任务状态实时推送
	if events != nil {
		ws := r.Group("/ws", auth)
		ws.GET("/tasks", events.HandleWebSocket)
		ws.GET("/tasks/:id", events.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Task-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
