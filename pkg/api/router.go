package api

import (
	"github.com/gin-gonic/gin"

	"github.com/labflow/protocol-engine/pkg/api/handler"
	"github.com/labflow/protocol-engine/pkg/api/middleware"
	"github.com/labflow/protocol-engine/pkg/core/engine"
	"github.com/labflow/protocol-engine/pkg/storage"
)

// SetupRouter 设置路由
func SetupRouter(eng *engine.Engine, repo storage.AnalysisRepository, version string) *gin.Engine {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	// 创建handlers
	analysisHandler := handler.NewAnalysisHandler(eng, repo)
	eventsHandler := handler.NewEventsHandler(eng)
	healthHandler := handler.NewHealthHandler(version)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		// 分析路由
		analyses := v1.Group("/analyses")
		{
			analyses.POST("", analysisHandler.Analyze)
			analyses.POST("/batch", analysisHandler.AnalyzeBatch)
			analyses.GET("", analysisHandler.History)
			analyses.GET("/:id", analysisHandler.Get)
			analyses.GET("/:id/report", analysisHandler.Report)
			analyses.DELETE("/:id", analysisHandler.Delete)
		}

		// 事件流路由（WebSocket）
		v1.GET("/events", eventsHandler.Stream)
	}

	return router
}
