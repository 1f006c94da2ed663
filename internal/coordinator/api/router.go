package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/coordinator"
)

// SetupRoutes configures the run API routes
func SetupRoutes(router *gin.RouterGroup, service *coordinator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.GET("/providers", handler.ListProviders)
	router.GET("/runs", handler.ListRuns)

	run := router.Group("/run")
	{
		run.POST("", handler.StartRun)
		run.GET("/:runId", handler.GetRun)
		run.POST("/:runId/stop", handler.StopRun)
		run.GET("/:runId/stream", handler.StreamRun)
		run.GET("/:runId/ws", handler.StreamRunWS)
	}
}
