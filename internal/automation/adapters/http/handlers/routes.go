package handlers

import "github.com/gin-gonic/gin"

func RegisterRoutes(router gin.IRouter, h *AutomationHandlers) {
	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)

	v1 := router.Group("/api/v1/automation")
	{
		v1.POST("/events", h.IngestEvent)
		v1.GET("/executions/:id", h.GetExecution)
		v1.POST("/definitions/:id/executions", h.StartExecution)
		v1.POST("/definitions/:id/publish", h.PublishDefinition)
		v1.GET("/definitions/:id/versions", h.ListVersions)
		v1.POST("/scheduler/tick", h.TriggerTick)
	}
}
