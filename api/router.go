package api

import (
	"github.com/gin-gonic/gin"

	"stemapi/config"
	"stemapi/pipeline"
	"stemapi/storage"
)

func SetupRouter(p *pipeline.Pipeline, store *storage.Store, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(CORSMiddleware())
	h := NewHandler(p, store, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Separation tasks
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks/:taskId/progress", h.handleTaskProgress)
		v1.POST("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.GET("/tasks/:taskId/result", h.handleTaskResult)

		// Tempo planning and preview mixing
		v1.POST("/plan", h.handlePlan)
		v1.POST("/mix", h.handleMix)

		// Artifact access
		v1.GET("/files/:track/:name", h.handleGetFile)
		v1.DELETE("/tracks/:track", h.handleDeleteTrack)
	}
	return r
}
