package api

import (
	"vidproc/config"
	"vidproc/task"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(tm *task.Manager, canceler Canceler, cfg *config.Config, log hclog.Logger) *gin.Engine {
	r := gin.Default()
	h := NewHandler(tm, canceler, cfg, log)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1/processor")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/internal/jobs", h.handleSubmitJob)
		v1.POST("/internal/cancel", h.handleCancel)

		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
	}
	return r
}
