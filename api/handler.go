package api

import (
	"context"
	"net/http"

	"vidproc/config"
	"vidproc/processor"
	"vidproc/task"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

// Canceler stops processing of a video.
type Canceler interface {
	Cancel(ctx context.Context, videoID string) error
}

type Handler struct {
	taskManager *task.Manager
	canceler    Canceler
	cfg         *config.Config
	log         hclog.Logger
}

func NewHandler(tm *task.Manager, canceler Canceler, cfg *config.Config, log hclog.Logger) *Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Handler{
		taskManager: tm,
		canceler:    canceler,
		cfg:         cfg,
		log:         log,
	}
}

type CancelRequest struct {
	VideoID string `json:"videoId" binding:"required,uuid"`
}

// handleSubmitJob queues a processing job, bypassing the message queue.
func (h *Handler) handleSubmitJob(c *gin.Context) {
	var job processor.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.taskManager.Submit(job)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.List())
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	t, found := h.taskManager.Get(taskID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancel stops a video's processing and removes its local state.
func (h *Handler) handleCancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.canceler.Cancel(c.Request.Context(), req.VideoID); err != nil {
		h.log.Error("cancel failed", "video_id", req.VideoID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cancellation incomplete", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Processing canceled"})
}
