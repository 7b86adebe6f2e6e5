package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lithammer/shortuuid/v4"

	"stemapi/analysis"
	"stemapi/config"
	"stemapi/mix"
	"stemapi/pipeline"
	"stemapi/separate"
	"stemapi/storage"
)

// statusClientClosedRequest follows the nginx convention for requests
// abandoned by the client; used for cancelled tasks.
const statusClientClosedRequest = 499

type Handler struct {
	pipeline *pipeline.Pipeline
	store    *storage.Store
	cfg      *config.Config
}

func NewHandler(p *pipeline.Pipeline, store *storage.Store, cfg *config.Config) *Handler {
	return &Handler{
		pipeline: p,
		store:    store,
		cfg:      cfg,
	}
}

// handleCreateTask accepts a multipart upload and runs the separation
// pipeline in the request goroutine. The response is the final result;
// progress and cancellation are served by the sibling endpoints while
// this request is in flight.
func (h *Handler) handleCreateTask(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}

	taskID := c.PostForm("taskId")
	if taskID == "" {
		taskID = shortuuid.New()
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("cannot read upload: %v", err)})
		return
	}
	defer f.Close()

	res, err := h.pipeline.Run(c.Request.Context(), taskID, f, fileHeader.Filename)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInputTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "input exceeds the configured size limit", "taskId": taskID})
		case errors.Is(err, separate.ErrCancelled):
			c.JSON(statusClientClosedRequest, gin.H{"error": "task cancelled", "taskId": taskID})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "taskId": taskID})
		}
		return
	}

	c.JSON(http.StatusOK, h.resultResponse(c, taskID, res))
}

// handleTaskProgress reports {progress, status}. Unknown ids get the
// default pending shape so clients can start polling before the upload
// request has registered the task.
func (h *Handler) handleTaskProgress(c *gin.Context) {
	percent, status := h.pipeline.Progress(c.Param("taskId"))
	c.JSON(http.StatusOK, gin.H{"progress": percent, "status": status})
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	accepted, err := h.pipeline.RequestCancel(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (h *Handler) handleTaskResult(c *gin.Context) {
	taskID := c.Param("taskId")
	res, err := h.pipeline.Result(taskID)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		case errors.Is(err, pipeline.ErrNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": "Task still running"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, h.resultResponse(c, taskID, res))
}

type PlanRequest struct {
	SourceBPM float64 `json:"sourceBpm" binding:"required"`
	TargetBPM float64 `json:"targetBpm" binding:"required"`
}

func (h *Handler) handlePlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SourceBPM < 0 || req.TargetBPM < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BPM values must not be negative"})
		return
	}

	c.JSON(http.StatusOK, analysis.PlanStretch(req.SourceBPM, req.TargetBPM))
}

type MixRequest struct {
	Track   string `json:"track" binding:"required"`
	Stem    string `json:"stem" binding:"required"`
	Seconds int    `json:"seconds"`
}

// handleMix renders a preview of one stem over a generated backing pulse
// and stores it next to the stems.
func (h *Handler) handleMix(c *gin.Context) {
	var req MixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Seconds <= 0 {
		req.Seconds = 8
	}
	if req.Seconds > 30 {
		req.Seconds = 30
	}

	stemPath, err := h.store.StemPath(req.Track, req.Stem+".wav")
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stem not found"})
		return
	}

	dir := h.store.TrackDir(req.Track)
	backingPath := filepath.Join(dir, "backing.wav")
	previewName := fmt.Sprintf("preview_%s.wav", req.Stem)
	previewPath := filepath.Join(dir, previewName)

	if err := mix.GenerateDemoBacking(backingPath, req.Seconds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := mix.Overlay(stemPath, backingPath, previewPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"track": req.Track,
		"stem":  req.Stem,
		"url":   fmt.Sprintf("%s/api/v1/files/%s/%s", h.baseURL(c), req.Track, previewName),
	})
}

func (h *Handler) handleGetFile(c *gin.Context) {
	path, err := h.store.StemPath(c.Param("track"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(path)
}

func (h *Handler) handleDeleteTrack(c *gin.Context) {
	track := c.Param("track")
	if err := h.store.RemoveTrack(track); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": track})
}

// baseURL prefers the configured external URL and falls back to the
// request host, so download links survive reverse proxies.
func (h *Handler) baseURL(c *gin.Context) string {
	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/")
}

// resultResponse turns local artifact paths into download URLs. The track
// directory name is recovered from the artifact path so the shape is the
// same whether the result comes fresh from Run or later from the registry.
func (h *Handler) resultResponse(c *gin.Context, taskID string, res pipeline.Result) gin.H {
	base := h.baseURL(c)
	stems := gin.H{}
	track := res.Track
	for name, path := range res.Stems {
		if track == "" {
			track = filepath.Base(filepath.Dir(path))
		}
		stems[name] = fmt.Sprintf("%s/api/v1/files/%s/%s", base, filepath.Base(filepath.Dir(path)), filepath.Base(path))
	}
	return gin.H{
		"taskId": taskID,
		"track":  track,
		"key":    res.Key,
		"bpm":    res.BPM,
		"stems":  stems,
	}
}
