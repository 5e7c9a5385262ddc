package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lernzeit/adaptive-engine/internal/common/errors"
	"github.com/lernzeit/adaptive-engine/internal/common/middleware"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/internal/engine/services"
)

// evaluateBatchLimit caps one quality request so a single call cannot tie
// up the worker for long.
const evaluateBatchLimit = 50

// EngineHandlers handles the engine's HTTP requests.
type EngineHandlers struct {
	service *services.EngineService
}

// NewEngineHandlers creates new engine handlers.
func NewEngineHandlers(service *services.EngineService) *EngineHandlers {
	return &EngineHandlers{service: service}
}

// CreateSession handles POST /api/v1/engine/sessions
func (h *EngineHandlers) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}

	c.JSON(http.StatusCreated, h.service.CreateSession(&req))
}

// GetSessionStats handles GET /api/v1/engine/sessions/:id/stats
func (h *EngineHandlers) GetSessionStats(c *gin.Context) {
	stats, err := h.service.SessionStats(c.Param("id"))
	if err != nil {
		middleware.JSONErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// DeleteSession handles DELETE /api/v1/engine/sessions/:id
func (h *EngineHandlers) DeleteSession(c *gin.Context) {
	h.service.EndSession(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// NextTemplate handles POST /api/v1/engine/templates/next
func (h *EngineHandlers) NextTemplate(c *gin.Context) {
	var req models.NextTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}

	result, err := h.service.NextTemplate(c.Request.Context(), &req)
	if err != nil {
		middleware.JSONErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SubmitResult handles POST /api/v1/engine/results
func (h *EngineHandlers) SubmitResult(c *gin.Context) {
	var req models.SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}

	adjustment, err := h.service.SubmitResult(c.Request.Context(), &req)
	if err != nil {
		middleware.JSONErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, adjustment)
}

// SubmitFeedback handles POST /api/v1/engine/feedback
func (h *EngineHandlers) SubmitFeedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}

	resp, err := h.service.ApplyFeedback(c.Request.Context(), &req)
	if err != nil {
		middleware.JSONErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type qualityBatchRequest struct {
	Questions []*models.Question `json:"questions" binding:"required,min=1"`
}

// EvaluateQuality handles POST /api/v1/engine/quality/evaluate
func (h *EngineHandlers) EvaluateQuality(c *gin.Context) {
	var req qualityBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}
	if len(req.Questions) > evaluateBatchLimit {
		middleware.JSONErrorResponse(c, errors.BadRequest("too many questions in one batch"))
		return
	}

	reports := h.service.EvaluateQuality(c.Request.Context(), req.Questions)
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// OptimizeQuality handles POST /api/v1/engine/quality/optimize
func (h *EngineHandlers) OptimizeQuality(c *gin.Context) {
	var req qualityBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.JSONErrorResponse(c, errors.Validation("invalid request body", err.Error()))
		return
	}
	if len(req.Questions) > evaluateBatchLimit {
		middleware.JSONErrorResponse(c, errors.BadRequest("too many questions in one batch"))
		return
	}

	results := h.service.OptimizeQuality(c.Request.Context(), req.Questions)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// RegisterRoutes mounts the engine routes on the given group.
func (h *EngineHandlers) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/sessions", h.CreateSession)
	group.GET("/sessions/:id/stats", h.GetSessionStats)
	group.DELETE("/sessions/:id", h.DeleteSession)
	group.POST("/templates/next", h.NextTemplate)
	group.POST("/results", h.SubmitResult)
	group.POST("/feedback", h.SubmitFeedback)
	group.POST("/quality/evaluate", h.EvaluateQuality)
	group.POST("/quality/optimize", h.OptimizeQuality)
}
