package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for arbitration.
type Handler struct {
	arbitrator *Arbitrator
}

// NewHandler creates a new dispute handler.
func NewHandler(arbitrator *Arbitrator) *Handler {
	return &Handler{arbitrator: arbitrator}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListOpen)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/review", h.Review)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/cancel", h.Cancel)
}

// ListOpen handles GET /v1/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	disputes, err := h.arbitrator.ListOpen(c.Request.Context(), limit)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.arbitrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Review handles POST /v1/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	arbiterID, ok := actor(c)
	if !ok {
		return
	}

	d, err := h.arbitrator.Review(c.Request.Context(), c.Param("id"), arbiterID)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	arbiterID, ok := actor(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A resolution is required",
		})
		return
	}

	d, err := h.arbitrator.Resolve(c.Request.Context(), c.Param("id"), arbiterID, Resolution(req.Resolution), req.Note)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// CancelRequest is the body of POST /v1/disputes/:id/cancel.
type CancelRequest struct {
	Note string `json:"note"`
}

// Cancel handles POST /v1/disputes/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	arbiterID, ok := actor(c)
	if !ok {
		return
	}

	var req CancelRequest
	_ = c.ShouldBindJSON(&req)

	d, err := h.arbitrator.Cancel(c.Request.Context(), c.Param("id"), arbiterID, req.Note)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func actor(c *gin.Context) (string, bool) {
	actorID := c.GetHeader("X-Actor-ID")
	if !validation.IsValidUserID(actorID) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "missing_actor",
			"message": "A valid X-Actor-ID header is required",
		})
		return "", false
	}
	return actorID, true
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotArbitrator):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resolution",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputeNotOpen),
		errors.Is(err, ErrDisputeAlreadyOpen),
		errors.Is(err, ErrConcurrentResolution):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
