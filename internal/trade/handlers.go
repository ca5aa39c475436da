package trade

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/dispute"
	"github.com/peertrade/settlement/internal/ledger"
	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new trade handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up trade routes. The acting user is identified by the
// X-Actor-ID header; authentication proper is handled upstream of the engine.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/paid", h.MarkPaid)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.OpenDispute)
	r.GET("/trades/:id/messages", h.ListMessages)
	r.POST("/trades/:id/messages", h.PostMessage)
}

// CreateRequest is the body of POST /v1/trades.
type CreateRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.NonEmpty("offerId", req.OfferID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tr, err := h.coordinator.Create(c.Request.Context(), req.OfferID, actorID, req.Amount)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	tr, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// ListTrades handles GET /v1/trades?limit=N for the acting user.
func (h *Handler) ListTrades(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	trades, err := h.coordinator.ListByUser(c.Request.Context(), actorID, limit)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// MarkPaid handles POST /v1/trades/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	h.act(c, h.coordinator.MarkPaid)
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.act(c, h.coordinator.Release)
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.act(c, h.coordinator.Cancel)
}

// DisputeRequest is the body of POST /v1/trades/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	tr, err := h.coordinator.OpenDispute(c.Request.Context(), c.Param("id"), actorID, req.Reason)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// MessageRequest is the body of POST /v1/trades/:id/messages.
type MessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// PostMessage handles POST /v1/trades/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A message body is required",
		})
		return
	}

	msg, err := h.coordinator.AppendMessage(c.Request.Context(), c.Param("id"), actorID, req.Body)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages handles GET /v1/trades/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	msgs, err := h.coordinator.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// act runs a bodyless (tradeID, actorID) transition endpoint.
func (h *Handler) act(c *gin.Context, fn func(ctx context.Context, tradeID, actorID string) (*Trade, error)) {
	actorID, ok := actor(c)
	if !ok {
		return
	}

	tr, err := fn(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
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

// writeTradeError maps service errors onto HTTP responses.
func writeTradeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": "Seller balance cannot cover the escrow hold",
		})
	case errors.Is(err, ErrOfferInactive),
		errors.Is(err, ErrAmountOutOfRange),
		errors.Is(err, ErrSelfTrade):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotBuyer),
		errors.Is(err, ErrNotSeller),
		errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrDeadlineNotReached):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, dispute.ErrDisputeAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_already_open",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
