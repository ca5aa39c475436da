package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/validation"
)

// Handler provides HTTP endpoints for balances and the journal.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/:userId/balance", h.GetBalance)
	r.GET("/ledger/:userId/history", h.GetHistory)
	r.POST("/ledger/:userId/deposits", h.Deposit)
}

// GetBalance handles GET /v1/ledger/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user",
			"message": "Invalid user ID",
		})
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetHistory handles GET /v1/ledger/:userId/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user",
			"message": "Invalid user ID",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest is the body of POST /v1/ledger/:userId/deposits.
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /v1/ledger/:userId/deposits
//
// Deposits model funds arriving from the surrounding platform (bank rails,
// chain watcher, admin credit); the engine only records the credit.
func (h *Handler) Deposit(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user",
			"message": "Invalid user ID",
		})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), userID, req.Amount, req.Reference); err != nil {
		writeLedgerError(c, err)
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bal)
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHold):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Operation failed",
		})
	}
}
