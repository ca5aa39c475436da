package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/settlement/internal/security"
)

// Handler provides HTTP endpoints for webhook subscriptions and the live
// event stream.
type Handler struct {
	store         SubscriptionStore
	hub           *Hub
	defaultSecret string
}

// NewHandler creates a notification handler.
func NewHandler(store SubscriptionStore, hub *Hub) *Handler {
	return &Handler{store: store, hub: hub}
}

// WithDefaultSecret signs all new subscriptions with the operator-configured
// secret instead of generating one per subscription. The configured secret
// is never echoed in API responses.
func (h *Handler) WithDefaultSecret(secret string) *Handler {
	h.defaultSecret = secret
	return h
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/webhooks", h.ListSubscriptions)
	if h.hub != nil {
		r.GET("/events/ws", func(c *gin.Context) {
			h.hub.HandleWS(c.Writer, c.Request)
		})
	}
}

type createSubscriptionRequest struct {
	URL    string      `json:"url" binding:"required"`
	Events []EventType `json:"events"`
}

// CreateSubscription handles POST /v1/webhooks.
// A generated signing secret is returned exactly once, in this response;
// with an operator-configured default secret the caller is expected to
// already hold it.
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := NewSubscription(req.URL, req.Events)
	resp := gin.H{"subscription": sub}
	if h.defaultSecret != "" {
		sub.Secret = h.defaultSecret
	} else {
		resp["secret"] = sub.Secret
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "subscription_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListSubscriptions handles GET /v1/webhooks.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}
