package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftguard/internal/idgen"
	"github.com/mbd888/giftguard/internal/logging"
	"github.com/mbd888/giftguard/internal/validation"
)

// Handler provides HTTP endpoints for event ingestion and subscriptions.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/events", h.IngestEvent)
	r.GET("/webhooks/deliveries/:id", h.GetDelivery)
	r.POST("/merchants/:merchantId/webhooks", h.CreateWebhook)
	r.GET("/merchants/:merchantId/webhooks", h.ListWebhooks)
	r.DELETE("/merchants/:merchantId/webhooks/:webhookId", h.DeleteWebhook)
}

// IngestEventRequest is a business event from an upstream system.
type IngestEventRequest struct {
	EventType  string         `json:"eventType" binding:"required"`
	MerchantID string         `json:"merchantId" binding:"required"`
	GAN        string         `json:"gan"`
	Amount     string         `json:"amount"`
	Timestamp  *time.Time     `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// IngestEvent handles POST /webhooks/events. The first delivery attempt to
// every subscription happens before the response is written.
func (h *Handler) IngestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidToken("merchantId", req.MerchantID),
		validation.ValidGAN("gan", req.GAN),
		validation.MaxLength("eventType", req.EventType, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ev := Event{
		Type:       EventType(strings.ToLower(strings.TrimSpace(req.EventType))),
		MerchantID: req.MerchantID,
		GAN:        validation.NormalizeGAN(req.GAN),
		Amount:     req.Amount,
		Data:       req.Data,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	ctx := logging.WithMerchantID(c.Request.Context(), req.MerchantID)
	deliveries, err := h.dispatcher.Attempt(ctx, ev)
	if errors.Is(err, ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}
	if err != nil && len(deliveries) == 0 {
		logging.L(ctx).Error("webhook dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "dispatch_failed",
			"message": "Failed to dispatch event",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Warn("webhook dispatch partially failed", "error", err)
	}

	summary := make([]gin.H, len(deliveries))
	for i, d := range deliveries {
		summary[i] = gin.H{
			"deliveryId":     d.ID,
			"subscriptionId": d.SubscriptionID,
			"status":         d.Status,
			"statusCode":     d.StatusCode,
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"deliveries": summary})
}

// GetDelivery handles GET /webhooks/deliveries/:id
func (h *Handler) GetDelivery(c *gin.Context) {
	d, err := h.store.GetDelivery(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrDeliveryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Delivery not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed", "message": "Failed to load delivery"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL       string `json:"url" binding:"required"`
	EventType string `json:"eventType" binding:"required"`
}

// CreateWebhook handles POST /merchants/:merchantId/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	merchantID := c.Param("merchantId")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidToken(merchantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_merchant", "message": "Invalid merchant ID"})
		return
	}
	if v := h.dispatcher.validator; v != nil {
		if err := v.Validate(c.Request.Context(), req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		MerchantID: merchantID,
		EventType:  EventType(strings.ToLower(strings.TrimSpace(req.EventType))),
		URL:        req.URL,
		Secret:     secret,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.store.CreateSubscription(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded with a sha256= prefix",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /merchants/:merchantId/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListSubscriptions(c.Request.Context(), c.Param("merchantId"), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /merchants/:merchantId/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.GetSubscription(ctx, c.Param("webhookId"))
	if errors.Is(err, ErrSubscriptionNotFound) || (err == nil && sub.MerchantID != c.Param("merchantId")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
		return
	}
	if err == nil {
		err = h.store.DeleteSubscription(ctx, sub.ID)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
