package actionrule

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftguard/internal/logging"
	"github.com/mbd888/giftguard/internal/validation"
)

// Handler exposes the fraud check endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler creates a fraud check handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up fraud check routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fraud/check", h.CheckFraud)
}

// CheckFraudRequest is the body of POST /fraud/check.
type CheckFraudRequest struct {
	IP          string `json:"ip"`
	Fingerprint string `json:"fingerprint"`
	MerchantID  string `json:"merchantId"`
	GAN         string `json:"gan"`
	UserAgent   string `json:"userAgent"`
	Reason      string `json:"reason"`
	Suspicious  bool   `json:"suspicious"`
}

// CheckFraud handles POST /fraud/check. When the body omits ip, the client
// address of the request is used.
func (h *Handler) CheckFraud(c *gin.Context) {
	var req CheckFraudRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.IP == "" && req.Fingerprint == "" {
		req.IP = c.ClientIP()
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request.UserAgent()
	}

	if errs := validation.Validate(
		validation.ValidIP("ip", req.IP),
		validation.ValidToken("fingerprint", req.Fingerprint),
		validation.ValidToken("merchantId", req.MerchantID),
		validation.MaxLength("reason", req.Reason, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := logging.WithMerchantID(c.Request.Context(), req.MerchantID)
	result, err := h.engine.CheckFraud(ctx,
		Identity{IP: req.IP, Fingerprint: req.Fingerprint, MerchantID: req.MerchantID},
		CheckContext{Reason: req.Reason, GAN: req.GAN, UserAgent: req.UserAgent, Suspicious: req.Suspicious},
	)
	if errors.Is(err, ErrInvalidIdentity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(ctx).Error("fraud check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "check_failed",
			"message": "Failed to evaluate request",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
