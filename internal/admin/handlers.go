package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftguard/internal/defense"
	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/logging"
	"github.com/mbd888/giftguard/internal/pagination"
	"github.com/mbd888/giftguard/internal/replay"
	"github.com/mbd888/giftguard/internal/validation"
	"github.com/mbd888/giftguard/internal/webhooks"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	deliveries Deliveries
	rules      Rules
	replayer   Replayer
	scanner    ClusterScanner
	events     FraudEvents
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithDeliveries sets the webhook retry engine.
func (h *Handler) WithDeliveries(d Deliveries) *Handler {
	h.deliveries = d
	return h
}

// WithRules sets the defense rule service.
func (h *Handler) WithRules(r Rules) *Handler {
	h.rules = r
	return h
}

// WithReplayer sets the replay engine.
func (h *Handler) WithReplayer(r Replayer) *Handler {
	h.replayer = r
	return h
}

// WithClusterScanner sets the on-demand cluster scanner.
func (h *Handler) WithClusterScanner(s ClusterScanner) *Handler {
	h.scanner = s
	return h
}

// WithFraudEvents sets the fraud event log.
func (h *Handler) WithFraudEvents(e FraudEvents) *Handler {
	h.events = e
	return h
}

// RegisterRoutes sets up admin routes. The caller applies RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/failures", h.listFailures)
	r.POST("/admin/failures/:id/resolve", h.resolveFailure)
	r.POST("/admin/deliveries/:id/retry", h.retryDelivery)
	r.GET("/admin/rules", h.listRules)
	r.POST("/admin/rules", h.createRule)
	r.POST("/admin/rules/:id/deactivate", h.deactivateRule)
	r.POST("/admin/replay", h.runReplay)
	r.POST("/admin/clusters/scan", h.scanClusters)
	r.GET("/admin/fraud-events", h.listFraudEvents)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "not_configured",
		"message": what + " not configured",
	})
}

func internalError(c *gin.Context, code, message string, err error) {
	logging.L(c.Request.Context()).Error(message, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": code, "message": message})
}

// listFailures returns webhook failure log entries, newest first.
func (h *Handler) listFailures(c *gin.Context) {
	if h.deliveries == nil {
		unavailable(c, "webhook delivery")
		return
	}

	f := webhooks.FailureFilter{
		MerchantID: c.Query("merchantId"),
		Limit:      pagination.ParseLimit(c.Query("limit"), 100),
	}
	if v := c.Query("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": "resolved must be true or false"})
			return
		}
		f.Resolved = &resolved
	}

	failures, err := h.deliveries.ListFailures(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list_failed", "Failed to list webhook failures", err)
		return
	}
	if failures == nil {
		failures = []*webhooks.FailureEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

// resolveFailure marks a failure entry handled.
func (h *Handler) resolveFailure(c *gin.Context) {
	if h.deliveries == nil {
		unavailable(c, "webhook delivery")
		return
	}

	entry, err := h.deliveries.Resolve(c.Request.Context(), c.Param("id"))
	if errors.Is(err, webhooks.ErrFailureNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Failure entry not found"})
		return
	}
	if err != nil {
		internalError(c, "resolve_failed", "Failed to resolve failure entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failure": entry})
}

// retryDelivery attempts a delivery immediately.
func (h *Handler) retryDelivery(c *gin.Context) {
	if h.deliveries == nil {
		unavailable(c, "webhook delivery")
		return
	}

	ctx := c.Request.Context()
	del, err := h.deliveries.ForceRetry(ctx, c.Param("id"))
	switch {
	case errors.Is(err, webhooks.ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Delivery not found"})
		return
	case err != nil:
		internalError(c, "retry_failed", "Failed to retry delivery", err)
		return
	}

	logging.L(ctx).Info("admin: delivery force retried", "delivery_id", del.ID, "status", del.Status)
	c.JSON(http.StatusOK, gin.H{"delivery": del})
}

// listRules returns defense rules, highest confidence first.
func (h *Handler) listRules(c *gin.Context) {
	if h.rules == nil {
		unavailable(c, "defense rules")
		return
	}

	f := defense.ListFilter{
		Type:       defense.RuleType(c.Query("type")),
		Source:     defense.Source(c.Query("source")),
		ActiveOnly: c.Query("active") != "false",
		Limit:      pagination.ParseLimit(c.Query("limit"), 100),
	}
	if f.Type != "" && !f.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": "type must be ip, fingerprint or merchant"})
		return
	}

	rules, err := h.rules.List(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list_failed", "Failed to list defense rules", err)
		return
	}
	if rules == nil {
		rules = []*defense.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateRuleRequest adds or reinforces a manual defense rule.
type CreateRuleRequest struct {
	Type       string  `json:"type" binding:"required"`
	Value      string  `json:"value" binding:"required"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence" binding:"required"`
}

// createRule upserts a manual rule. A new rule answers 201, a merge 200.
func (h *Handler) createRule(c *gin.Context) {
	if h.rules == nil {
		unavailable(c, "defense rules")
		return
	}

	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	t := defense.RuleType(strings.ToLower(req.Type))
	checks := []func() *validation.ValidationError{
		validation.MaxLength("reason", req.Reason, 256),
	}
	switch t {
	case defense.TypeIP:
		checks = append(checks, validation.ValidIP("value", req.Value))
	case defense.TypeFingerprint, defense.TypeMerchant:
		checks = append(checks, validation.ValidToken("value", req.Value))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "type must be ip, fingerprint or merchant"})
		return
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return
	}
	if req.Confidence <= 0 || req.Confidence > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "confidence must be within (0,100]"})
		return
	}

	ctx := c.Request.Context()
	rule, result, err := h.rules.CreateManual(ctx, t, req.Value, req.Reason, req.Confidence)
	if errors.Is(err, defense.ErrInvalidRule) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "create_failed", "Failed to create defense rule", err)
		return
	}

	logging.L(ctx).Info("admin: defense rule upserted", "rule_id", rule.ID, "result", result)
	status := http.StatusOK
	if result == defense.ResultCreated {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"rule": rule, "result": result})
}

// deactivateRule stops a rule from blocking.
func (h *Handler) deactivateRule(c *gin.Context) {
	if h.rules == nil {
		unavailable(c, "defense rules")
		return
	}

	ctx := c.Request.Context()
	rule, err := h.rules.Deactivate(ctx, c.Param("id"))
	if errors.Is(err, defense.ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Defense rule not found"})
		return
	}
	if err != nil {
		internalError(c, "deactivate_failed", "Failed to deactivate defense rule", err)
		return
	}

	logging.L(ctx).Info("admin: defense rule deactivated", "rule_id", rule.ID)
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ReplayRequest selects how many recent events to replay and whether to
// write candidate rules.
type ReplayRequest struct {
	Limit int    `json:"limit"`
	Mode  string `json:"mode"`
}

// runReplay evaluates the current rules against recent fraud events.
func (h *Handler) runReplay(c *gin.Context) {
	if h.replayer == nil {
		unavailable(c, "replay")
		return
	}

	var req ReplayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = 1000
	}
	mode, err := replay.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": err.Error()})
		return
	}

	report, err := h.replayer.Replay(c.Request.Context(), req.Limit, mode)
	switch {
	case errors.Is(err, replay.ErrInvalidLimit), errors.Is(err, replay.ErrInvalidMode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	case errors.Is(err, replay.ErrApplyUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "apply_unavailable", "message": err.Error()})
		return
	case err != nil:
		internalError(c, "replay_failed", "Replay failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// scanClusters runs one cluster scan and promotes what it finds.
func (h *Handler) scanClusters(c *gin.Context) {
	if h.scanner == nil {
		unavailable(c, "cluster scanner")
		return
	}

	res, err := h.scanner.RunOnce(c.Request.Context())
	if err != nil {
		internalError(c, "scan_failed", "Cluster scan failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// listFraudEvents pages through the fraud event log, newest first.
func (h *Handler) listFraudEvents(c *gin.Context) {
	if h.events == nil {
		unavailable(c, "fraud event log")
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f := fraudlog.Filter{
		IP:          validation.NormalizeIP(c.Query("ip")),
		Fingerprint: c.Query("fingerprint"),
		MerchantID:  c.Query("merchantId"),
		Reason:      strings.ToLower(c.Query("reason")),
		Cursor:      cursor,
		Limit:       pagination.ParseLimit(c.Query("limit"), pagination.DefaultLimit),
	}
	if c.Query("ip") != "" && f.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": "ip must be a valid IP address"})
		return
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		v := c.Query(param)
		if v == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": param + " must be RFC3339"})
			return
		}
		*dst = at
	}

	page, err := h.events.List(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list_failed", "Failed to list fraud events", err)
		return
	}
	c.JSON(http.StatusOK, page)
}
