// Package admin provides operator endpoints for the fraud defense and webhook
// delivery subsystems.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftguard/internal/cluster"
	"github.com/mbd888/giftguard/internal/defense"
	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/replay"
	"github.com/mbd888/giftguard/internal/webhooks"
)

// HeaderSecret carries the admin secret.
const HeaderSecret = "X-Admin-Secret"

// Deliveries is the operator view of webhook delivery.
type Deliveries interface {
	ForceRetry(ctx context.Context, deliveryID string) (*webhooks.Delivery, error)
	Resolve(ctx context.Context, failureID string) (*webhooks.FailureEntry, error)
	ListFailures(ctx context.Context, f webhooks.FailureFilter) ([]*webhooks.FailureEntry, error)
}

// Rules manages defense rules.
type Rules interface {
	CreateManual(ctx context.Context, t defense.RuleType, value, reason string, confidence float64) (*defense.Rule, defense.UpsertResult, error)
	Deactivate(ctx context.Context, id string) (*defense.Rule, error)
	List(ctx context.Context, f defense.ListFilter) ([]*defense.Rule, error)
}

// Replayer runs threat replays.
type Replayer interface {
	Replay(ctx context.Context, limit int, mode replay.Mode) (*replay.Report, error)
}

// ClusterScanner runs one cluster scan and promotion pass.
type ClusterScanner interface {
	RunOnce(ctx context.Context) (cluster.PromoteResult, error)
}

// FraudEvents lists the fraud event log.
type FraudEvents interface {
	List(ctx context.Context, f fraudlog.Filter) (*fraudlog.Page, error)
}

// RequireSecret rejects requests whose X-Admin-Secret header does not match
// secret. An empty secret leaves the routes open only when allowOpen is set
// (development); otherwise every request is refused.
func RequireSecret(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints require ADMIN_SECRET to be configured",
			})
			return
		}
		got := c.GetHeader(HeaderSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid " + HeaderSecret + " header required",
			})
			return
		}
		c.Next()
	}
}
