package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "giftguard",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total internal webhook emits by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "giftguard",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total internal webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter raises webhook events from inside the service. All methods are
// fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d       *Dispatcher
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates a webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger, timeout: 30 * time.Second}
}

func (e *Emitter) emit(ctx context.Context, merchantID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil || merchantID == "" {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	_, err := e.d.Attempt(ctx, Event{
		Type:       eventType,
		MerchantID: merchantID,
		Timestamp:  e.d.now(),
		Data:       data,
	})
	if err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "merchant_id", merchantID, "error", err)
	}
}

// DefenseBlocked emits a defense.blocked event to the merchant whose
// request a defense rule blocked.
func (e *Emitter) DefenseBlocked(ctx context.Context, merchantID string, data map[string]any) {
	e.emit(ctx, merchantID, EventDefenseBlocked, data)
}
