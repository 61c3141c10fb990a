package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/giftguard/internal/circuitbreaker"
	"github.com/mbd888/giftguard/internal/idgen"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/retry"
	"github.com/mbd888/giftguard/internal/security"
	"github.com/mbd888/giftguard/internal/traces"
)

const (
	HeaderSignature = "X-Signature"
	HeaderEvent     = "X-Giftguard-Event"
	HeaderDelivery  = "X-Giftguard-Delivery"

	signaturePrefix = "sha256="
	maxResponseBody = 64 << 10
)

// Sign returns the X-Signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify checks an X-Signature header value in constant time.
func Verify(body []byte, secret, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}

// AttemptResult is what one HTTP attempt produced.
type AttemptResult struct {
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Outcome is the classification of an AttemptResult.
type Outcome struct {
	Delivered  bool
	Retryable  bool
	LastStatus string
}

// Classify maps an attempt to an outcome. 2xx is delivered. 408, 429 and
// 5xx, timeouts, network errors and open circuits are retryable. Every other
// status and any blocked endpoint is permanent.
func Classify(statusCode int, err error) Outcome {
	if err != nil {
		var netErr net.Error
		switch {
		case errors.Is(err, ErrCircuitOpen):
			return Outcome{Retryable: true, LastStatus: "circuit_open"}
		case errors.Is(err, security.ErrBlockedEndpoint):
			return Outcome{LastStatus: "blocked_endpoint"}
		case retry.IsPermanent(err):
			return Outcome{LastStatus: "permanent_error"}
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
			return Outcome{Retryable: true, LastStatus: "timeout"}
		default:
			return Outcome{Retryable: true, LastStatus: "network_error"}
		}
	}
	status := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return Outcome{Delivered: true, LastStatus: status}
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return Outcome{Retryable: true, LastStatus: status}
	}
	return Outcome{LastStatus: status}
}

// EndpointValidator vets a subscription URL before it is called.
type EndpointValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// payload is the JSON body posted to subscribers.
type payload struct {
	EventType  EventType      `json:"eventType"`
	MerchantID string         `json:"merchantId"`
	GAN        string         `json:"gan"`
	Amount     string         `json:"amount"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Dispatcher makes the first delivery attempt and owns the HTTP client the
// retry engine reuses.
type Dispatcher struct {
	store     Store
	cfg       Config
	client    *http.Client
	validator EndpointValidator
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a webhook dispatcher. Endpoints are checked with a
// validator that refuses private addresses; use WithValidator to change that.
func NewDispatcher(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	threshold, open := cfg.BreakerThreshold, cfg.BreakerOpen
	if threshold <= 0 {
		threshold = DefaultConfig().BreakerThreshold
	}
	if open <= 0 {
		open = DefaultConfig().BreakerOpen
	}
	return &Dispatcher{
		store: store,
		cfg:   cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects could lead to an address the validator never saw.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		validator: security.NewEndpointValidator(false),
		breaker:   circuitbreaker.New(threshold, open),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithValidator replaces the endpoint validator.
func (d *Dispatcher) WithValidator(v EndpointValidator) *Dispatcher {
	d.validator = v
	return d
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithBreaker replaces the per-endpoint circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithClock overrides the time source (tests).
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Config returns the delivery configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Attempt creates a delivery for each enabled subscription of the event's
// merchant and type and makes the first attempt inline. The returned
// deliveries reflect where each one ended: DELIVERED, QUEUED or FAILED.
func (d *Dispatcher) Attempt(ctx context.Context, ev Event) ([]*Delivery, error) {
	ev.MerchantID = strings.TrimSpace(ev.MerchantID)
	if ev.MerchantID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: merchantId and eventType are required", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}

	subs, err := d.store.ListSubscriptions(ctx, ev.MerchantID, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	body, err := json.Marshal(payload{
		EventType:  ev.Type,
		MerchantID: ev.MerchantID,
		GAN:        ev.GAN,
		Amount:     ev.Amount,
		Timestamp:  ev.Timestamp.UTC(),
		Data:       ev.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	var (
		out  []*Delivery
		errs []error
	)
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		now := d.now()
		del := &Delivery{
			ID:             idgen.WithPrefix("dlv_"),
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			EventType:      ev.Type,
			Payload:        body,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.store.CreateDelivery(ctx, del); err != nil {
			errs = append(errs, fmt.Errorf("create delivery for %s: %w", sub.ID, err))
			continue
		}
		if err := d.settleFirst(ctx, del, d.Send(ctx, sub, del)); err != nil {
			errs = append(errs, err)
		}
		out = append(out, del)
	}
	return out, errors.Join(errs...)
}

// settleFirst records the outcome of a delivery's first attempt.
func (d *Dispatcher) settleFirst(ctx context.Context, del *Delivery, res AttemptResult) error {
	out := Classify(res.StatusCode, res.Err)
	now := d.now()
	applyResult(del, res, out, now)

	if out.Delivered {
		del.Status = StatusDelivered
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		return d.store.Complete(ctx, del, nil, "")
	}
	if !out.Retryable {
		return d.fail(ctx, del, nil, "permanent", "")
	}

	queued, err := d.store.CountQueued(ctx, del.MerchantID)
	if err != nil {
		return fmt.Errorf("count queued deliveries: %w", err)
	}
	if d.cfg.MaxQueuedPerMerchant > 0 && queued >= d.cfg.MaxQueuedPerMerchant {
		del.LastError = ErrQueueFull.Error() + ": " + del.LastError
		d.logger.Warn("webhook retry queue full", "merchant_id", del.MerchantID, "queued", queued)
		return d.fail(ctx, del, nil, "backpressure", "")
	}

	del.Status = StatusQueued
	entry := &RetryEntry{
		DeliveryID:  del.ID,
		MerchantID:  del.MerchantID,
		RetryCount:  0,
		NextRetryAt: now.Add(d.cfg.Policy.Next(0)),
		LastStatus:  out.LastStatus,
	}
	if err := d.store.Enqueue(ctx, del, entry, ""); err != nil {
		return fmt.Errorf("enqueue delivery %s: %w", del.ID, err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("queued").Inc()
	d.logger.Info("webhook delivery queued for retry",
		"delivery_id", del.ID, "merchant_id", del.MerchantID,
		"last_status", out.LastStatus, "next_retry_at", entry.NextRetryAt)
	return nil
}

// fail moves del to FAILED and writes its failure entry. An existing entry
// for the delivery is reopened rather than duplicated.
func (d *Dispatcher) fail(ctx context.Context, del *Delivery, existing *FailureEntry, cause, claimToken string) error {
	now := d.now()
	del.Status = StatusFailed
	del.UpdatedAt = now

	f := existing
	if f == nil {
		f = &FailureEntry{ID: idgen.WithPrefix("whf_"), DeliveryID: del.ID}
	}
	f.MerchantID = del.MerchantID
	f.EventType = del.EventType
	f.StatusCode = del.StatusCode
	f.ErrorMessage = del.LastError
	f.RetryCount = del.RetryCount
	f.FailedAt = now
	f.Resolved = false
	f.ResolvedAt = nil

	if err := d.store.Complete(ctx, del, f, claimToken); err != nil {
		return fmt.Errorf("record failed delivery %s: %w", del.ID, err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	metrics.WebhookFailuresLogged.WithLabelValues(cause).Inc()
	d.logger.Warn("webhook delivery failed",
		"delivery_id", del.ID, "merchant_id", del.MerchantID,
		"cause", cause, "retry_count", del.RetryCount, "error", del.LastError)
	return nil
}

// Send makes one signed POST of del to sub. It never touches the store.
func (d *Dispatcher) Send(ctx context.Context, sub *Subscription, del *Delivery) AttemptResult {
	ctx, span := traces.StartSpan(ctx, "webhooks.Send",
		traces.DeliveryID(del.ID), traces.EventType(string(del.EventType)), traces.MerchantID(del.MerchantID))
	defer span.End()

	res := d.send(ctx, sub, del)
	if res.Err != nil {
		traces.RecordError(span, res.Err)
	}
	return res
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, del *Delivery) AttemptResult {
	if d.validator != nil {
		if err := d.validator.Validate(ctx, sub.URL); err != nil {
			return AttemptResult{Err: err}
		}
	}
	host := security.Host(sub.URL)
	if !d.breaker.Allow(host) {
		return AttemptResult{Err: fmt.Errorf("%w: %s", ErrCircuitOpen, host)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return AttemptResult{Err: retry.Permanent(fmt.Errorf("build request: %w", err))}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "giftguard-webhooks/1")
	req.Header.Set(HeaderEvent, string(del.EventType))
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderSignature, Sign(del.Payload, sub.Secret))

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)
	metrics.WebhookAttemptDuration.Observe(elapsed.Seconds())
	if err != nil {
		d.breaker.RecordFailure(host)
		return AttemptResult{Err: err, Duration: elapsed}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		d.breaker.RecordFailure(host)
	} else {
		d.breaker.RecordSuccess(host)
	}
	return AttemptResult{StatusCode: resp.StatusCode, Duration: elapsed}
}

// applyResult copies an attempt's status code, timing and error onto del.
func applyResult(del *Delivery, res AttemptResult, out Outcome, now time.Time) {
	del.UpdatedAt = now
	if res.StatusCode > 0 {
		del.StatusCode = intPtr(res.StatusCode)
	}
	if res.Duration > 0 || res.StatusCode > 0 {
		del.ResponseTimeMs = int64Ptr(res.Duration.Milliseconds())
	}
	switch {
	case out.Delivered:
		del.LastError = ""
	case res.Err != nil:
		del.LastError = out.LastStatus + ": " + res.Err.Error()
	default:
		del.LastError = "HTTP " + out.LastStatus
	}
}
