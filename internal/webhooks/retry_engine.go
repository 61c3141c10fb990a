package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/giftguard/internal/metrics"
)

// ProcessResult counts what one ProcessDue pass did.
type ProcessResult struct {
	Claimed     int `json:"claimed"`
	Delivered   int `json:"delivered"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// RetryEngine drains the retry queue and serves operator retries.
type RetryEngine struct {
	d       *Dispatcher
	store   Store
	locker  Locker
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewRetryEngine creates a retry engine that shares d's store, client and
// configuration. A nil locker means an in-process one.
func NewRetryEngine(d *Dispatcher, locker Locker, logger *slog.Logger) *RetryEngine {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &RetryEngine{
		d:      d,
		store:  d.store,
		locker: locker,
		logger: logger,
		stop:   make(chan struct{}, 1),
	}
}

// Running reports whether the poll loop is active.
func (e *RetryEngine) Running() bool {
	return e.running.Load()
}

// Start polls the queue every PollInterval until ctx is done or Stop is called.
func (e *RetryEngine) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	interval := e.d.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeProcess(ctx)
		}
	}
}

// Stop signals the poll loop to stop.
func (e *RetryEngine) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *RetryEngine) safeProcess(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in webhook retry engine", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := e.ProcessDue(ctx); err != nil {
		e.logger.Warn("webhook retry pass failed", "error", err)
	}
}

// ProcessDue claims due entries and attempts each once.
func (e *RetryEngine) ProcessDue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	cfg := e.d.cfg
	entries, err := e.store.ClaimDue(ctx, e.d.now(), cfg.BatchSize, cfg.ClaimTTL)
	if err != nil {
		return res, fmt.Errorf("claim due retries: %w", err)
	}
	res.Claimed = len(entries)
	metrics.WebhookRetryClaims.Add(float64(len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		unlock, ok, err := e.locker.TryLock(ctx, entry.DeliveryID, cfg.ClaimTTL)
		if err != nil {
			e.logger.Warn("webhook lock failed", "delivery_id", entry.DeliveryID, "error", err)
		}
		if !ok {
			// A force retry holds it and will settle the entry itself.
			res.Skipped++
			continue
		}
		status, err := e.retry(ctx, entry)
		unlock()
		if err != nil {
			e.logger.Warn("webhook retry failed", "delivery_id", entry.DeliveryID, "error", err)
			res.Skipped++
			continue
		}
		switch status {
		case StatusDelivered:
			res.Delivered++
		case StatusQueued:
			res.Rescheduled++
		case StatusFailed:
			res.Failed++
		}
	}
	if res.Claimed > 0 {
		e.logger.Info("webhook retry pass",
			"claimed", res.Claimed, "delivered", res.Delivered,
			"rescheduled", res.Rescheduled, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}

// retry attempts a claimed queue entry and settles it. The caller holds the
// delivery lock.
func (e *RetryEngine) retry(ctx context.Context, entry *RetryEntry) (DeliveryStatus, error) {
	del, err := e.store.GetDelivery(ctx, entry.DeliveryID)
	if errors.Is(err, ErrDeliveryNotFound) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("load delivery: %w", err)
	}
	if del.Status == StatusDelivered || del.Status == StatusFailed {
		// Stale entry left by an interrupted transition.
		return del.Status, e.store.Complete(ctx, del, nil, entry.ClaimToken)
	}

	sub, err := e.store.GetSubscription(ctx, del.SubscriptionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil || !sub.Enabled {
		del.RetryCount = entry.RetryCount + 1
		del.LastError = "subscription disabled or removed"
		return StatusFailed, e.d.fail(ctx, del, nil, "permanent", entry.ClaimToken)
	}

	del.Status = StatusPending
	del.UpdatedAt = e.d.now()
	if err := e.store.UpdateDelivery(ctx, del); err != nil {
		return "", fmt.Errorf("mark delivery pending: %w", err)
	}

	res := e.d.Send(ctx, sub, del)
	return e.settle(ctx, del, entry, res)
}

// settle records the result of a retry attempt: delivered, rescheduled with
// backoff, or failed once retries run out.
func (e *RetryEngine) settle(ctx context.Context, del *Delivery, entry *RetryEntry, res AttemptResult) (DeliveryStatus, error) {
	out := Classify(res.StatusCode, res.Err)
	now := e.d.now()
	applyResult(del, res, out, now)

	if out.Delivered {
		del.Status = StatusDelivered
		if err := e.store.Complete(ctx, del, nil, entry.ClaimToken); err != nil {
			return "", fmt.Errorf("complete delivery: %w", err)
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		e.logger.Info("webhook delivered on retry", "delivery_id", del.ID, "retry_count", del.RetryCount+1)
		return StatusDelivered, nil
	}

	del.RetryCount = entry.RetryCount + 1
	if !out.Retryable || del.RetryCount >= e.d.cfg.MaxRetries {
		cause := "exhausted"
		if !out.Retryable {
			cause = "permanent"
		}
		return StatusFailed, e.d.fail(ctx, del, nil, cause, entry.ClaimToken)
	}

	del.Status = StatusQueued
	next := &RetryEntry{
		DeliveryID:  del.ID,
		MerchantID:  del.MerchantID,
		RetryCount:  del.RetryCount,
		NextRetryAt: now.Add(e.d.cfg.Policy.Next(del.RetryCount)),
		LastStatus:  out.LastStatus,
	}
	if err := e.store.Enqueue(ctx, del, next, entry.ClaimToken); err != nil {
		return "", fmt.Errorf("reschedule delivery: %w", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("queued").Inc()
	return StatusQueued, nil
}

// ForceRetry attempts a delivery now, whatever its schedule. A delivered
// delivery, or one with an attempt already in flight, is returned unchanged.
// A failed one gets one more attempt: success resolves its failure entry,
// failure reopens the same entry.
func (e *RetryEngine) ForceRetry(ctx context.Context, deliveryID string) (*Delivery, error) {
	unlock, ok, err := e.locker.TryLock(ctx, deliveryID, e.d.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.store.GetDelivery(ctx, deliveryID)
	}
	defer unlock()

	del, err := e.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	switch del.Status {
	case StatusDelivered, StatusPending:
		return del, nil
	case StatusQueued:
		entry, err := e.store.ClaimOne(ctx, deliveryID, e.d.now(), e.d.cfg.ClaimTTL)
		if errors.Is(err, ErrDeliveryBusy) {
			// the scheduler claimed it first
			return del, nil
		}
		if err != nil {
			return nil, err
		}
		if _, err := e.retry(ctx, entry); err != nil {
			return nil, err
		}
		return e.store.GetDelivery(ctx, deliveryID)
	}

	// FAILED
	failure, err := e.store.FailureForDelivery(ctx, deliveryID)
	if err != nil && !errors.Is(err, ErrFailureNotFound) {
		return nil, err
	}
	sub, err := e.store.GetSubscription(ctx, del.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	del.Status = StatusPending
	del.UpdatedAt = e.d.now()
	if err := e.store.UpdateDelivery(ctx, del); err != nil {
		return nil, fmt.Errorf("mark delivery pending: %w", err)
	}

	res := e.d.Send(ctx, sub, del)
	out := Classify(res.StatusCode, res.Err)
	now := e.d.now()
	applyResult(del, res, out, now)

	if !out.Delivered {
		del.RetryCount++
		if err := e.d.fail(ctx, del, failure, "force_retry", ""); err != nil {
			return nil, err
		}
		return del, nil
	}

	del.Status = StatusDelivered
	if failure != nil && !failure.Resolved {
		failure.Resolved = true
		failure.ResolvedAt = &now
	}
	if err := e.store.Complete(ctx, del, failure, ""); err != nil {
		return nil, fmt.Errorf("complete delivery: %w", err)
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	e.logger.Info("webhook delivered on force retry", "delivery_id", del.ID)
	return del, nil
}

// Resolve marks a failure entry handled. Resolving twice is a no-op.
func (e *RetryEngine) Resolve(ctx context.Context, failureID string) (*FailureEntry, error) {
	changed, err := e.store.ResolveFailure(ctx, failureID, e.d.now())
	if err != nil {
		return nil, err
	}
	if changed {
		e.logger.Info("webhook failure resolved", "failure_id", failureID)
	}
	return e.store.GetFailure(ctx, failureID)
}

// ListFailures returns failure entries, newest first.
func (e *RetryEngine) ListFailures(ctx context.Context, f FailureFilter) ([]*FailureEntry, error) {
	return e.store.ListFailures(ctx, f)
}

// Delivery returns a delivery by ID.
func (e *RetryEngine) Delivery(ctx context.Context, id string) (*Delivery, error) {
	return e.store.GetDelivery(ctx, id)
}
