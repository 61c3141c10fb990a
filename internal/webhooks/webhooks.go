// Package webhooks delivers signed event notifications to merchant endpoints.
//
// Every send is recorded as a Delivery. The first attempt happens inline;
// retryable failures go to a persisted retry queue that a RetryEngine drains
// with exponential backoff. Deliveries that run out of retries, or fail for a
// reason retrying cannot fix, land in the failure log where an operator can
// force another attempt or mark them resolved.
//
// Delivery states:
//
//	PENDING -> DELIVERED        first or retried attempt succeeded
//	PENDING -> QUEUED           retryable failure, retry scheduled
//	QUEUED  -> PENDING          claimed by the scheduler or a force retry
//	PENDING -> FAILED           retries exhausted or permanent failure
//	FAILED  -> PENDING          force retry
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/giftguard/internal/retry"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrDeliveryNotFound     = errors.New("webhook delivery not found")
	ErrFailureNotFound      = errors.New("webhook failure not found")
	ErrNotQueued            = errors.New("delivery is not in the retry queue")
	ErrClaimLost            = errors.New("retry claim no longer held")
	ErrDeliveryBusy         = errors.New("delivery attempt already in progress")
	ErrQueueFull            = errors.New("merchant retry queue is full")
	ErrInvalidEvent         = errors.New("invalid webhook event")
	ErrCircuitOpen          = errors.New("endpoint circuit open")
)

// EventType names a webhook event.
type EventType string

const (
	EventDefenseBlocked    EventType = "defense.blocked"
	EventGiftCardActivated EventType = "giftcard.activated"
	EventGiftCardRedeemed  EventType = "giftcard.redeemed"
	EventGiftCardReloaded  EventType = "giftcard.reloaded"
	EventGiftCardVoided    EventType = "giftcard.voided"
	EventFraudSuspected    EventType = "fraud.suspected"
)

// Event is a business event to fan out to a merchant's subscriptions.
type Event struct {
	Type       EventType      `json:"eventType"`
	MerchantID string         `json:"merchantId"`
	GAN        string         `json:"gan,omitempty"`
	Amount     string         `json:"amount,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Subscription routes one merchant event type to an endpoint.
type Subscription struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchantId"`
	EventType  EventType `json:"eventType"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DeliveryStatus is the state of one logical send.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusQueued    DeliveryStatus = "QUEUED"
	StatusFailed    DeliveryStatus = "FAILED"
)

// Delivery is one event sent to one subscription, across all its attempts.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	MerchantID     string          `json:"merchantId"`
	EventType      EventType       `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	StatusCode     *int            `json:"statusCode,omitempty"`
	ResponseTimeMs *int64          `json:"responseTimeMs,omitempty"`
	RetryCount     int             `json:"retryCount"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// RetryEntry schedules the next attempt of a queued delivery.
type RetryEntry struct {
	DeliveryID  string     `json:"deliveryId"`
	MerchantID  string     `json:"merchantId"`
	RetryCount  int        `json:"retryCount"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	LastStatus  string     `json:"lastStatus"`
	ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	ClaimToken  string     `json:"-"`
}

// FailureEntry records a delivery that ended FAILED. There is at most one
// entry per delivery; a failed force retry reopens it.
type FailureEntry struct {
	ID           string     `json:"id"`
	DeliveryID   string     `json:"deliveryId"`
	MerchantID   string     `json:"merchantId"`
	EventType    EventType  `json:"eventType"`
	StatusCode   *int       `json:"statusCode,omitempty"`
	ErrorMessage string     `json:"errorMessage"`
	RetryCount   int        `json:"retryCount"`
	FailedAt     time.Time  `json:"failedAt"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// FailureFilter narrows ListFailures. Zero values match everything.
type FailureFilter struct {
	MerchantID string
	Resolved   *bool
	Limit      int
}

func (f FailureFilter) matches(e *FailureEntry) bool {
	if f.MerchantID != "" && e.MerchantID != f.MerchantID {
		return false
	}
	if f.Resolved != nil && e.Resolved != *f.Resolved {
		return false
	}
	return true
}

// Store persists subscriptions, deliveries, the retry queue and the failure
// log. Methods that move a delivery between states write the delivery and
// its queue or failure rows together.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	// ListSubscriptions returns a merchant's subscriptions; an empty
	// eventType returns all of them.
	ListSubscriptions(ctx context.Context, merchantID string, eventType EventType) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// Enqueue writes d and inserts or replaces its retry entry, unclaimed.
	// When claimToken is set the entry must still carry that token.
	Enqueue(ctx context.Context, d *Delivery, e *RetryEntry, claimToken string) error
	// ClaimDue claims up to limit entries that are due at now and either
	// unclaimed or claimed before now-ttl.
	ClaimDue(ctx context.Context, now time.Time, limit int, ttl time.Duration) ([]*RetryEntry, error)
	// ClaimOne claims a single entry regardless of its schedule. It returns
	// ErrNotQueued if there is no entry and ErrDeliveryBusy if a live claim exists.
	ClaimOne(ctx context.Context, deliveryID string, now time.Time, ttl time.Duration) (*RetryEntry, error)
	GetRetryEntry(ctx context.Context, deliveryID string) (*RetryEntry, error)
	CountQueued(ctx context.Context, merchantID string) (int, error)

	// Complete writes d, removes its retry entry (which must carry
	// claimToken when one is given) and saves f when it is not nil.
	Complete(ctx context.Context, d *Delivery, f *FailureEntry, claimToken string) error

	GetFailure(ctx context.Context, id string) (*FailureEntry, error)
	FailureForDelivery(ctx context.Context, deliveryID string) (*FailureEntry, error)
	// ResolveFailure marks the entry resolved. changed is false if it already was.
	ResolveFailure(ctx context.Context, id string, at time.Time) (changed bool, err error)
	// ListFailures returns entries newest first.
	ListFailures(ctx context.Context, f FailureFilter) ([]*FailureEntry, error)
}

// Config controls delivery and retries.
type Config struct {
	Timeout              time.Duration
	Policy               retry.Policy
	MaxRetries           int
	MaxQueuedPerMerchant int
	PollInterval         time.Duration
	BatchSize            int
	ClaimTTL             time.Duration
	BreakerThreshold     int
	BreakerOpen          time.Duration
}

// DefaultConfig returns production defaults: 30s doubling to 240s, four retries.
func DefaultConfig() Config {
	return Config{
		Timeout:              10 * time.Second,
		Policy:               retry.DefaultPolicy(),
		MaxRetries:           4,
		MaxQueuedPerMerchant: 1000,
		PollInterval:         5 * time.Second,
		BatchSize:            50,
		ClaimTTL:             2 * time.Minute,
		BreakerThreshold:     5,
		BreakerOpen:          30 * time.Second,
	}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
