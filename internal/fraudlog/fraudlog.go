// Package fraudlog is the append-only log of suspicious gift card attempts.
//
// Events are validated and normalized at ingestion so the clustering and
// replay engines can trust what they read: IPs are canonical, reasons are
// lower-case, and every event carries at least an IP or a device fingerprint.
package fraudlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/giftguard/internal/pagination"
	"github.com/mbd888/giftguard/internal/validation"
)

var (
	ErrInvalidEvent = errors.New("invalid fraud event")
	ErrNotFound     = errors.New("fraud event not found")
)

const (
	maxReasonLength    = 128
	maxUserAgentLength = 512
)

// FraudEvent is one suspicious attempt. Empty strings mean the attribute was
// not observed. Events are immutable once appended.
type FraudEvent struct {
	ID          string `json:"id"`
	GAN         string `json:"gan,omitempty"`
	IP          string `json:"ip,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Reason      string `json:"reason"`
	// Blocked marks attempts an active rule already stopped.
	Blocked   bool      `json:"blocked,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *FraudEvent) HasGAN() bool         { return e.GAN != "" }
func (e *FraudEvent) HasIP() bool          { return e.IP != "" }
func (e *FraudEvent) HasFingerprint() bool { return e.Fingerprint != "" }
func (e *FraudEvent) HasMerchant() bool    { return e.MerchantID != "" }

// Normalize canonicalizes the event in place. It rejects events without a
// reason, without any of ip/fingerprint, or with an unparseable IP.
func (e *FraudEvent) Normalize(now time.Time) error {
	e.GAN = validation.NormalizeGAN(validation.SanitizeString(e.GAN, validation.MaxStringLength))
	e.Fingerprint = validation.SanitizeString(e.Fingerprint, validation.MaxStringLength)
	e.MerchantID = validation.SanitizeString(e.MerchantID, validation.MaxStringLength)
	e.UserAgent = validation.SanitizeString(e.UserAgent, maxUserAgentLength)
	e.Reason = strings.ToLower(validation.SanitizeString(e.Reason, maxReasonLength))

	if raw := strings.TrimSpace(e.IP); raw != "" {
		e.IP = validation.NormalizeIP(raw)
		if e.IP == "" {
			return fmt.Errorf("%w: ip %q is not a valid address", ErrInvalidEvent, raw)
		}
	} else {
		e.IP = ""
	}

	if e.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidEvent)
	}
	if !e.HasIP() && !e.HasFingerprint() {
		return fmt.Errorf("%w: ip or fingerprint is required", ErrInvalidEvent)
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	return nil
}

// TimeRange is an inclusive time window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	IP          string
	Fingerprint string
	MerchantID  string
	Reason      string
	Since       time.Time
	Until       time.Time
	Cursor      *pagination.Cursor
	Limit       int
}

func (f Filter) matches(e *FraudEvent) bool {
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if f.Fingerprint != "" && e.Fingerprint != f.Fingerprint {
		return false
	}
	if f.MerchantID != "" && e.MerchantID != f.MerchantID {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return f.Cursor.After(e.Timestamp, e.ID)
}

// Store persists fraud events.
type Store interface {
	Append(ctx context.Context, e *FraudEvent) error
	Get(ctx context.Context, id string) (*FraudEvent, error)
	// Range returns events inside r ordered by timestamp ascending, then ID.
	Range(ctx context.Context, r TimeRange) ([]*FraudEvent, error)
	// Recent returns the newest limit events, newest first, ties broken by ID descending.
	Recent(ctx context.Context, limit int) ([]*FraudEvent, error)
	// List returns filtered events newest first. It fetches at most Limit rows.
	List(ctx context.Context, f Filter) ([]*FraudEvent, error)
}
