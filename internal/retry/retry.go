// Package retry provides the exponential backoff schedule used by the webhook
// retry queue and a bounded retry helper for transient infrastructure calls.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// Policy describes a capped exponential backoff: min(Base * Factor^n, Cap),
// optionally spread by +-Jitter (a fraction of the delay).
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

// DefaultPolicy is 30s doubling up to 240s without jitter.
func DefaultPolicy() Policy {
	return Policy{Base: 30 * time.Second, Factor: 2, Cap: 240 * time.Second}
}

// Delay returns the un-jittered delay before retry n (n starts at 0).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(n))
	if p.Cap > 0 && (d > float64(p.Cap) || math.IsInf(d, 0)) {
		return p.Cap
	}
	return time.Duration(d)
}

// Next returns Delay(n) with jitter applied. The result never exceeds Cap.
func (p Policy) Next(n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := time.Duration(float64(d) * p.Jitter)
	d = d - spread + time.Duration(cryptoInt64n(int64(2*spread+1)))
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := Policy{Base: baseDelay, Factor: 2, Jitter: 0.25}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Next(attempt)):
		}
	}

	return err
}
