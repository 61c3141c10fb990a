package defense

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DecayTimer runs Service.Decay on an interval.
type DecayTimer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDecayTimer creates a decay timer. Interval defaults to one hour.
func NewDecayTimer(service *Service, interval time.Duration, logger *slog.Logger) *DecayTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayTimer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *DecayTimer) Running() bool {
	return t.running.Load()
}

// Start runs decay passes until ctx is done or Stop is called.
func (t *DecayTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDecay(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *DecayTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *DecayTimer) safeDecay(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in decay timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.service.Decay(ctx, t.service.now()); err != nil {
		t.logger.Warn("rule decay pass failed", "error", err)
	}
}
