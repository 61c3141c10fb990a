package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/giftguard/internal/fraudlog"
)

// TimerConfig controls the periodic scan.
type TimerConfig struct {
	Interval time.Duration
	Window   time.Duration
	MinSize  int
}

// Timer periodically scans the trailing window and promotes clusters.
type Timer struct {
	engine   *Engine
	promoter *Promoter
	cfg      TimerConfig
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a cluster scan timer.
func NewTimer(engine *Engine, promoter *Promoter, cfg TimerConfig, logger *slog.Logger) *Timer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &Timer{
		engine:   engine,
		promoter: promoter,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the scan loop until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRunOnce(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in cluster timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("cluster scan failed", "error", err)
	}
}

// RunOnce scans [now-Window, now] and promotes the result.
func (t *Timer) RunOnce(ctx context.Context) (PromoteResult, error) {
	now := t.engine.now()
	clusters, err := t.engine.Scan(ctx, fraudlog.TimeRange{From: now.Add(-t.cfg.Window), To: now}, t.cfg.MinSize)
	if err != nil {
		return PromoteResult{}, err
	}
	res := t.promoter.Promote(ctx, clusters)
	if res.Accepted > 0 || res.Failed > 0 {
		t.logger.Info("cluster scan promoted rules",
			"clusters", len(clusters), "accepted", res.Accepted, "unchanged", res.Unchanged,
			"collapsed", res.Collapsed, "failed", res.Failed)
	}
	return res, nil
}
