package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/traces"
)

var (
	// ErrInvalidWindow is returned when a scan window ends before it starts.
	ErrInvalidWindow = errors.New("invalid scan window")
	// ErrNoNewEvidence is returned by a Sink when a cluster only repeats
	// members it has already absorbed.
	ErrNoNewEvidence = errors.New("cluster adds no new evidence")
)

// Engine scans the fraud log for clusters.
type Engine struct {
	events   fraudlog.Store
	keys     []SignatureKey
	halfLife time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates a cluster engine over the fraud event store.
func NewEngine(events fraudlog.Store, keys []SignatureKey, logger *slog.Logger) *Engine {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	return &Engine{
		events:   events,
		keys:     keys,
		halfLife: DefaultHalfLife,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithHalfLife sets the recency half-life.
func (e *Engine) WithHalfLife(d time.Duration) *Engine {
	if d > 0 {
		e.halfLife = d
	}
	return e
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Keys returns the configured signature keys.
func (e *Engine) Keys() []SignatureKey { return e.keys }

// Scan clusters the events inside window. Events missing the attributes a key
// needs are left out of that key's groups only. Events recorded for requests
// an active rule already blocked are not evidence and are skipped.
func (e *Engine) Scan(ctx context.Context, window fraudlog.TimeRange, minClusterSize int) ([]ThreatCluster, error) {
	if window.To.Before(window.From) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidWindow, window.To, window.From)
	}
	ctx, span := traces.StartSpan(ctx, "cluster.Scan")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ClusterScanDuration.Observe(time.Since(start).Seconds()) }()

	events, err := e.events.Range(ctx, window)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load fraud events: %w", err)
	}

	unblocked := events[:0:0]
	for _, ev := range events {
		if ev != nil && !ev.Blocked {
			unblocked = append(unblocked, ev)
		}
	}

	ref := e.now()
	if window.To.Before(ref) {
		ref = window.To
	}
	clusters := Build(unblocked, Options{
		Keys:      e.keys,
		MinSize:   minClusterSize,
		Reference: ref,
		HalfLife:  e.halfLife,
	})

	for _, c := range clusters {
		metrics.ClustersFoundTotal.WithLabelValues(string(c.SignatureKey)).Inc()
	}
	span.SetAttributes(traces.Count("fraud.events", len(events)), traces.Count("fraud.clusters", len(clusters)))
	e.logger.Debug("cluster scan complete", "events", len(events), "clusters", len(clusters))
	return clusters, nil
}

// Sink receives clusters worth turning into defense rules.
type Sink interface {
	Accept(ctx context.Context, c ThreatCluster) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c ThreatCluster) error

func (f SinkFunc) Accept(ctx context.Context, c ThreatCluster) error { return f(ctx, c) }

// PromoteResult counts what Promote did.
type PromoteResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
	// Collapsed clusters targeted the same rule as a stronger cluster in the batch.
	Collapsed int `json:"collapsed"`
	// Unchanged clusters carried no members newer than the rule had seen.
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Promoter forwards clusters at or above a confidence floor to a sink.
type Promoter struct {
	sink          Sink
	minConfidence float64
	logger        *slog.Logger
}

// NewPromoter creates a promoter.
func NewPromoter(sink Sink, minConfidence float64, logger *slog.Logger) *Promoter {
	return &Promoter{sink: sink, minConfidence: minConfidence, logger: logger}
}

// Promote hands each qualifying cluster to the sink. Clusters that target
// the same rule are collapsed into the most confident one, which carries the
// newest LastSeen of the group. A sink failure is logged and counted; the
// remaining clusters are still processed.
func (p *Promoter) Promote(ctx context.Context, clusters []ThreatCluster) PromoteResult {
	var res PromoteResult
	var batch []ThreatCluster
	byTarget := make(map[string]int)
	for _, c := range clusters {
		if c.Confidence < p.minConfidence {
			res.Skipped++
			continue
		}
		attr, value, ok := c.Target()
		if !ok {
			batch = append(batch, c)
			continue
		}
		key := attr + "|" + value
		i, seen := byTarget[key]
		if !seen {
			byTarget[key] = len(batch)
			batch = append(batch, c)
			continue
		}
		res.Collapsed++
		if c.Confidence > batch[i].Confidence {
			c.LastSeen = later(c.LastSeen, batch[i].LastSeen)
			batch[i] = c
		} else {
			batch[i].LastSeen = later(batch[i].LastSeen, c.LastSeen)
		}
	}

	for _, c := range batch {
		err := p.sink.Accept(ctx, c)
		if errors.Is(err, ErrNoNewEvidence) {
			res.Unchanged++
			continue
		}
		if err != nil {
			res.Failed++
			p.logger.Warn("cluster promotion failed",
				"key", c.SignatureKey, "signature", c.Signature, "error", err)
			continue
		}
		res.Accepted++
	}
	return res
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
