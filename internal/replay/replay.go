// Package replay re-evaluates historical fraud events against the current
// defense rules to measure how well they would have worked.
//
// A replay reads one snapshot of the active rules and counts matches in its
// own report, so production hit counters and confidence are never touched.
// In apply mode the events that slipped through are re-clustered and the
// strong groups become rules.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/giftguard/internal/cluster"
	"github.com/mbd888/giftguard/internal/defense"
	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/traces"
)

var (
	ErrInvalidLimit     = errors.New("replay limit must be positive")
	ErrInvalidMode      = errors.New("replay mode must be dry_run or apply")
	ErrApplyUnavailable = errors.New("replay apply mode requires a rule writer")
)

// Mode selects whether a replay may write rules.
type Mode string

const (
	DryRun Mode = "dry_run"
	Apply  Mode = "apply"
)

// ParseMode accepts "dry_run", "dryRun", "dry-run" and "apply".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "dry_run", "dryrun":
		return DryRun, nil
	case "apply":
		return Apply, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Outcome is the classification of one replayed event.
type Outcome string

const (
	BlockedCorrectly  Outcome = "blocked_correctly"
	FalsePositive     Outcome = "false_positive"
	ShouldHaveBlocked Outcome = "should_have_blocked"
	Ignored           Outcome = "ignored"
)

// Outcomes lists every outcome in report order.
var Outcomes = []Outcome{BlockedCorrectly, FalsePositive, ShouldHaveBlocked, Ignored}

// Config holds the replay heuristics.
type Config struct {
	// FalsePositiveBelow marks a match as overly broad when the rule is weaker
	// than this and the event's source appears only once in the sample.
	FalsePositiveBelow float64
	// RepeatOffenderMin is how many sample events an unmatched ip or
	// fingerprint needs before it counts as should-have-blocked.
	RepeatOffenderMin int
	// ApplyMinConfidence is the floor for turning a replay cluster into a rule.
	ApplyMinConfidence float64
	// MaxLimit caps the number of events one replay reads.
	MaxLimit int
	HalfLife time.Duration
}

// DefaultConfig returns the production heuristics.
func DefaultConfig() Config {
	return Config{
		FalsePositiveBelow: 50,
		RepeatOffenderMin:  3,
		ApplyMinConfidence: 60,
		MaxLimit:           10000,
		HalfLife:           cluster.DefaultHalfLife,
	}
}

// RuleSource provides the active rule snapshot.
type RuleSource interface {
	Snapshot(ctx context.Context) (*defense.Snapshot, error)
}

// RuleWriter creates or merges rules in apply mode. *defense.Service satisfies it.
type RuleWriter interface {
	Upsert(ctx context.Context, cand defense.Candidate) (*defense.Rule, defense.UpsertResult, error)
}

// Report is the result of one replay.
type Report struct {
	Mode          Mode                    `json:"mode"`
	Analyzed      int                     `json:"analyzed"`
	Counts        map[Outcome]int         `json:"counts"`
	Effectiveness float64                 `json:"effectiveness"`
	RuleSetSize   int                     `json:"ruleSetSize"`
	RuleHits      map[string]int          `json:"ruleHits"`
	Candidates    []cluster.ThreatCluster `json:"candidates"`
	CreatedRules  []string                `json:"createdRules,omitempty"`
	MergedRules   []string                `json:"mergedRules,omitempty"`
	ApplyErrors   []string                `json:"applyErrors,omitempty"`
	StartedAt     time.Time               `json:"startedAt"`
	DurationMs    int64                   `json:"durationMs"`
}

// Engine runs replays.
type Engine struct {
	events fraudlog.Store
	rules  RuleSource
	writer RuleWriter
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a replay engine. writer may be nil, which limits the
// engine to dry runs.
func NewEngine(events fraudlog.Store, rules RuleSource, writer RuleWriter, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RepeatOffenderMin < 1 {
		cfg.RepeatOffenderMin = def.RepeatOffenderMin
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	return &Engine{
		events: events,
		rules:  rules,
		writer: writer,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Replay evaluates the newest limit fraud events against the active rules.
func (e *Engine) Replay(ctx context.Context, limit int, mode Mode) (*Report, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if mode != DryRun && mode != Apply {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if mode == Apply && e.writer == nil {
		return nil, ErrApplyUnavailable
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}

	ctx, span := traces.StartSpan(ctx, "replay.Replay")
	defer span.End()
	started := e.now()

	events, err := e.events.Recent(ctx, limit)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load fraud events: %w", err)
	}
	live, err := e.rules.Snapshot(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load defense rules: %w", err)
	}
	// Private copy: nothing below can reach the rules the request path reads.
	snap := defense.NewSnapshot(live.Rules())

	report := &Report{
		Mode:        mode,
		Analyzed:    len(events),
		Counts:      make(map[Outcome]int, len(Outcomes)),
		RuleSetSize: snap.Len(),
		RuleHits:    make(map[string]int),
		StartedAt:   started,
	}
	for _, o := range Outcomes {
		report.Counts[o] = 0
	}

	missed := e.classify(events, snap, report)
	report.Effectiveness = effectiveness(report.Counts[BlockedCorrectly], report.Analyzed)
	report.Candidates = cluster.Build(missed, cluster.Options{
		Keys:      []cluster.SignatureKey{cluster.KeyIP, cluster.KeyFingerprint},
		MinSize:   e.cfg.RepeatOffenderMin,
		Reference: newest(events),
		HalfLife:  e.cfg.HalfLife,
	})
	if report.Candidates == nil {
		report.Candidates = []cluster.ThreatCluster{}
	}

	if mode == Apply {
		e.apply(ctx, report)
	}

	report.DurationMs = e.now().Sub(started).Milliseconds()
	metrics.ReplayRunsTotal.WithLabelValues(string(mode)).Inc()
	metrics.ReplayEffectiveness.Set(report.Effectiveness)
	span.SetAttributes(traces.Count("replay.events", report.Analyzed))

	e.logger.Info("replay complete",
		"mode", mode,
		"analyzed", report.Analyzed,
		"blocked_correctly", report.Counts[BlockedCorrectly],
		"false_positive", report.Counts[FalsePositive],
		"should_have_blocked", report.Counts[ShouldHaveBlocked],
		"ignored", report.Counts[Ignored],
		"effectiveness", report.Effectiveness,
		"created", len(report.CreatedRules),
		"merged", len(report.MergedRules))
	return report, nil
}

// classify assigns every event exactly one outcome and returns the
// should-have-blocked events.
func (e *Engine) classify(events []*fraudlog.FraudEvent, snap *defense.Snapshot, report *Report) []*fraudlog.FraudEvent {
	ipSeen := make(map[string]int)
	fpSeen := make(map[string]int)
	for _, ev := range events {
		if ev.HasIP() {
			ipSeen[ev.IP]++
		}
		if ev.HasFingerprint() {
			fpSeen[ev.Fingerprint]++
		}
	}

	var missed []*fraudlog.FraudEvent
	for _, ev := range events {
		rule := match(snap, ev)
		var out Outcome
		switch {
		case rule != nil:
			report.RuleHits[rule.ID]++
			out = BlockedCorrectly
			if rule.Confidence < e.cfg.FalsePositiveBelow && occurrences(ev, ipSeen, fpSeen) <= 1 {
				out = FalsePositive
			}
		case (ev.HasIP() && ipSeen[ev.IP] >= e.cfg.RepeatOffenderMin) ||
			(ev.HasFingerprint() && fpSeen[ev.Fingerprint] >= e.cfg.RepeatOffenderMin):
			out = ShouldHaveBlocked
			missed = append(missed, ev)
		default:
			out = Ignored
		}
		report.Counts[out]++
	}
	return missed
}

func (e *Engine) apply(ctx context.Context, report *Report) {
	done := make(map[string]bool)
	for _, c := range report.Candidates {
		if c.Confidence < e.cfg.ApplyMinConfidence {
			continue
		}
		cand, err := defense.CandidateFromCluster(c, defense.SourceReplay)
		if err != nil {
			continue
		}
		// An ip cluster and a fingerprint cluster of the same attack can
		// resolve to one rule; count the evidence once per run.
		key := string(cand.Type) + "|" + cand.Value
		if done[key] {
			continue
		}
		done[key] = true

		rule, res, err := e.writer.Upsert(ctx, cand)
		if err != nil {
			e.logger.Warn("replay rule upsert failed", "type", cand.Type, "value", cand.Value, "error", err)
			report.ApplyErrors = append(report.ApplyErrors, fmt.Sprintf("%s %s: %v", cand.Type, cand.Value, err))
			continue
		}
		switch res {
		case defense.ResultCreated:
			report.CreatedRules = append(report.CreatedRules, rule.ID)
		case defense.ResultMerged:
			report.MergedRules = append(report.MergedRules, rule.ID)
		}
	}
}

func match(snap *defense.Snapshot, ev *fraudlog.FraudEvent) *defense.Rule {
	for _, t := range defense.Priority {
		var v string
		switch t {
		case defense.TypeIP:
			v = ev.IP
		case defense.TypeFingerprint:
			v = ev.Fingerprint
		case defense.TypeMerchant:
			v = ev.MerchantID
		}
		if r := snap.Lookup(t, v); r != nil {
			return r
		}
	}
	return nil
}

// occurrences counts how often the event's source appears in the sample,
// by ip when present and by fingerprint otherwise.
func occurrences(ev *fraudlog.FraudEvent, ipSeen, fpSeen map[string]int) int {
	if ev.HasIP() {
		return ipSeen[ev.IP]
	}
	return fpSeen[ev.Fingerprint]
}

func effectiveness(blocked, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(blocked)/float64(total)*1000) / 10
}

// newest is the recency reference for candidate clusters. Using the sample
// rather than the wall clock keeps reports over the same input identical.
func newest(events []*fraudlog.FraudEvent) time.Time {
	var t time.Time
	for _, ev := range events {
		if ev.Timestamp.After(t) {
			t = ev.Timestamp
		}
	}
	return t
}
