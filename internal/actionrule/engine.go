// Package actionrule decides at request time whether an identity is blocked.
//
// Evaluation reads an immutable snapshot of active defense rules, checking ip
// rules first, then device fingerprint, then merchant. A match bumps the
// rule's hit counter, records a fraud event, publishes a block record and
// alerts the merchant's webhooks. Alerts run on a bounded set of goroutines
// and are throttled per rule and merchant.
package actionrule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/giftguard/internal/defense"
	"github.com/mbd888/giftguard/internal/eventbus"
	"github.com/mbd888/giftguard/internal/fraudlog"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/traces"
	"github.com/mbd888/giftguard/internal/validation"
)

// ErrInvalidIdentity is returned when an identity has neither a usable ip nor a fingerprint.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is who is making a request.
type Identity struct {
	IP          string `json:"ip"`
	Fingerprint string `json:"fingerprint,omitempty"`
	MerchantID  string `json:"merchantId,omitempty"`
}

func (id *Identity) normalize() error {
	id.Fingerprint = strings.TrimSpace(id.Fingerprint)
	id.MerchantID = strings.TrimSpace(id.MerchantID)
	if raw := strings.TrimSpace(id.IP); raw != "" {
		id.IP = validation.NormalizeIP(raw)
		if id.IP == "" {
			return fmt.Errorf("%w: ip %q is not a valid address", ErrInvalidIdentity, raw)
		}
	}
	if id.IP == "" && id.Fingerprint == "" {
		return fmt.Errorf("%w: ip or fingerprint is required", ErrInvalidIdentity)
	}
	return nil
}

func (id Identity) value(t defense.RuleType) string {
	switch t {
	case defense.TypeIP:
		return id.IP
	case defense.TypeFingerprint:
		return id.Fingerprint
	case defense.TypeMerchant:
		return id.MerchantID
	}
	return ""
}

// RuleRef is the part of a matched rule exposed to callers.
type RuleRef struct {
	ID         string           `json:"id"`
	Type       defense.RuleType `json:"type"`
	Value      string           `json:"value"`
	Reason     string           `json:"reason"`
	Confidence float64          `json:"confidence"`
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Blocked     bool     `json:"blocked"`
	MatchedRule *RuleRef `json:"matchedRule,omitempty"`
}

// CheckContext carries what the caller knows about the attempt.
type CheckContext struct {
	Reason     string
	GAN        string
	UserAgent  string
	Suspicious bool
}

// CheckResult is the outcome of CheckFraud.
type CheckResult struct {
	Blocked     bool     `json:"blocked"`
	MatchedRule *RuleRef `json:"matchedRule,omitempty"`
	EventID     string   `json:"eventId,omitempty"`
}

// Rules is the rule view the engine reads from and records hits into.
// *defense.CachedStore satisfies it.
type Rules interface {
	Snapshot(ctx context.Context) (*defense.Snapshot, error)
	RecordHit(ctx context.Context, id string, at time.Time) error
}

// Alerter notifies a merchant that one of its requests was blocked.
type Alerter interface {
	DefenseBlocked(ctx context.Context, merchantID string, data map[string]any)
}

// BlockRecord is published to the event bus for every block.
type BlockRecord struct {
	RuleID      string           `json:"ruleId"`
	RuleType    defense.RuleType `json:"ruleType"`
	RuleValue   string           `json:"ruleValue"`
	Confidence  float64          `json:"confidence"`
	IP          string           `json:"ip,omitempty"`
	Fingerprint string           `json:"fingerprint,omitempty"`
	MerchantID  string           `json:"merchantId,omitempty"`
	BlockedAt   time.Time        `json:"blockedAt"`
}

const (
	defaultAlertThrottle = time.Minute
	defaultAlertSlots    = 16

	// throttle entries are pruned once the map grows past this
	throttlePruneAt = 4096
)

// Engine evaluates identities against active defense rules.
type Engine struct {
	rules        Rules
	events       *fraudlog.Log
	alerter      Alerter
	blocks       *eventbus.Topic
	logger       *slog.Logger
	now          func() time.Time
	alertTimeout time.Duration
	pending      sync.WaitGroup

	slots    chan struct{}
	throttle time.Duration

	mu        sync.Mutex
	lastAlert map[string]time.Time // rule id | merchant id
}

// NewEngine creates an action rule engine. events may be nil, in which case
// CheckFraud does not record fraud events.
func NewEngine(rules Rules, events *fraudlog.Log, logger *slog.Logger) *Engine {
	return &Engine{
		rules:        rules,
		events:       events,
		blocks:       eventbus.NewTopic(nil, ""),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		alertTimeout: 30 * time.Second,
		slots:        make(chan struct{}, defaultAlertSlots),
		throttle:     defaultAlertThrottle,
		lastAlert:    make(map[string]time.Time),
	}
}

// WithAlertThrottle sends at most one alert per rule and merchant within d.
// Zero disables throttling.
func (e *Engine) WithAlertThrottle(d time.Duration) *Engine {
	e.throttle = d
	return e
}

// WithMaxInFlightAlerts bounds concurrent alert deliveries. Alerts beyond
// the bound are dropped.
func (e *Engine) WithMaxInFlightAlerts(n int) *Engine {
	if n < 1 {
		n = 1
	}
	e.slots = make(chan struct{}, n)
	return e
}

// WithAlerter sends block alerts through a.
func (e *Engine) WithAlerter(a Alerter) *Engine {
	e.alerter = a
	return e
}

// WithBlockTopic publishes a BlockRecord per block to topic.
func (e *Engine) WithBlockTopic(topic *eventbus.Topic) *Engine {
	e.blocks = topic
	return e
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate checks id against the active rules in priority order
// ip > fingerprint > merchant. A match records a hit on the rule and
// schedules a block alert.
func (e *Engine) Evaluate(ctx context.Context, id Identity) (Decision, error) {
	_, d, err := e.evaluate(ctx, id)
	return d, err
}

// evaluate returns the normalized identity alongside the decision.
func (e *Engine) evaluate(ctx context.Context, id Identity) (Identity, Decision, error) {
	if err := id.normalize(); err != nil {
		return id, Decision{}, err
	}
	ctx, span := traces.StartSpan(ctx, "actionrule.Evaluate", traces.IP(id.IP), traces.MerchantID(id.MerchantID))
	defer span.End()

	snap, err := e.rules.Snapshot(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return id, Decision{}, fmt.Errorf("load defense rules: %w", err)
	}

	var matched *defense.Rule
	for _, t := range defense.Priority {
		if r := snap.Lookup(t, id.value(t)); r != nil {
			matched = r
			break
		}
	}
	if matched == nil {
		return id, Decision{}, nil
	}

	now := e.now()
	if err := e.rules.RecordHit(ctx, matched.ID, now); err != nil {
		// The block stands even if the counter could not be written.
		e.logger.Warn("record rule hit failed", "rule_id", matched.ID, "error", err)
	}
	metrics.RuleMatchesTotal.WithLabelValues(string(matched.Type)).Inc()
	span.SetAttributes(traces.RuleID(matched.ID))

	ref := &RuleRef{
		ID:         matched.ID,
		Type:       matched.Type,
		Value:      matched.Value,
		Reason:     matched.Reason,
		Confidence: matched.Confidence,
	}
	e.alert(ctx, id, ref, now)
	return id, Decision{Blocked: true, MatchedRule: ref}, nil
}

// CheckFraud evaluates id and, when the request is blocked or the caller
// flags it suspicious, appends a fraud event. A logging failure never
// changes the decision.
func (e *Engine) CheckFraud(ctx context.Context, id Identity, cc CheckContext) (*CheckResult, error) {
	id, decision, err := e.evaluate(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{Blocked: decision.Blocked, MatchedRule: decision.MatchedRule}
	switch {
	case decision.Blocked:
		metrics.FraudChecksTotal.WithLabelValues("block").Inc()
	case cc.Suspicious:
		metrics.FraudChecksTotal.WithLabelValues("suspicious").Inc()
	default:
		metrics.FraudChecksTotal.WithLabelValues("allow").Inc()
		return result, nil
	}

	if e.events == nil {
		return result, nil
	}
	reason := cc.Reason
	if reason == "" {
		if decision.Blocked {
			reason = "blocked_by_rule:" + string(decision.MatchedRule.Type)
		} else {
			reason = "suspicious"
		}
	}
	ev, err := e.events.Append(ctx, fraudlog.FraudEvent{
		GAN:         cc.GAN,
		IP:          id.IP,
		Fingerprint: id.Fingerprint,
		MerchantID:  id.MerchantID,
		UserAgent:   cc.UserAgent,
		Reason:      reason,
		Blocked:     decision.Blocked,
		Timestamp:   e.now(),
	})
	if err != nil {
		e.logger.Warn("fraud event not recorded", "ip", id.IP, "reason", reason, "error", err)
		return result, nil
	}
	result.EventID = ev.ID
	return result, nil
}

func (e *Engine) alert(ctx context.Context, id Identity, rule *RuleRef, at time.Time) {
	record := BlockRecord{
		RuleID:      rule.ID,
		RuleType:    rule.Type,
		RuleValue:   rule.Value,
		Confidence:  rule.Confidence,
		IP:          id.IP,
		Fingerprint: id.Fingerprint,
		MerchantID:  id.MerchantID,
		BlockedAt:   at,
	}
	if err := e.blocks.Publish(ctx, rule.ID, record); err != nil {
		e.logger.Warn("block record publish failed", "rule_id", rule.ID, "error", err)
	}

	if e.alerter == nil || id.MerchantID == "" {
		return
	}
	select {
	case e.slots <- struct{}{}:
	default:
		metrics.BlockAlertsTotal.WithLabelValues("dropped").Inc()
		e.logger.Warn("block alert dropped, too many in flight", "rule_id", rule.ID, "merchant_id", id.MerchantID)
		return
	}
	if !e.allowAlert(rule.ID+"|"+id.MerchantID, at) {
		<-e.slots
		metrics.BlockAlertsTotal.WithLabelValues("throttled").Inc()
		return
	}
	metrics.BlockAlertsTotal.WithLabelValues("sent").Inc()

	data := map[string]any{
		"ruleId":      rule.ID,
		"ruleType":    string(rule.Type),
		"ruleValue":   rule.Value,
		"confidence":  rule.Confidence,
		"ip":          id.IP,
		"fingerprint": id.Fingerprint,
		"blockedAt":   at,
	}
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer func() { <-e.slots }()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.alertTimeout)
		defer cancel()
		e.alerter.DefenseBlocked(actx, id.MerchantID, data)
	}()
}

// allowAlert reports whether key is outside its throttle window and, if so,
// starts a new window at now.
func (e *Engine) allowAlert(key string, now time.Time) bool {
	if e.throttle <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastAlert[key]; ok && now.Sub(last) < e.throttle {
		return false
	}
	if len(e.lastAlert) >= throttlePruneAt {
		for k, last := range e.lastAlert {
			if now.Sub(last) >= e.throttle {
				delete(e.lastAlert, k)
			}
		}
	}
	e.lastAlert[key] = now
	return true
}

// Flush waits for in-flight block alerts.
func (e *Engine) Flush() {
	e.pending.Wait()
}
