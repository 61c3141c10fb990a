package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/giftguard/internal/cluster"
	"github.com/mbd888/giftguard/internal/idgen"
	"github.com/mbd888/giftguard/internal/metrics"
	"github.com/mbd888/giftguard/internal/syncutil"
	"github.com/mbd888/giftguard/internal/traces"
)

// Config tunes merging and decay.
type Config struct {
	// MaxMergeStep bounds how much one piece of evidence can raise confidence.
	MaxMergeStep float64
	// DecayGrace is how long a rule may sit idle before it starts decaying.
	DecayGrace time.Duration
	// DecayPerHour is the confidence lost per idle hour past the grace period.
	DecayPerHour float64
	// DeactivationThreshold deactivates rules whose confidence drops below it.
	DeactivationThreshold float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMergeStep:          15,
		DecayGrace:            24 * time.Hour,
		DecayPerHour:          2,
		DeactivationThreshold: 20,
	}
}

// UpsertResult says whether an upsert created a rule or merged into one.
type UpsertResult string

const (
	ResultCreated UpsertResult = "created"
	ResultMerged  UpsertResult = "merged"
	// ResultUnchanged means the candidate carried no evidence newer than
	// what the rule had already absorbed.
	ResultUnchanged UpsertResult = "unchanged"
)

// Candidate is evidence for a rule before it is stored.
type Candidate struct {
	Type       RuleType
	Value      string
	Reason     string
	Confidence float64
	Source     Source
	// EvidenceThrough is the newest event behind the candidate. Zero means
	// the candidate is not tied to events (admin rules) and always merges.
	EvidenceThrough time.Time
}

func (c *Candidate) validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, c.Type)
	}
	c.Value = strings.TrimSpace(c.Value)
	if c.Value == "" {
		return fmt.Errorf("%w: value is required", ErrInvalidRule)
	}
	if math.IsNaN(c.Confidence) {
		return fmt.Errorf("%w: confidence is not a number", ErrInvalidRule)
	}
	c.Confidence = clamp(c.Confidence)
	if c.Source == "" {
		c.Source = SourceCluster
	}
	return nil
}

var attrTypes = map[string]RuleType{
	cluster.AttrIP:          TypeIP,
	cluster.AttrFingerprint: TypeFingerprint,
	cluster.AttrMerchant:    TypeMerchant,
}

// CandidateFromCluster derives a candidate from the cluster's dominant
// attribute, preferring ip, then fingerprint, then merchant.
func CandidateFromCluster(c cluster.ThreatCluster, src Source) (Candidate, error) {
	attr, v, ok := c.Target()
	if !ok {
		return Candidate{}, fmt.Errorf("%w (%s %s)", ErrNoDominantAttr, c.SignatureKey, c.Signature)
	}
	reason := c.DominantAttributes[cluster.AttrReason]
	if reason == "" {
		reason = string(c.SignatureKey)
	}
	return Candidate{
		Type:            attrTypes[attr],
		Value:           v,
		Reason:          fmt.Sprintf("%s: %d events across %d merchants", reason, c.Size, c.DistinctMerchants),
		Confidence:      c.Confidence,
		Source:          src,
		EvidenceThrough: c.LastSeen,
	}, nil
}

// Merge combines an existing confidence with new evidence. The result is
// monotone in both inputs, never exceeds 100, and rises by at most maxStep:
//
//	existing + min(maxStep, (100-existing) * incoming/100 * 0.5)
func Merge(existing, incoming, maxStep float64) float64 {
	existing, incoming = clamp(existing), clamp(incoming)
	step := (100 - existing) * (incoming / 100) * 0.5
	if maxStep > 0 && step > maxStep {
		step = maxStep
	}
	return clamp(existing + step)
}

func clamp(c float64) float64 {
	return math.Max(0, math.Min(100, c))
}

// Service owns rule creation, merging, decay and deactivation.
type Service struct {
	store  Store
	locks  syncutil.ShardedMutex
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a rule service. Pass a CachedStore so the action engine
// sees every write immediately.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// UpsertFromCluster turns a promoted cluster into a rule.
func (s *Service) UpsertFromCluster(ctx context.Context, c cluster.ThreatCluster) (*Rule, error) {
	cand, err := CandidateFromCluster(c, SourceCluster)
	if err != nil {
		return nil, err
	}
	rule, _, err := s.Upsert(ctx, cand)
	return rule, err
}

// Accept lets the service act as a cluster.Sink. A cluster the rule has
// already absorbed yields cluster.ErrNoNewEvidence.
func (s *Service) Accept(ctx context.Context, c cluster.ThreatCluster) error {
	cand, err := CandidateFromCluster(c, SourceCluster)
	if err != nil {
		return err
	}
	_, res, err := s.Upsert(ctx, cand)
	if err == nil && res == ResultUnchanged {
		return cluster.ErrNoNewEvidence
	}
	return err
}

// CreateManual adds an admin rule. An existing active rule for the same
// (type, value) absorbs it through the normal merge.
func (s *Service) CreateManual(ctx context.Context, t RuleType, value, reason string, confidence float64) (*Rule, UpsertResult, error) {
	return s.Upsert(ctx, Candidate{Type: t, Value: value, Reason: reason, Confidence: confidence, Source: SourceManual})
}

// Upsert creates the rule for cand or merges cand into the active rule with
// the same (type, value). A candidate whose EvidenceThrough is not newer than
// the rule's evidence mark is ignored, so rescanning the same events never
// raises confidence twice. Upserts of one key are serialized in-process; a
// concurrent insert from another process surfaces as ErrDuplicateActive and
// falls back to a merge.
func (s *Service) Upsert(ctx context.Context, cand Candidate) (*Rule, UpsertResult, error) {
	if err := cand.validate(); err != nil {
		return nil, "", err
	}
	ctx, span := traces.StartSpan(ctx, "defense.Upsert")
	defer span.End()

	unlock := s.locks.Lock(typeValueKey(cand.Type, cand.Value))
	defer unlock()

	existing, err := s.store.FindActive(ctx, cand.Type, cand.Value)
	if errors.Is(err, ErrRuleNotFound) {
		now := s.now()
		rule := &Rule{
			ID:         idgen.WithPrefix("rule_"),
			Type:       cand.Type,
			Value:      cand.Value,
			Reason:     cand.Reason,
			Confidence: cand.Confidence,
			IsActive:   true,
			Source:     cand.Source,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if !cand.EvidenceThrough.IsZero() {
			ev := cand.EvidenceThrough.UTC()
			rule.EvidenceThrough = &ev
		}
		err = s.store.Create(ctx, rule)
		if err == nil {
			metrics.RulesUpsertedTotal.WithLabelValues(string(ResultCreated)).Inc()
			s.logger.Info("defense rule created",
				"rule_id", rule.ID, "type", rule.Type, "value", rule.Value,
				"confidence", rule.Confidence, "source", rule.Source)
			span.SetAttributes(traces.RuleID(rule.ID))
			return rule, ResultCreated, nil
		}
		if !errors.Is(err, ErrDuplicateActive) {
			traces.RecordError(span, err)
			return nil, "", fmt.Errorf("create defense rule: %w", err)
		}
		existing, err = s.store.FindActive(ctx, cand.Type, cand.Value)
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, "", fmt.Errorf("find defense rule: %w", err)
	}

	if !cand.EvidenceThrough.IsZero() && existing.EvidenceThrough != nil &&
		!cand.EvidenceThrough.After(*existing.EvidenceThrough) {
		span.SetAttributes(traces.RuleID(existing.ID))
		return existing, ResultUnchanged, nil
	}

	before := existing.Confidence
	existing.Confidence = Merge(before, cand.Confidence, s.cfg.MaxMergeStep)
	if !cand.EvidenceThrough.IsZero() {
		ev := cand.EvidenceThrough.UTC()
		existing.EvidenceThrough = &ev
	}
	if cand.Reason != "" {
		existing.Reason = cand.Reason
	}
	existing.UpdatedAt = s.now()
	existing.DecayedAt = nil
	if err := s.store.Update(ctx, existing); err != nil {
		traces.RecordError(span, err)
		return nil, "", fmt.Errorf("merge defense rule: %w", err)
	}
	metrics.RulesUpsertedTotal.WithLabelValues(string(ResultMerged)).Inc()
	s.logger.Info("defense rule merged",
		"rule_id", existing.ID, "type", existing.Type, "value", existing.Value,
		"confidence_before", before, "confidence", existing.Confidence)
	span.SetAttributes(traces.RuleID(existing.ID))
	return existing, ResultMerged, nil
}

// DecayResult summarizes one decay pass.
type DecayResult struct {
	Examined    int `json:"examined"`
	Decayed     int `json:"decayed"`
	Deactivated int `json:"deactivated"`
}

// Decay lowers the confidence of every active rule that has been idle past
// the grace period, charging only the time since its last decay. Rules that
// fall below the deactivation threshold are deactivated.
func (s *Service) Decay(ctx context.Context, now time.Time) (DecayResult, error) {
	var res DecayResult
	rules, err := s.store.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active rules: %w", err)
	}

	for _, listed := range rules {
		res.Examined++
		changed, deactivated, err := s.decayOne(ctx, listed, now)
		if err != nil {
			s.logger.Warn("rule decay failed", "rule_id", listed.ID, "error", err)
			continue
		}
		if changed {
			res.Decayed++
		}
		if deactivated {
			res.Deactivated++
		}
	}
	if res.Decayed > 0 {
		s.logger.Info("defense rules decayed", "examined", res.Examined,
			"decayed", res.Decayed, "deactivated", res.Deactivated)
	}
	return res, nil
}

func (s *Service) decayOne(ctx context.Context, listed *Rule, now time.Time) (changed, deactivated bool, err error) {
	unlock := s.locks.Lock(typeValueKey(listed.Type, listed.Value))
	defer unlock()

	// Re-read under the key lock so a concurrent merge is not overwritten.
	r, err := s.store.Get(ctx, listed.ID)
	if err != nil {
		return false, false, err
	}
	if !r.IsActive {
		return false, false, nil
	}

	from := r.idleSince().Add(s.cfg.DecayGrace)
	if r.DecayedAt != nil && r.DecayedAt.After(from) {
		from = *r.DecayedAt
	}
	if !now.After(from) {
		return false, false, nil
	}

	loss := now.Sub(from).Hours() * s.cfg.DecayPerHour
	r.Confidence = clamp(r.Confidence - loss)
	r.DecayedAt = &now
	if r.Confidence < s.cfg.DeactivationThreshold {
		r.IsActive = false
		deactivated = true
	}
	if err := s.store.Update(ctx, r); err != nil {
		return false, false, err
	}
	if deactivated {
		metrics.RulesDeactivatedTotal.WithLabelValues("decay").Inc()
		s.logger.Info("defense rule deactivated by decay",
			"rule_id", r.ID, "type", r.Type, "value", r.Value, "confidence", r.Confidence)
	}
	return true, deactivated, nil
}

// Deactivate turns a rule off. Deactivating an inactive rule is a no-op.
func (s *Service) Deactivate(ctx context.Context, id string) (*Rule, error) {
	changed, err := s.store.Deactivate(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.RulesDeactivatedTotal.WithLabelValues("manual").Inc()
		s.logger.Info("defense rule deactivated", "rule_id", id)
	}
	return s.store.Get(ctx, id)
}

// Get returns a rule by ID.
func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.store.Get(ctx, id)
}

// List returns rules matching f, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Rule, error) {
	return s.store.List(ctx, f)
}
