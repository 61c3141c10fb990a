// Package defense stores confidence-scored block rules and keeps them fresh.
//
// Rules come from three places: promoted threat clusters, replay learning,
// and admins. A rule is unique on (type, value) while active, so repeated
// evidence merges into the existing rule instead of creating another one.
// Rules that stop matching traffic decay and eventually deactivate.
package defense

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRuleNotFound    = errors.New("defense rule not found")
	ErrInvalidRule     = errors.New("invalid defense rule")
	ErrDuplicateActive = errors.New("active defense rule already exists")
	ErrNoDominantAttr  = errors.New("cluster has no dominant ip, fingerprint or merchant")
)

// RuleType is the identity attribute a rule blocks on.
type RuleType string

const (
	TypeIP          RuleType = "ip"
	TypeFingerprint RuleType = "fingerprint"
	TypeMerchant    RuleType = "merchant"
)

// Priority is the evaluation order of rule types.
var Priority = []RuleType{TypeIP, TypeFingerprint, TypeMerchant}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return t == TypeIP || t == TypeFingerprint || t == TypeMerchant
}

// Source records how a rule was created.
type Source string

const (
	SourceCluster Source = "cluster"
	SourceReplay  Source = "replay"
	SourceManual  Source = "manual"
)

// Rule is a persisted block condition.
type Rule struct {
	ID            string     `json:"id"`
	Type          RuleType   `json:"type"`
	Value         string     `json:"value"`
	Reason        string     `json:"reason"`
	Confidence    float64    `json:"confidence"`
	HitCount      int64      `json:"hitCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	IsActive      bool       `json:"isActive"`
	Source        Source     `json:"source"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DecayedAt     *time.Time `json:"decayedAt,omitempty"`
	// EvidenceThrough is the newest cluster member already merged into the
	// rule. Clusters with nothing newer leave the rule unchanged.
	EvidenceThrough *time.Time `json:"evidenceThrough,omitempty"`
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	cp := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		cp.LastTriggered = &t
	}
	if r.DecayedAt != nil {
		t := *r.DecayedAt
		cp.DecayedAt = &t
	}
	if r.EvidenceThrough != nil {
		t := *r.EvidenceThrough
		cp.EvidenceThrough = &t
	}
	return &cp
}

// idleSince is the later of the last hit and the last content change.
func (r *Rule) idleSince() time.Time {
	if r.LastTriggered != nil && r.LastTriggered.After(r.UpdatedAt) {
		return *r.LastTriggered
	}
	return r.UpdatedAt
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Type       RuleType
	Source     Source
	ActiveOnly bool
	Limit      int
}

func (f ListFilter) matches(r *Rule) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if f.ActiveOnly && !r.IsActive {
		return false
	}
	return true
}

// Store persists defense rules. Implementations store timestamps exactly as
// given; the Service owns them.
type Store interface {
	// Create inserts r. It returns ErrDuplicateActive when an active rule
	// with the same (type, value) exists.
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	// FindActive returns the active rule for (type, value) or ErrRuleNotFound.
	FindActive(ctx context.Context, t RuleType, value string) (*Rule, error)
	ListActive(ctx context.Context) ([]*Rule, error)
	// List returns rules newest first.
	List(ctx context.Context, f ListFilter) ([]*Rule, error)
	// Update writes confidence, reason, activity, source, timestamps and the
	// evidence mark.
	// Hit statistics are owned by RecordHit and left untouched.
	Update(ctx context.Context, r *Rule) error
	// RecordHit atomically increments the hit count and sets LastTriggered.
	RecordHit(ctx context.Context, id string, at time.Time) error
	// Deactivate clears IsActive. changed is false if it was already inactive.
	Deactivate(ctx context.Context, id string, at time.Time) (changed bool, err error)
}
