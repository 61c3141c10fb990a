// Package cluster groups recent fraud events into attack signatures.
//
// A signature key names which event attributes must match for two events to
// belong to the same attack (for example the same ip and the same reason).
// Every qualifying group becomes a ThreatCluster with a 0-100 confidence
// derived from its size, how many merchants it touched, and how recent its
// members are.
package cluster

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/giftguard/internal/fraudlog"
)

// SignatureKey selects the attributes that define a cluster.
type SignatureKey string

const (
	KeyIP                SignatureKey = "ip"
	KeyIPReason          SignatureKey = "ip+reason"
	KeyFingerprint       SignatureKey = "fingerprint"
	KeyFingerprintReason SignatureKey = "fingerprint+reason"
	KeyMerchantReason    SignatureKey = "merchant+reason"
	KeyGAN               SignatureKey = "gan"
)

// Attribute names used in ThreatCluster.DominantAttributes.
const (
	AttrIP          = "ip"
	AttrFingerprint = "fingerprint"
	AttrMerchant    = "merchant"
	AttrGAN         = "gan"
	AttrReason      = "reason"
)

// DefaultHalfLife is the age at which an event counts half toward recency.
const DefaultHalfLife = time.Hour

// DefaultKeys are used when no keys are configured.
var DefaultKeys = []SignatureKey{KeyIPReason, KeyFingerprint}

var knownKeys = map[SignatureKey]bool{
	KeyIP: true, KeyIPReason: true, KeyFingerprint: true,
	KeyFingerprintReason: true, KeyMerchantReason: true, KeyGAN: true,
}

// ParseKeys validates configured key names. An empty list yields DefaultKeys.
func ParseKeys(names []string) ([]SignatureKey, error) {
	if len(names) == 0 {
		return DefaultKeys, nil
	}
	seen := make(map[SignatureKey]bool, len(names))
	keys := make([]SignatureKey, 0, len(names))
	for _, n := range names {
		k := SignatureKey(strings.ToLower(strings.TrimSpace(n)))
		if !knownKeys[k] {
			return nil, fmt.Errorf("unknown cluster signature key %q", n)
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Signature returns the grouping value of e under k. ok is false when e lacks
// an attribute the key requires.
func (k SignatureKey) Signature(e *fraudlog.FraudEvent) (sig string, ok bool) {
	switch k {
	case KeyIP:
		return e.IP, e.HasIP()
	case KeyIPReason:
		return e.IP + "|" + e.Reason, e.HasIP() && e.Reason != ""
	case KeyFingerprint:
		return e.Fingerprint, e.HasFingerprint()
	case KeyFingerprintReason:
		return e.Fingerprint + "|" + e.Reason, e.HasFingerprint() && e.Reason != ""
	case KeyMerchantReason:
		return e.MerchantID + "|" + e.Reason, e.HasMerchant() && e.Reason != ""
	case KeyGAN:
		return e.GAN, e.HasGAN()
	}
	return "", false
}

// ThreatCluster is a group of fraud events sharing a signature.
type ThreatCluster struct {
	SignatureKey       SignatureKey      `json:"signatureKey"`
	Signature          string            `json:"signature"`
	MemberEventIDs     []string          `json:"memberEventIds"`
	Size               int               `json:"size"`
	FirstSeen          time.Time         `json:"firstSeen"`
	LastSeen           time.Time         `json:"lastSeen"`
	DistinctMerchants  int               `json:"distinctMerchants"`
	DominantAttributes map[string]string `json:"dominantAttributes"`
	Confidence         float64           `json:"confidence"`
}

// Target returns the attribute a rule built from c would block on: the
// dominant ip, else fingerprint, else merchant.
func (c ThreatCluster) Target() (attr, value string, ok bool) {
	for _, a := range []string{AttrIP, AttrFingerprint, AttrMerchant} {
		if v := c.DominantAttributes[a]; v != "" {
			return a, v, true
		}
	}
	return "", "", false
}

// Options controls Build.
type Options struct {
	Keys      []SignatureKey
	MinSize   int
	Reference time.Time // recency is measured back from here
	HalfLife  time.Duration
}

// Build groups events under every key and returns one cluster per
// (key, signature) whose size reaches MinSize. Clusters are ordered by
// confidence descending, then key and signature.
func Build(events []*fraudlog.FraudEvent, opts Options) []ThreatCluster {
	if opts.MinSize < 1 {
		opts.MinSize = 1
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = DefaultHalfLife
	}
	keys := opts.Keys
	if len(keys) == 0 {
		keys = DefaultKeys
	}

	var out []ThreatCluster
	for _, k := range keys {
		groups := make(map[string][]*fraudlog.FraudEvent)
		for _, e := range events {
			if e == nil {
				continue
			}
			sig, ok := k.Signature(e)
			if !ok {
				continue
			}
			groups[sig] = append(groups[sig], e)
		}
		for sig, members := range groups {
			if len(members) < opts.MinSize {
				continue
			}
			out = append(out, summarize(k, sig, members, opts.Reference, opts.HalfLife))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].SignatureKey != out[j].SignatureKey {
			return out[i].SignatureKey < out[j].SignatureKey
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

func summarize(k SignatureKey, sig string, members []*fraudlog.FraudEvent, ref time.Time, halfLife time.Duration) ThreatCluster {
	c := ThreatCluster{
		SignatureKey: k,
		Signature:    sig,
		FirstSeen:    members[0].Timestamp,
		LastSeen:     members[0].Timestamp,
	}

	ids := make(map[string]struct{}, len(members))
	merchants := make(map[string]struct{})
	counts := map[string]map[string]int{
		AttrIP: {}, AttrFingerprint: {}, AttrMerchant: {}, AttrGAN: {}, AttrReason: {},
	}
	var ages []time.Duration

	for _, e := range members {
		if _, dup := ids[e.ID]; dup {
			continue
		}
		ids[e.ID] = struct{}{}
		if e.Timestamp.Before(c.FirstSeen) {
			c.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(c.LastSeen) {
			c.LastSeen = e.Timestamp
		}
		if e.HasMerchant() {
			merchants[e.MerchantID] = struct{}{}
		}
		countAttr(counts[AttrIP], e.IP)
		countAttr(counts[AttrFingerprint], e.Fingerprint)
		countAttr(counts[AttrMerchant], e.MerchantID)
		countAttr(counts[AttrGAN], e.GAN)
		countAttr(counts[AttrReason], e.Reason)
		ages = append(ages, ref.Sub(e.Timestamp))
	}

	c.MemberEventIDs = make([]string, 0, len(ids))
	for id := range ids {
		c.MemberEventIDs = append(c.MemberEventIDs, id)
	}
	sort.Strings(c.MemberEventIDs)
	c.Size = len(c.MemberEventIDs)
	c.DistinctMerchants = len(merchants)

	c.DominantAttributes = make(map[string]string)
	for attr, byValue := range counts {
		if v, ok := majority(byValue, c.Size); ok {
			c.DominantAttributes[attr] = v
		}
	}

	c.Confidence = Confidence(c.Size, c.DistinctMerchants, ages, halfLife)
	return c
}

func countAttr(m map[string]int, v string) {
	if v != "" {
		m[v]++
	}
}

// majority returns the value held by more than half of size members.
func majority(byValue map[string]int, size int) (string, bool) {
	best, bestN := "", 0
	for v, n := range byValue {
		if n > bestN || (n == bestN && v < best) {
			best, bestN = v, n
		}
	}
	return best, bestN*2 > size
}

// Confidence scores a group of size events touching distinctMerchants
// merchants, with member ages measured from the scan reference time.
//
//	size:    60 * (1 - e^(-(size-1)/3))
//	spread:  10 + 10 * min(1, (merchants-1)/3)
//	recency: 30 * mean(2^(-age/halfLife))
//
// The sum is clamped to [0,100] and rounded to one decimal.
func Confidence(size, distinctMerchants int, ages []time.Duration, halfLife time.Duration) float64 {
	if size <= 0 {
		return 0
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}

	sizeTerm := 60 * (1 - math.Exp(-float64(size-1)/3))

	spreadTerm := 10.0
	if distinctMerchants > 1 {
		spreadTerm += 10 * math.Min(1, float64(distinctMerchants-1)/3)
	}

	var recency float64
	if len(ages) > 0 {
		var sum float64
		for _, age := range ages {
			if age < 0 {
				age = 0
			}
			sum += math.Exp2(-age.Seconds() / halfLife.Seconds())
		}
		recency = 30 * sum / float64(len(ages))
	}

	score := sizeTerm + spreadTerm + recency
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10
}
