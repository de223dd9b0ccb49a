package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DetectionResult is the outcome of evaluating the rule set against one
// indicator. MatchedRules keeps stable rule-load order; Methods is a
// lexicographically sorted set.
type DetectionResult struct {
	MatchedRules             []string `json:"matched_rules,omitempty"`
	Methods                  []string `json:"methods,omitempty"`
	Confidence               float64  `json:"detection_confidence"`
	FalsePositiveProbability float64  `json:"false_positive_probability"`
}

// Intelligence aggregates what the configured sources said about an
// indicator.
type Intelligence struct {
	Sources        []string  `json:"sources,omitempty"`
	Confidence     float64   `json:"confidence"`
	LastUpdated    time.Time `json:"last_updated"`
	RelatedThreats []string  `json:"related_threats,omitempty"`
}

// CombineSourceConfidences folds per-source confidences into one
// aggregate. Noisy-or keeps the result monotone: another concurring
// source can never lower the score.
func CombineSourceConfidences(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	miss := 1.0
	for _, c := range confidences {
		if c < 0 {
			c = 0
		} else if c > 1 {
			c = 1
		}
		miss *= 1 - c
	}
	return 1 - miss
}

type CorrelationType string

const (
	CorrelationTemporal   CorrelationType = "temporal"
	CorrelationDomain     CorrelationType = "pattern:domain"
	CorrelationHashFamily CorrelationType = "pattern:hash-family"
	CorrelationASN        CorrelationType = "infrastructure:asn"
	CorrelationHosting    CorrelationType = "infrastructure:hosting"
	CorrelationCampaign   CorrelationType = "tag.campaign"
)

func (t CorrelationType) Valid() bool {
	switch t {
	case CorrelationTemporal, CorrelationDomain, CorrelationHashFamily,
		CorrelationASN, CorrelationHosting, CorrelationCampaign:
		return true
	}
	return false
}

// Rank fixes the catalog order used to break strength ties.
func (t CorrelationType) Rank() int {
	switch t {
	case CorrelationTemporal:
		return 0
	case CorrelationDomain:
		return 1
	case CorrelationHashFamily:
		return 2
	case CorrelationASN:
		return 3
	case CorrelationHosting:
		return 4
	case CorrelationCampaign:
		return 5
	}
	return 6
}

// Correlation asserts a typed relationship between two or more
// indicators.
type Correlation struct {
	ID        string          `json:"id"`
	IOCs      []string        `json:"correlated_iocs"`
	Type      CorrelationType `json:"correlation_type"`
	Strength  float64         `json:"strength"` // [0,1]
	Evidence  []string        `json:"evidence,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewCorrelation constructs a correlation, rejecting degenerate inputs
// at construction rather than at storage time.
func NewCorrelation(typ CorrelationType, iocIDs []string, strength float64, evidence []string) (Correlation, error) {
	if !typ.Valid() {
		return Correlation{}, E(KindInvalidFormat, "unknown correlation type %q", typ)
	}
	if len(iocIDs) < 2 {
		return Correlation{}, E(KindInvalidFormat, "correlation requires at least two ioc ids, got %d", len(iocIDs))
	}
	if strength < 0 || strength > 1 {
		return Correlation{}, E(KindInvalidFormat, "correlation strength %v outside [0,1]", strength)
	}
	return Correlation{
		ID:        uuid.NewString(),
		IOCs:      append([]string(nil), iocIDs...),
		Type:      typ,
		Strength:  strength,
		Evidence:  append([]string(nil), evidence...),
		Timestamp: time.Now().UTC(),
	}, nil
}

// PairKey identifies a correlation by its unordered id set plus type,
// used to deduplicate candidates from different detectors.
func (c Correlation) PairKey() string {
	ids := append([]string(nil), c.IOCs...)
	sort.Strings(ids)
	key := string(c.Type)
	for _, id := range ids {
		key += "|" + id
	}
	return key
}

// References reports whether the correlation mentions the given IOC id.
func (c Correlation) References(iocID string) bool {
	for _, id := range c.IOCs {
		if id == iocID {
			return true
		}
	}
	return false
}

// Analysis is the deterministic assessment block attached to a result.
type Analysis struct {
	Recommendations []string `json:"recommendations,omitempty"`
	Impact          string   `json:"impact,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// IOCResult is the canonical output of processing one indicator.
// Exactly one result exists per (tenant, IOC id); rewrites replace the
// previous result atomically.
type IOCResult struct {
	IOC          EnrichedIOC     `json:"ioc"`
	Detection    DetectionResult `json:"detection"`
	Intelligence Intelligence    `json:"intelligence"`
	Correlations []Correlation   `json:"correlations,omitempty"`
	Analysis     Analysis        `json:"analysis"`
	ProcessedAt  time.Time       `json:"processing_timestamp"`
	Warnings     []string        `json:"warnings,omitempty"`
}
