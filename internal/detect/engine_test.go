package detect

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

func newTestEngine(t *testing.T, rules []domain.DetectionRule) *Engine {
	t.Helper()
	e := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := e.Load(rules); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

func TestSuspiciousTLDMatch(t *testing.T) {
	e := newTestEngine(t, DefaultRules())
	result := e.Evaluate(domain.IOC{
		Type:       domain.Domain,
		Value:      "badsite.tk",
		Source:     "feed-x",
		Tags:       []string{"malware"},
		Confidence: 0.5,
	})

	// Two rules fire: the TLD rule (0.8*0.8=0.64) and the tag rule
	// (0.5*0.9=0.45); mean 0.545.
	found := false
	for _, name := range result.MatchedRules {
		if name == "Suspicious Domain TLD" {
			found = true
		}
	}
	if !found {
		t.Fatalf("matched rules = %v", result.MatchedRules)
	}
	if math.Abs(result.Confidence-0.545) > 1e-9 {
		t.Errorf("confidence = %v, want 0.545", result.Confidence)
	}

	// Alone, the TLD rule gives exactly the scaled score.
	solo := newTestEngine(t, DefaultRules()[:1])
	r := solo.Evaluate(domain.IOC{Type: domain.Domain, Value: "badsite.tk"})
	if math.Abs(r.Confidence-0.64) > 1e-9 {
		t.Errorf("solo confidence = %v, want 0.64", r.Confidence)
	}
	if r.FalsePositiveProbability != 0.2 {
		t.Errorf("fp = %v, want 0.2", r.FalsePositiveProbability)
	}
}

func TestNoMatchDefaults(t *testing.T) {
	e := newTestEngine(t, DefaultRules())
	result := e.Evaluate(domain.IOC{Type: domain.Domain, Value: "example.com"})
	if len(result.MatchedRules) != 0 || result.Confidence != 0 {
		t.Errorf("unexpected match: %+v", result)
	}
	if result.FalsePositiveProbability != 0.3 {
		t.Errorf("fp default = %v, want 0.3", result.FalsePositiveProbability)
	}
}

func TestAllConditionsMustMatch(t *testing.T) {
	rules := []domain.DetectionRule{{
		ID:       "combo",
		Name:     "Tagged TK Domain",
		IOCTypes: []domain.IOCType{domain.Domain},
		Conditions: []domain.RuleCondition{
			{Field: "value", Pattern: `\.tk$`, Weight: 0.5},
			{Field: "tags", Pattern: `phishing`, Weight: 0.5},
		},
		Confidence: 1,
		Enabled:    true,
	}}
	e := newTestEngine(t, rules)

	if r := e.Evaluate(domain.IOC{Type: domain.Domain, Value: "a.tk"}); len(r.MatchedRules) != 0 {
		t.Errorf("rule fired with one condition unmet: %v", r.MatchedRules)
	}
	r := e.Evaluate(domain.IOC{Type: domain.Domain, Value: "a.tk", Tags: []string{"phishing"}})
	if len(r.MatchedRules) != 1 || math.Abs(r.Confidence-1.0) > 1e-9 {
		t.Errorf("combined rule result = %+v", r)
	}
	if r.FalsePositiveProbability != 0.1 {
		t.Errorf("fp = %v, want 0.1", r.FalsePositiveProbability)
	}
}

func TestConditionWeightsAccumulatePastOne(t *testing.T) {
	rules := []domain.DetectionRule{{
		ID:       "heavy",
		Name:     "Heavily Weighted Domain",
		IOCTypes: []domain.IOCType{domain.Domain},
		Conditions: []domain.RuleCondition{
			{Field: "value", Pattern: `evil`, Weight: 0.8},
			{Field: "tags", Pattern: `c2`, Weight: 0.8},
		},
		Confidence: 0.6,
		Enabled:    true,
	}}
	// Raw weight sum 1.6 scales by confidence before any capping:
	// 1.6*0.6 = 0.96.
	ioc := domain.IOC{Type: domain.Domain, Value: "evil.com", Tags: []string{"c2"}}
	r := newTestEngine(t, rules).Evaluate(ioc)
	if math.Abs(r.Confidence-0.96) > 1e-9 {
		t.Errorf("confidence = %v, want 0.96", r.Confidence)
	}

	rules[0].Confidence = 0.7
	r = newTestEngine(t, rules).Evaluate(ioc)
	if r.Confidence != 1 {
		t.Errorf("confidence = %v, want mean capped at 1", r.Confidence)
	}
}

func TestZeroWeightContributesNothing(t *testing.T) {
	rules := []domain.DetectionRule{{
		ID:       "match-all",
		Name:     "Match Anything",
		IOCTypes: []domain.IOCType{domain.Domain},
		Conditions: []domain.RuleCondition{
			{Field: "value", Pattern: `.*`, Weight: 0},
		},
		Confidence: 1,
		Enabled:    true,
	}}
	e := newTestEngine(t, rules)
	r := e.Evaluate(domain.IOC{Type: domain.Domain, Value: "example.com"})
	if len(r.MatchedRules) != 0 || r.Confidence != 0 {
		t.Errorf("zero-weight rule contributed: %+v", r)
	}
}

func TestCompileFailureDisablesRule(t *testing.T) {
	rules := []domain.DetectionRule{
		{
			ID:       "broken",
			Name:     "Broken Pattern",
			IOCTypes: []domain.IOCType{domain.Domain},
			Conditions: []domain.RuleCondition{
				{Field: "value", Pattern: `([`, Weight: 0.9},
			},
			Confidence: 0.9,
			Enabled:    true,
		},
		DefaultRules()[0],
	}
	e := newTestEngine(t, rules)

	loaded := e.Rules()
	if len(loaded) != 2 {
		t.Fatalf("rules = %d, want 2", len(loaded))
	}
	if loaded[0].Enabled {
		t.Error("uncompilable rule should be disabled")
	}
	r := e.Evaluate(domain.IOC{Type: domain.Domain, Value: "badsite.tk"})
	if len(r.MatchedRules) != 1 || r.MatchedRules[0] != "Suspicious Domain TLD" {
		t.Errorf("matched = %v", r.MatchedRules)
	}
}

func TestDetectionMonotonicity(t *testing.T) {
	base := DefaultRules()[:1]
	extra := append(append([]domain.DetectionRule(nil), base...), domain.DetectionRule{
		ID:       "tk-again",
		Name:     "TK Reinforcement",
		IOCTypes: []domain.IOCType{domain.Domain},
		Conditions: []domain.RuleCondition{
			{Field: "value", Pattern: `\.tk$`, Weight: 1},
		},
		Confidence: 0.9,
		Enabled:    true,
	})

	ioc := domain.IOC{Type: domain.Domain, Value: "badsite.tk"}
	before := newTestEngine(t, base).Evaluate(ioc)
	after := newTestEngine(t, extra).Evaluate(ioc)
	if after.Confidence < before.Confidence {
		t.Errorf("adding a matching rule lowered confidence: %v -> %v", before.Confidence, after.Confidence)
	}
}

func TestCaseSensitivity(t *testing.T) {
	rules := []domain.DetectionRule{{
		ID:       "cs",
		Name:     "Case Sensitive Temp Path",
		IOCTypes: []domain.IOCType{domain.FilePath},
		Conditions: []domain.RuleCondition{
			{Field: "value", Pattern: `^/tmp/`, Weight: 1, CaseSensitive: true},
		},
		Confidence: 1,
		Enabled:    true,
	}}
	e := newTestEngine(t, rules)
	if r := e.Evaluate(domain.IOC{Type: domain.FilePath, Value: "/TMP/evil"}); len(r.MatchedRules) != 0 {
		t.Error("case-sensitive pattern matched wrong case")
	}
	if r := e.Evaluate(domain.IOC{Type: domain.FilePath, Value: "/tmp/evil"}); len(r.MatchedRules) != 1 {
		t.Error("case-sensitive pattern missed exact case")
	}
}

func TestMethodsSorted(t *testing.T) {
	e := newTestEngine(t, DefaultRules())
	r := e.Evaluate(domain.IOC{
		Type:  domain.Domain,
		Value: "badsite.tk",
		Tags:  []string{"malware"},
	})
	for i := 1; i < len(r.Methods); i++ {
		if r.Methods[i-1] >= r.Methods[i] {
			t.Errorf("methods not sorted or not unique: %v", r.Methods)
		}
	}
}
