// Package detect evaluates compiled pattern rules against indicators.
package detect

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

type condKey struct {
	ruleID string
	field  string
}

// Engine holds the active rule set and its compiled patterns behind a
// reader-writer lock. Evaluations run concurrently; reloads take the
// writer side and swap the whole set.
type Engine struct {
	mu       sync.RWMutex
	rules    []domain.DetectionRule
	compiled map[condKey]*regexp.Regexp

	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		compiled: make(map[condKey]*regexp.Regexp),
		logger:   logger.With("component", "detect"),
	}
}

// Load validates and compiles the rule set, replacing the active one.
// A rule whose pattern fails to compile is disabled and logged; it
// never fails an evaluation later.
func (e *Engine) Load(rules []domain.DetectionRule) error {
	compiled := make(map[condKey]*regexp.Regexp)
	loaded := make([]domain.DetectionRule, 0, len(rules))

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		ok := true
		for _, cond := range rule.Conditions {
			pattern := cond.Pattern
			if !cond.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				compileErr := domain.WrapErr(err, domain.KindRuleCompile,
					"rule %s: field %s: bad pattern %q", rule.ID, cond.Field, cond.Pattern)
				e.logger.Error("disabling rule with uncompilable pattern",
					"rule_id", rule.ID, "rule_name", rule.Name, "error", compileErr)
				ok = false
				break
			}
			compiled[condKey{rule.ID, cond.Field}] = re
		}
		if !ok {
			rule.Enabled = false
		}
		loaded = append(loaded, rule)
	}

	e.mu.Lock()
	e.rules = loaded
	e.compiled = compiled
	e.mu.Unlock()
	e.logger.Info("rule set loaded", "rules", len(loaded))
	return nil
}

// Rules returns a copy of the active rule set in load order.
func (e *Engine) Rules() []domain.DetectionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.DetectionRule(nil), e.rules...)
}

// Evaluate runs every applicable rule against the indicator. It is a
// pure function of the loaded rule set and never fails.
func (e *Engine) Evaluate(ioc domain.IOC) domain.DetectionResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []string
	methods := make(map[string]bool)
	var scores []float64

	for _, rule := range e.rules {
		if !rule.Enabled || !rule.AppliesTo(ioc.Type) {
			continue
		}
		raw := 0.0
		allMatch := true
		for _, cond := range rule.Conditions {
			re, ok := e.compiled[condKey{rule.ID, cond.Field}]
			if !ok {
				allMatch = false
				break
			}
			value, ok := fieldValue(ioc, cond.Field)
			if !ok || !re.MatchString(value) {
				allMatch = false
				break
			}
			raw += cond.Weight
		}
		if !allMatch {
			continue
		}
		// Per-rule contributions may exceed 1; only the final mean is capped.
		scaled := raw * rule.Confidence
		// Matching with zero total weight carries no signal.
		if scaled <= 0 {
			continue
		}
		matched = append(matched, rule.Name)
		scores = append(scores, scaled)
		for _, cond := range rule.Conditions {
			methods["regex:"+cond.Field] = true
		}
	}

	result := domain.DetectionResult{
		MatchedRules:             matched,
		FalsePositiveProbability: 0.3,
	}
	if len(scores) > 0 {
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		conf := sum / float64(len(scores))
		if conf > 1 {
			conf = 1
		}
		result.Confidence = conf
		switch {
		case conf > 0.8:
			result.FalsePositiveProbability = 0.1
		case conf > 0.6:
			result.FalsePositiveProbability = 0.2
		}
		for m := range methods {
			result.Methods = append(result.Methods, m)
		}
		sort.Strings(result.Methods)
	}
	return result
}

// fieldValue resolves a condition field to the indicator text it is
// matched against. Unknown fields never match.
func fieldValue(ioc domain.IOC, field string) (string, bool) {
	switch field {
	case "value":
		return ioc.Value, true
	case "type":
		return string(ioc.Type), true
	case "source":
		return ioc.Source, true
	case "severity":
		return string(ioc.Severity), true
	case "tags":
		return strings.Join(ioc.Tags, ","), true
	case "context.asn":
		if ioc.Context != nil {
			return ioc.Context.ASN, true
		}
	case "context.category":
		if ioc.Context != nil {
			return ioc.Context.Category, true
		}
	case "context.geolocation":
		if ioc.Context != nil {
			return ioc.Context.Geolocation, true
		}
	}
	return "", false
}
