package domain

// RuleCondition is one weighted pattern applied to a named field of an
// indicator. All conditions of a rule must match for the rule to fire.
type RuleCondition struct {
	Field         string  `json:"field" yaml:"field"`
	Pattern       string  `json:"pattern" yaml:"pattern"`
	Weight        float64 `json:"weight" yaml:"weight"` // [0,1]
	CaseSensitive bool    `json:"case_sensitive" yaml:"case_sensitive"`
}

// DetectionRule is a named set of conditions scoped to indicator types.
// Patterns are compiled once at load; a rule whose pattern fails to
// compile is disabled and never evaluated.
type DetectionRule struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	IOCTypes   []IOCType       `json:"ioc_types" yaml:"ioc_types"`
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`
	Confidence float64         `json:"confidence" yaml:"confidence"` // [0,1]
	Severity   Severity        `json:"severity" yaml:"severity"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
}

// AppliesTo reports whether the rule is scoped to the given type.
func (r *DetectionRule) AppliesTo(t IOCType) bool {
	for _, rt := range r.IOCTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Validate checks rule structure. Pattern compilation is the detection
// engine's job; this only guards fields and ranges.
func (r *DetectionRule) Validate() error {
	if r.ID == "" {
		return E(KindConfig, "rule id is required")
	}
	if r.Name == "" {
		return E(KindConfig, "rule %s: name is required", r.ID)
	}
	if len(r.IOCTypes) == 0 {
		return E(KindConfig, "rule %s: ioc_types is required", r.ID)
	}
	for _, t := range r.IOCTypes {
		if !t.Valid() {
			return E(KindConfig, "rule %s: unknown ioc type %q", r.ID, t)
		}
	}
	if len(r.Conditions) == 0 {
		return E(KindConfig, "rule %s: at least one condition is required", r.ID)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return E(KindConfig, "rule %s: condition %d: field is required", r.ID, i)
		}
		if c.Pattern == "" {
			return E(KindConfig, "rule %s: condition %d: pattern is required", r.ID, i)
		}
		if c.Weight < 0 || c.Weight > 1 {
			return E(KindConfig, "rule %s: condition %d: weight %v outside [0,1]", r.ID, i, c.Weight)
		}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return E(KindConfig, "rule %s: confidence %v outside [0,1]", r.ID, r.Confidence)
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return E(KindConfig, "rule %s: unknown severity %q", r.ID, r.Severity)
	}
	return nil
}
