package detect

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

type ruleFile struct {
	Rules []domain.DetectionRule `yaml:"rules"`
}

// LoadRulesFile reads a YAML rule set from disk.
func LoadRulesFile(path string) ([]domain.DetectionRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindConfig, "read rules file %s", path)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, domain.WrapErr(err, domain.KindConfig, "parse rules file %s", path)
	}
	return f.Rules, nil
}

// DefaultRules is the built-in rule set used when no rules file is
// configured.
func DefaultRules() []domain.DetectionRule {
	return []domain.DetectionRule{
		{
			ID:       "suspicious-domain-tld",
			Name:     "Suspicious Domain TLD",
			IOCTypes: []domain.IOCType{domain.Domain},
			Conditions: []domain.RuleCondition{
				{Field: "value", Pattern: `\.(tk|ml|ga|cf|gq)$`, Weight: 0.8},
			},
			Confidence: 0.8,
			Severity:   domain.SeverityMedium,
			Enabled:    true,
		},
		{
			ID:       "raw-ip-url",
			Name:     "URL With Raw IP Host",
			IOCTypes: []domain.IOCType{domain.URL},
			Conditions: []domain.RuleCondition{
				{Field: "value", Pattern: `^https?://\d{1,3}(\.\d{1,3}){3}([:/]|$)`, Weight: 0.7},
			},
			Confidence: 0.75,
			Severity:   domain.SeverityHigh,
			Enabled:    true,
		},
		{
			ID:       "executable-dropper-url",
			Name:     "Executable Payload URL",
			IOCTypes: []domain.IOCType{domain.URL},
			Conditions: []domain.RuleCondition{
				{Field: "value", Pattern: `\.(exe|scr|ps1|bat|dll|jar)([?#]|$)`, Weight: 0.6},
			},
			Confidence: 0.7,
			Severity:   domain.SeverityHigh,
			Enabled:    true,
		},
		{
			ID:       "known-malware-tag",
			Name:     "Feed-Tagged Malware",
			IOCTypes: []domain.IOCType{domain.Domain, domain.URL, domain.IPAddress, domain.Hash},
			Conditions: []domain.RuleCondition{
				{Field: "tags", Pattern: `(^|,)(malware|c2|botnet)(,|$)`, Weight: 0.5},
			},
			Confidence: 0.9,
			Severity:   domain.SeverityHigh,
			Enabled:    true,
		},
		{
			ID:       "temp-filepath",
			Name:     "Payload In Temp Directory",
			IOCTypes: []domain.IOCType{domain.FilePath},
			Conditions: []domain.RuleCondition{
				{Field: "value", Pattern: `^(/tmp/|/var/tmp/|/dev/shm/)`, Weight: 0.4, CaseSensitive: true},
			},
			Confidence: 0.6,
			Severity:   domain.SeverityMedium,
			Enabled:    true,
		},
	}
}
