package config

import (
	"strings"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("backend = %s, want memory", cfg.Storage.Backend)
	}
	if cfg.Processing.MaxBatchSize != 100 {
		t.Errorf("max batch size = %d", cfg.Processing.MaxBatchSize)
	}
	if cfg.Enrichment.PerSourceTimeout != 5*time.Second {
		t.Errorf("per source timeout = %v", cfg.Enrichment.PerSourceTimeout)
	}
	if cfg.Correlation.TimeWindow != time.Hour {
		t.Errorf("time window = %v", cfg.Correlation.TimeWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "document")
	t.Setenv("PROCESSING_MAX_BATCH_SIZE", "25")
	t.Setenv("ENRICHMENT_ENABLED_SOURCES", "geoip, otx")
	t.Setenv("REPUTATION_SOURCES", "feed-a:0.4,!feed-b:0.6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendDocument {
		t.Errorf("backend = %s", cfg.Storage.Backend)
	}
	if cfg.Processing.MaxBatchSize != 25 {
		t.Errorf("max batch size = %d", cfg.Processing.MaxBatchSize)
	}
	if len(cfg.Enrichment.EnabledSources) != 2 || cfg.Enrichment.EnabledSources[1] != "otx" {
		t.Errorf("enabled sources = %v", cfg.Enrichment.EnabledSources)
	}
	if len(cfg.Reputation.Sources) != 2 {
		t.Fatalf("sources = %v", cfg.Reputation.Sources)
	}
	if cfg.Reputation.Sources[0].Weight != 0.4 || !cfg.Reputation.Sources[0].Enabled {
		t.Errorf("feed-a = %+v", cfg.Reputation.Sources[0])
	}
	if cfg.Reputation.Sources[1].Enabled {
		t.Errorf("feed-b should be disabled: %+v", cfg.Reputation.Sources[1])
	}
}

func TestValidateNamesField(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "graph" }, "storage.backend"},
		{"relational without conn", func(c *Config) { c.Storage.Backend = BackendRelational }, "storage.connection_string"},
		{"bad threshold", func(c *Config) { c.Processing.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"bad strength", func(c *Config) { c.Correlation.MinStrength = -0.1 }, "minimum_correlation_strength"},
		{"negative source weight", func(c *Config) {
			c.Reputation.Sources = []ReputationSource{{ID: "x", Weight: -1}}
		}, "reputation.sources"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if !domain.IsKind(err, domain.KindConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
			if got := err.Error(); !strings.Contains(got, tc.want) {
				t.Errorf("error %q does not name %q", got, tc.want)
			}
		})
	}
}

func TestParseReputationSourcesRejectsMalformed(t *testing.T) {
	if _, err := parseReputationSources("feed-a"); !domain.IsKind(err, domain.KindConfig) {
		t.Errorf("missing weight accepted: %v", err)
	}
	if _, err := parseReputationSources("feed-a:heavy"); !domain.IsKind(err, domain.KindConfig) {
		t.Errorf("non-numeric weight accepted: %v", err)
	}
}
