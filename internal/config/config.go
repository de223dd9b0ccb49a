// Package config assembles runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// BackendKind selects the storage implementation.
type BackendKind string

const (
	BackendMemory     BackendKind = "memory"
	BackendRelational BackendKind = "relational"
	BackendDocument   BackendKind = "document"
	BackendKeyValue   BackendKind = "keyvalue"
	BackendIndex      BackendKind = "index"
)

type Processing struct {
	MaxBatchSize        int
	ConfidenceThreshold float64
	CancelTimeout       time.Duration
}

type Enrichment struct {
	EnabledSources   []string
	PerSourceTimeout time.Duration
	MaxConcurrency   int
	UpliftDelta      float64
}

type Correlation struct {
	TimeWindow  time.Duration
	MinStrength float64
	MaxPerIOC   int
}

type ReputationSource struct {
	ID      string
	Weight  float64
	Enabled bool
}

type Reputation struct {
	Sources       []ReputationSource
	CacheTTL      time.Duration
	CacheCapacity int
}

type Storage struct {
	Backend          BackendKind
	ConnectionString string
	PoolSize         int
	Timeout          time.Duration
}

type Config struct {
	Processing  Processing
	Enrichment  Enrichment
	Correlation Correlation
	Reputation  Reputation
	Storage     Storage

	RulesFile string
	HTTPPort  string
	AuthToken string
	GeoIPPath string
	LogLevel  string
}

// Load reads the environment. Missing variables fall back to defaults;
// malformed or inconsistent values fail with a config error naming the
// field.
func Load() (Config, error) {
	cfg := Config{
		Processing: Processing{
			MaxBatchSize:        getInt("PROCESSING_MAX_BATCH_SIZE", 100),
			ConfidenceThreshold: getFloat("PROCESSING_CONFIDENCE_THRESHOLD", 0.5),
			CancelTimeout:       getDuration("PROCESSING_CANCEL_TIMEOUT_MS", 30_000) * time.Millisecond,
		},
		Enrichment: Enrichment{
			EnabledSources:   getList("ENRICHMENT_ENABLED_SOURCES"),
			PerSourceTimeout: getDuration("ENRICHMENT_PER_SOURCE_TIMEOUT_MS", 5_000) * time.Millisecond,
			MaxConcurrency:   getInt("ENRICHMENT_MAX_CONCURRENCY", 8),
			UpliftDelta:      getFloat("ENRICHMENT_UPLIFT_DELTA", 0.1),
		},
		Correlation: Correlation{
			TimeWindow:  getDuration("CORRELATION_TIME_WINDOW_HOURS", 1) * time.Hour,
			MinStrength: getFloat("CORRELATION_MIN_STRENGTH", 0.5),
			MaxPerIOC:   getInt("CORRELATION_MAX_PER_IOC", 50),
		},
		Reputation: Reputation{
			CacheTTL:      getDuration("REPUTATION_CACHE_TTL_SECONDS", 300) * time.Second,
			CacheCapacity: getInt("REPUTATION_CACHE_CAPACITY", 4096),
		},
		Storage: Storage{
			Backend:          BackendKind(getEnv("STORAGE_BACKEND", string(BackendMemory))),
			ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
			PoolSize:         getInt("STORAGE_POOL_SIZE", 10),
			Timeout:          getDuration("STORAGE_TIMEOUT_SECONDS", 30) * time.Second,
		},
		RulesFile: os.Getenv("DETECTION_RULES_FILE"),
		HTTPPort:  getEnv("REST_API_PORT", "8080"),
		AuthToken: os.Getenv("REST_API_AUTH_TOKEN"),
		GeoIPPath: os.Getenv("GEOIP_DATABASE_PATH"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}

	sources, err := parseReputationSources(os.Getenv("REPUTATION_SOURCES"))
	if err != nil {
		return Config{}, err
	}
	cfg.Reputation.Sources = sources

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRelational, BackendDocument, BackendKeyValue, BackendIndex:
	default:
		return domain.E(domain.KindConfig, "storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.Storage.Backend {
	case BackendRelational, BackendKeyValue:
		if c.Storage.ConnectionString == "" {
			return domain.E(domain.KindConfig, "storage.connection_string: required for backend %q", c.Storage.Backend)
		}
	}
	if c.Processing.MaxBatchSize <= 0 {
		return domain.E(domain.KindConfig, "processing.max_batch_size: must be positive, got %d", c.Processing.MaxBatchSize)
	}
	if c.Processing.ConfidenceThreshold < 0 || c.Processing.ConfidenceThreshold > 1 {
		return domain.E(domain.KindConfig, "processing.confidence_threshold: %v outside [0,1]", c.Processing.ConfidenceThreshold)
	}
	if c.Enrichment.MaxConcurrency <= 0 {
		return domain.E(domain.KindConfig, "enrichment.max_concurrency: must be positive, got %d", c.Enrichment.MaxConcurrency)
	}
	if c.Enrichment.UpliftDelta < 0 || c.Enrichment.UpliftDelta > 1 {
		return domain.E(domain.KindConfig, "enrichment.uplift_delta: %v outside [0,1]", c.Enrichment.UpliftDelta)
	}
	if c.Correlation.MinStrength < 0 || c.Correlation.MinStrength > 1 {
		return domain.E(domain.KindConfig, "correlation.minimum_correlation_strength: %v outside [0,1]", c.Correlation.MinStrength)
	}
	if c.Correlation.MaxPerIOC <= 0 {
		return domain.E(domain.KindConfig, "correlation.max_correlations_per_ioc: must be positive, got %d", c.Correlation.MaxPerIOC)
	}
	if c.Reputation.CacheCapacity <= 0 {
		return domain.E(domain.KindConfig, "reputation.cache_capacity: must be positive, got %d", c.Reputation.CacheCapacity)
	}
	for _, src := range c.Reputation.Sources {
		if src.ID == "" {
			return domain.E(domain.KindConfig, "reputation.sources: source with empty id")
		}
		if src.Weight < 0 {
			return domain.E(domain.KindConfig, "reputation.sources: source %s has negative weight %v", src.ID, src.Weight)
		}
	}
	return nil
}

// parseReputationSources reads "id:weight,id:weight". A leading "!"
// disables the source without removing its weight from the config.
func parseReputationSources(raw string) ([]ReputationSource, error) {
	if raw == "" {
		return nil, nil
	}
	var out []ReputationSource
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, weightStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, domain.E(domain.KindConfig, "reputation.sources: entry %q is not id:weight", part)
		}
		enabled := true
		if strings.HasPrefix(id, "!") {
			enabled = false
			id = id[1:]
		}
		weight, err := strconv.ParseFloat(weightStr, 64)
		if err != nil {
			return nil, domain.E(domain.KindConfig, "reputation.sources: weight %q of source %s: %v", weightStr, id, err)
		}
		out = append(out, ReputationSource{ID: id, Weight: weight, Enabled: enabled})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(fallback)
	}
	return time.Duration(n)
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// String renders the config for startup logging with secrets elided.
func (c Config) String() string {
	conn := c.Storage.ConnectionString
	if conn != "" {
		conn = "<set>"
	}
	return fmt.Sprintf("backend=%s conn=%s batch=%d sources=%d rules=%s",
		c.Storage.Backend, conn, c.Processing.MaxBatchSize, len(c.Reputation.Sources), c.RulesFile)
}
