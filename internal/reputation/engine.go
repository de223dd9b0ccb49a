// Package reputation aggregates per-source maliciousness scores into a
// weighted verdict with per-tenant caching.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

// Category buckets an aggregate score; bands are strict per the
// CategoryFor mapping.
type Category string

const (
	CategoryMalicious  Category = "malicious"
	CategorySuspicious Category = "suspicious"
	CategoryNeutral    Category = "neutral"
	CategoryGood       Category = "good"
	CategoryTrusted    Category = "trusted"
)

// CategoryFor maps a score in [0,1] onto its band.
func CategoryFor(score float64) Category {
	switch {
	case score >= 0.8:
		return CategoryMalicious
	case score >= 0.6:
		return CategorySuspicious
	case score >= 0.4:
		return CategoryNeutral
	case score >= 0.2:
		return CategoryGood
	default:
		return CategoryTrusted
	}
}

// Score is the aggregated reputation of one indicator.
type Score struct {
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Category   Category  `json:"category"`
	Sources    []string  `json:"sources,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// SourceConfig carries the operator-tunable knobs of one source.
type SourceConfig struct {
	ID      string  `json:"id"`
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// Engine fans a fetch across the configured sources and aggregates by
// weighted mean. Results are cached per tenant with LRU+TTL eviction;
// changing a source's weight or enablement flushes the caches.
type Engine struct {
	mu      sync.RWMutex
	sources map[string]ports.ReputationSource
	config  map[string]SourceConfig
	order   []string // stable iteration order
	caches  map[string]*cache

	ttl      time.Duration
	capacity int
	logger   *slog.Logger
}

func NewEngine(ttl time.Duration, capacity int, logger *slog.Logger) *Engine {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{
		sources:  make(map[string]ports.ReputationSource),
		config:   make(map[string]SourceConfig),
		caches:   make(map[string]*cache),
		ttl:      ttl,
		capacity: capacity,
		logger:   logger.With("component", "reputation"),
	}
}

// Register adds a source with its configuration. Registration order is
// the evaluation order.
func (e *Engine) Register(src ports.ReputationSource, cfg SourceConfig) error {
	if cfg.Weight < 0 {
		return domain.E(domain.KindConfig, "reputation source %s: negative weight %v", cfg.ID, cfg.Weight)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.sources[cfg.ID]; dup {
		return domain.E(domain.KindConfig, "reputation source %s registered twice", cfg.ID)
	}
	e.sources[cfg.ID] = src
	e.config[cfg.ID] = cfg
	e.order = append(e.order, cfg.ID)
	return nil
}

// UpdateSource changes a source's weight or enablement and flushes all
// cached scores, since they were computed under the old weights.
func (e *Engine) UpdateSource(id string, weight float64, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.config[id]
	if !ok {
		return domain.E(domain.KindConfig, "unknown reputation source %s", id)
	}
	cfg.Weight = weight
	cfg.Enabled = enabled
	e.config[id] = cfg
	e.caches = make(map[string]*cache)
	e.logger.Info("reputation source updated, caches flushed", "source", id, "weight", weight, "enabled", enabled)
	return nil
}

func (e *Engine) tenantCache(tenantID string) *cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[tenantID]
	if !ok {
		c = newCache(e.capacity, e.ttl)
		e.caches[tenantID] = c
	}
	return c
}

// Fetch returns the indicator's reputation, serving from the tenant
// cache when fresh. Source failures are recorded as warnings and never
// abort the aggregate.
func (e *Engine) Fetch(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (Score, error) {
	if err := tc.Validate(); err != nil {
		return Score{}, err
	}
	key := string(ioc.Type) + ":" + ioc.Value
	tcache := e.tenantCache(tc.TenantID)
	if score, ok := tcache.get(key); ok {
		return score, nil
	}

	e.mu.RLock()
	type weighted struct {
		src ports.ReputationSource
		cfg SourceConfig
	}
	var enabled []weighted
	for _, id := range e.order {
		cfg := e.config[id]
		if cfg.Enabled {
			enabled = append(enabled, weighted{e.sources[id], cfg})
		}
	}
	e.mu.RUnlock()

	score := Score{ComputedAt: time.Now().UTC()}
	var weightedSum, weightSum, enabledWeightSum float64
	for _, w := range enabled {
		enabledWeightSum += w.cfg.Weight
		s, err := w.src.Score(ctx, ioc)
		if err != nil {
			warning := fmt.Sprintf("reputation source %s unavailable: %v", w.cfg.ID, err)
			score.Warnings = append(score.Warnings, warning)
			e.logger.Warn("reputation source failed", "source", w.cfg.ID, "error", err)
			continue
		}
		clamped := s.Score
		if clamped < 0 {
			clamped = 0
		} else if clamped > 1 {
			clamped = 1
		}
		weightedSum += w.cfg.Weight * clamped
		weightSum += w.cfg.Weight
		score.Sources = append(score.Sources, w.cfg.ID)
	}

	if weightSum == 0 {
		// No source answered; the neutral verdict carries no
		// confidence and is not worth caching.
		score.Score = 0.5
		score.Confidence = 0
		score.Category = CategoryNeutral
		return score, nil
	}
	score.Score = weightedSum / weightSum
	score.Confidence = weightSum / enabledWeightSum
	score.Category = CategoryFor(score.Score)
	tcache.put(key, score)
	return score, nil
}
