// Package enrich fans an indicator out to context sources and merges
// their payloads.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

// highConfidence is the corroboration bar for the uplift rule.
const highConfidence = 0.7

type Config struct {
	MaxConcurrency   int
	PerSourceTimeout time.Duration
	UpliftDelta      float64
	EnabledSources   []string // empty enables all registered sources
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.PerSourceTimeout <= 0 {
		c.PerSourceTimeout = 5 * time.Second
	}
	if c.UpliftDelta <= 0 {
		c.UpliftDelta = 0.1
	}
}

type Engine struct {
	sources []ports.EnrichmentSource
	cfg     Config
	logger  *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger, sources ...ports.EnrichmentSource) *Engine {
	cfg.applyDefaults()
	return &Engine{
		sources: sources,
		cfg:     cfg,
		logger:  logger.With("component", "enrich"),
	}
}

func (e *Engine) enabled(name string) bool {
	if len(e.cfg.EnabledSources) == 0 {
		return true
	}
	for _, s := range e.cfg.EnabledSources {
		if s == name {
			return true
		}
	}
	return false
}

type sourceOutcome struct {
	name    string
	payload ports.EnrichmentPayload
}

// Enrich runs every applicable source concurrently and merges the
// payloads by source id. Source failures become warnings; only caller
// cancellation is an error.
func (e *Engine) Enrich(ctx context.Context, ioc domain.IOC) (domain.EnrichedIOC, []string, error) {
	enriched := domain.EnrichedIOC{IOC: ioc}

	var applicable []ports.EnrichmentSource
	for _, src := range e.sources {
		if e.enabled(src.Name()) && src.Supports(ioc.Type) {
			applicable = append(applicable, src)
		}
	}
	if len(applicable) == 0 {
		enriched.EnrichedAt = time.Now().UTC()
		return enriched, nil, nil
	}

	var mu sync.Mutex
	var outcomes []sourceOutcome
	var warnings []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, src := range applicable {
		src := src
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, e.cfg.PerSourceTimeout)
			defer cancel()
			payload, err := src.Enrich(sctx, ioc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("enrichment source %s: %v", src.Name(), sourceErr(err)))
				e.logger.Warn("enrichment source failed", "source", src.Name(), "ioc_id", ioc.ID, "error", err)
				return nil
			}
			outcomes = append(outcomes, sourceOutcome{name: src.Name(), payload: payload})
			return nil
		})
	}
	// Goroutines never return errors; Wait only orders completion.
	_ = g.Wait()
	if ctx.Err() != nil {
		return enriched, warnings, domain.WrapErr(ctx.Err(), domain.KindCancelled, "enrichment cancelled")
	}

	merge(&enriched, outcomes, e.cfg.UpliftDelta)
	return enriched, warnings, nil
}

// sourceErr classifies an adapter failure for the warning message.
func sourceErr(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapErr(err, domain.KindAdapterTimeout, "deadline exceeded")
	}
	return domain.WrapErr(err, domain.KindAdapterUnavailable, "call failed")
}

func merge(enriched *domain.EnrichedIOC, outcomes []sourceOutcome, upliftDelta float64) {
	now := time.Now().UTC()
	enriched.EnrichedAt = now
	if len(outcomes) == 0 {
		return
	}

	enriched.Enrichments = make(map[string]map[string]any, len(outcomes))
	maliciousVotes := 0
	var related []string
	for _, o := range outcomes {
		enriched.EnrichedBy = append(enriched.EnrichedBy, o.name)
		if o.payload.Data != nil {
			enriched.Enrichments[o.name] = o.payload.Data
		}
		related = append(related, o.payload.RelatedIndicators...)
		if o.payload.Verdict == "malicious" && o.payload.Confidence >= highConfidence {
			maliciousVotes++
		}
	}

	if enriched.Context == nil {
		enriched.Context = &domain.IOCContext{}
	} else {
		ctxCopy := *enriched.Context
		enriched.Context = &ctxCopy
	}
	if enriched.Context.LastSeen.Before(now) {
		enriched.Context.LastSeen = now
	}
	if len(related) > 0 {
		seen := make(map[string]bool, len(enriched.Context.RelatedIndicators))
		merged := append([]string(nil), enriched.Context.RelatedIndicators...)
		for _, id := range merged {
			seen[id] = true
		}
		for _, id := range related {
			if id != "" && !seen[id] {
				seen[id] = true
				merged = append(merged, id)
			}
		}
		enriched.Context.RelatedIndicators = merged
	}

	// Two independent corroborating verdicts earn a bounded uplift;
	// confidence never moves down.
	if maliciousVotes >= 2 {
		uplift := upliftDelta
		if room := 1 - enriched.Confidence; room < uplift {
			uplift = room
		}
		if uplift > 0 {
			enriched.Confidence += uplift
		}
	}
}
