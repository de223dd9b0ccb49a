// Package pipeline orchestrates validation, enrichment, detection,
// reputation and correlation into a single processing flow over a
// storage backend.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/correlate"
	"github.com/hive-corporation/threatcore/internal/detect"
	"github.com/hive-corporation/threatcore/internal/enrich"
	"github.com/hive-corporation/threatcore/internal/metrics"
	"github.com/hive-corporation/threatcore/internal/reputation"
)

const (
	resultStoreRetries  = 3
	retryInitialBackoff = 100 * time.Millisecond
)

type Config struct {
	MaxBatchSize        int
	ConfidenceThreshold float64
	StorageTimeout      time.Duration
	// NeighborLimit bounds the candidate set handed to the
	// correlation engine per submission.
	NeighborLimit int
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = 30 * time.Second
	}
	if c.NeighborLimit <= 0 {
		c.NeighborLimit = 500
	}
}

// Stats is a point-in-time snapshot of orchestrator counters.
type Stats struct {
	Processed     int64         `json:"processed"`
	Failed        int64         `json:"failed"`
	AvgProcessing time.Duration `json:"avg_processing_time"`
	LastProcessed time.Time     `json:"last_processed,omitempty"`
}

// ComponentHealth is one entry of the health report.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is the aggregate health report.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// BatchReport collects per-item outcomes of a batch submission.
// Failures never abort the batch.
type BatchReport struct {
	TotalRequested int                `json:"total_requested"`
	Successful     int                `json:"successful"`
	Failed         int                `json:"failed"`
	Results        []domain.IOCResult `json:"results,omitempty"`
	Errors         map[string]string  `json:"errors,omitempty"` // submitted value -> message
}

// Orchestrator wires the engines to a storage backend and drives the
// processing flow for one tenant-scoped submission at a time.
type Orchestrator struct {
	cfg        Config
	backend    ports.Backend
	detector   *detect.Engine
	reputation *reputation.Engine
	enricher   *enrich.Engine
	correlator *correlate.Engine
	logger     *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64

	mu            sync.Mutex
	totalDuration time.Duration
	lastProcessed time.Time
}

func New(cfg Config, backend ports.Backend, detector *detect.Engine, rep *reputation.Engine, enricher *enrich.Engine, correlator *correlate.Engine, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		backend:    backend,
		detector:   detector,
		reputation: rep,
		enricher:   enricher,
		correlator: correlator,
		logger:     logger.With("component", "pipeline"),
	}
}

// ProcessIOC runs the full flow: validate, persist, enrich, detect,
// score, correlate, persist the result. Adapter failures become
// warnings on the result; validation, storage and cancellation errors
// propagate and leave no result behind.
func (o *Orchestrator) ProcessIOC(ctx context.Context, tc domain.TenantContext, raw domain.IOC) (domain.IOCResult, error) {
	start := time.Now()
	result, err := o.process(ctx, tc, raw)
	elapsed := time.Since(start)
	metrics.RecordProcessingDuration(elapsed)
	if err != nil {
		o.failed.Add(1)
		metrics.RecordProcessed(string(raw.Type), outcomeLabel(err))
		return domain.IOCResult{}, err
	}
	o.processed.Add(1)
	metrics.RecordProcessed(string(raw.Type), "success")
	metrics.RecordDetection(result.Detection.Confidence)
	for _, corr := range result.Correlations {
		metrics.RecordCorrelation(string(corr.Type))
	}
	o.mu.Lock()
	o.totalDuration += elapsed
	o.lastProcessed = time.Now().UTC()
	o.mu.Unlock()
	return result, nil
}

func outcomeLabel(err error) string {
	switch {
	case domain.IsKind(err, domain.KindInvalidFormat):
		return "invalid"
	case domain.IsKind(err, domain.KindCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

func (o *Orchestrator) process(ctx context.Context, tc domain.TenantContext, raw domain.IOC) (domain.IOCResult, error) {
	if err := tc.Validate(); err != nil {
		o.logger.Error("rejected submission without tenant", "error", err)
		return domain.IOCResult{}, err
	}

	ioc := raw
	warnings, err := domain.ValidateAndCanonicalize(&ioc)
	if err != nil {
		return domain.IOCResult{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout)
	err = o.backend.StoreIOC(sctx, tc, ioc)
	cancel()
	if err != nil {
		return domain.IOCResult{}, err
	}

	enriched, enrichWarnings, err := o.enricher.Enrich(ctx, ioc)
	if err != nil {
		// Only cancellation escapes the enrichment engine.
		return domain.IOCResult{}, err
	}
	warnings = append(warnings, enrichWarnings...)

	sctx, cancel = context.WithTimeout(ctx, o.cfg.StorageTimeout)
	err = o.backend.StoreEnriched(sctx, tc, enriched)
	cancel()
	if err != nil {
		return domain.IOCResult{}, err
	}

	detection := o.detector.Evaluate(enriched.IOC)

	intel, repWarnings := o.gatherIntelligence(ctx, tc, enriched.IOC)
	warnings = append(warnings, repWarnings...)

	correlations, err := o.correlateStored(ctx, tc, enriched.IOC)
	if err != nil {
		return domain.IOCResult{}, err
	}

	result := domain.IOCResult{
		IOC:          enriched,
		Detection:    detection,
		Intelligence: intel,
		Correlations: correlations,
		Analysis:     o.buildAnalysis(enriched, detection, intel),
		ProcessedAt:  time.Now().UTC(),
		Warnings:     warnings,
	}

	if err := o.persistResult(ctx, tc, result, correlations); err != nil {
		return domain.IOCResult{}, err
	}
	return result, nil
}

// gatherIntelligence folds the reputation aggregate into the result's
// intelligence block. Reputation trouble is a warning, never fatal.
func (o *Orchestrator) gatherIntelligence(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (domain.Intelligence, []string) {
	if o.reputation == nil {
		return domain.Intelligence{LastUpdated: time.Now().UTC()}, nil
	}
	score, err := o.reputation.Fetch(ctx, tc, ioc)
	if err != nil {
		return domain.Intelligence{LastUpdated: time.Now().UTC()},
			[]string{fmt.Sprintf("reputation lookup failed: %v", err)}
	}
	intel := domain.Intelligence{
		Sources:     score.Sources,
		Confidence:  domain.CombineSourceConfidences([]float64{score.Confidence}),
		LastUpdated: score.ComputedAt,
	}
	if score.Category == reputation.CategoryMalicious || score.Category == reputation.CategorySuspicious {
		intel.RelatedThreats = append(intel.RelatedThreats, "reputation:"+string(score.Category))
	}
	return intel, score.Warnings
}

// correlateStored pulls candidate neighbors from storage, scores them
// and persists the surviving correlations.
func (o *Orchestrator) correlateStored(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) ([]domain.Correlation, error) {
	if o.correlator == nil {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout)
	defer cancel()
	// Same-type neighbors carry nearly all correlation signal; tag
	// based detectors still see cross-type pairs via a second query.
	page, err := o.backend.SearchIOCs(sctx, tc, ports.SearchCriteria{Types: []domain.IOCType{ioc.Type}}, 0, o.cfg.NeighborLimit)
	if err != nil {
		return nil, err
	}
	neighbors := page.Items
	for _, tag := range ioc.Tags {
		if !isCampaignTag(tag) {
			continue
		}
		tagged, err := o.backend.SearchIOCs(sctx, tc, ports.SearchCriteria{Tags: []string{tag}}, 0, o.cfg.NeighborLimit)
		if err != nil {
			return nil, err
		}
		neighbors = mergeNeighbors(neighbors, tagged.Items)
	}
	return o.correlator.Correlate(ioc, neighbors), nil
}

func isCampaignTag(tag string) bool {
	return strings.HasPrefix(tag, "campaign:") || strings.HasPrefix(tag, "apt:")
}

func mergeNeighbors(base, extra []domain.IOC) []domain.IOC {
	seen := make(map[string]bool, len(base))
	for _, n := range base {
		seen[n.ID] = true
	}
	for _, n := range extra {
		if !seen[n.ID] {
			seen[n.ID] = true
			base = append(base, n)
		}
	}
	return base
}

// persistResult writes the result and its correlations, atomically when
// the backend can, correlations first when it cannot. The result write
// is retried on transient storage failures.
func (o *Orchestrator) persistResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) error {
	if txb, ok := o.backend.(ports.TransactionalBackend); ok && o.backend.Capabilities().Transactions {
		return o.withRetry(ctx, func(sctx context.Context) error {
			return txb.StoreResultAtomic(sctx, tc, result, correlations)
		})
	}
	// Correlations first; an orphaned correlation set is tolerated and
	// recomputed on the next submission.
	for _, corr := range correlations {
		corr := corr
		if err := o.withRetry(ctx, func(sctx context.Context) error {
			return o.backend.StoreCorrelation(sctx, tc, corr)
		}); err != nil {
			return err
		}
	}
	return o.withRetry(ctx, func(sctx context.Context) error {
		return o.backend.StoreResult(sctx, tc, result)
	})
}

func (o *Orchestrator) withRetry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), resultStoreRetries), ctx)
	return backoff.Retry(func() error {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StorageTimeout)
		defer cancel()
		err := op(sctx)
		if err != nil && !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialBackoff
	b.RandomizationFactor = 0
	return b
}

// ProcessBatch processes items in chunks of at most MaxBatchSize.
// Per-item failures are collected, never abort the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tc domain.TenantContext, iocs []domain.IOC) (BatchReport, error) {
	report := BatchReport{TotalRequested: len(iocs)}
	if err := tc.Validate(); err != nil {
		return report, err
	}
	for chunkStart := 0; chunkStart < len(iocs); chunkStart += o.cfg.MaxBatchSize {
		end := chunkStart + o.cfg.MaxBatchSize
		if end > len(iocs) {
			end = len(iocs)
		}
		for _, ioc := range iocs[chunkStart:end] {
			if ctx.Err() != nil {
				return report, domain.WrapErr(ctx.Err(), domain.KindCancelled, "batch cancelled")
			}
			result, err := o.ProcessIOC(ctx, tc, ioc)
			if err != nil {
				if domain.IsKind(err, domain.KindCancelled) {
					return report, err
				}
				report.Failed++
				if report.Errors == nil {
					report.Errors = make(map[string]string)
				}
				report.Errors[ioc.Value] = err.Error()
				continue
			}
			report.Successful++
			report.Results = append(report.Results, result)
		}
	}
	return report, nil
}

// SearchIOCs lists stored indicators for the tenant.
func (o *Orchestrator) SearchIOCs(ctx context.Context, tc domain.TenantContext, criteria ports.SearchCriteria, offset, limit int) (ports.Page[domain.IOC], error) {
	return o.backend.SearchIOCs(ctx, tc, criteria, offset, limit)
}

// GetResult returns the processed result for an indicator id.
func (o *Orchestrator) GetResult(ctx context.Context, tc domain.TenantContext, id string) (domain.IOCResult, error) {
	return o.backend.GetResult(ctx, tc, id)
}

// GetCorrelations returns every correlation referencing the id.
func (o *Orchestrator) GetCorrelations(ctx context.Context, tc domain.TenantContext, id string) ([]domain.Correlation, error) {
	return o.backend.GetCorrelations(ctx, tc, id)
}

// DeleteIOC removes the indicator with its derived records.
func (o *Orchestrator) DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) error {
	return o.backend.DeleteIOC(ctx, tc, id)
}

// Stats snapshots the processing counters.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Processed: o.processed.Load(),
		Failed:    o.failed.Load(),
	}
	o.mu.Lock()
	if s.Processed > 0 {
		s.AvgProcessing = o.totalDuration / time.Duration(s.Processed)
	}
	s.LastProcessed = o.lastProcessed
	o.mu.Unlock()
	return s
}

// HealthCheck probes the backend and reports per-component status.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "ok", Components: make(map[string]ComponentHealth)}
	if err := o.backend.HealthCheck(ctx); err != nil {
		h.Status = "degraded"
		h.Components["storage"] = ComponentHealth{Status: "down", Error: err.Error()}
	} else {
		h.Components["storage"] = ComponentHealth{Status: "ok"}
	}
	for _, name := range []string{"detection", "enrichment", "correlation", "reputation"} {
		h.Components[name] = ComponentHealth{Status: "ok"}
	}
	return h
}

func (o *Orchestrator) buildAnalysis(enriched domain.EnrichedIOC, detection domain.DetectionResult, intel domain.Intelligence) domain.Analysis {
	a := domain.Analysis{Tags: append([]string(nil), enriched.Tags...)}
	sort.Strings(a.Tags)

	switch {
	case detection.Confidence >= o.cfg.ConfidenceThreshold && enriched.Severity.Rank() >= domain.SeverityHigh.Rank():
		a.Impact = "high"
		a.Recommendations = append(a.Recommendations, "block at perimeter", "open incident for triage")
	case detection.Confidence >= o.cfg.ConfidenceThreshold:
		a.Impact = "medium"
		a.Recommendations = append(a.Recommendations, "add to watchlist", "review matched rules")
	default:
		a.Impact = "low"
		a.Recommendations = append(a.Recommendations, "monitor for recurrence")
	}
	for _, threat := range intel.RelatedThreats {
		if threat == "reputation:malicious" {
			a.Recommendations = append(a.Recommendations, "cross-check reputation sources")
			break
		}
	}
	return a
}
