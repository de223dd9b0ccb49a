package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/correlate"
	"github.com/hive-corporation/threatcore/internal/detect"
	"github.com/hive-corporation/threatcore/internal/enrich"
	"github.com/hive-corporation/threatcore/internal/reputation"
	"github.com/hive-corporation/threatcore/internal/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, backend ports.Backend) *Orchestrator {
	t.Helper()
	logger := discardLogger()
	detector := detect.NewEngine(logger)
	if err := detector.Load(detect.DefaultRules()); err != nil {
		t.Fatal(err)
	}
	rep := reputation.NewEngine(time.Minute, 64, logger)
	enricher := enrich.NewEngine(enrich.Config{}, logger)
	correlator := correlate.NewEngine(correlate.Config{}, logger)
	return New(Config{}, backend, detector, rep, enricher, correlator, logger)
}

func TestProcessMaliciousDomain(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	tc := domain.TenantContext{TenantID: "tenant-a"}

	result, err := o.ProcessIOC(context.Background(), tc, domain.IOC{
		Type: domain.Domain, Value: "badsite.tk",
		Source: "feed-x", Tags: []string{"malware"}, Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	found := false
	for _, name := range result.Detection.MatchedRules {
		if name == "Suspicious Domain TLD" {
			found = true
		}
	}
	if !found {
		t.Errorf("matched rules = %v", result.Detection.MatchedRules)
	}
	if result.Detection.Confidence <= 0 {
		t.Errorf("detection confidence = %v", result.Detection.Confidence)
	}
	if result.ProcessedAt.Before(result.IOC.Timestamp) {
		t.Error("processing timestamp precedes submission timestamp")
	}

	// The result and the base record are persisted.
	stored, err := o.GetResult(context.Background(), tc, result.IOC.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if stored.IOC.ID != result.IOC.ID {
		t.Errorf("stored result id = %s, want %s", stored.IOC.ID, result.IOC.ID)
	}
}

func TestProcessIdempotency(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	tc := domain.TenantContext{TenantID: "tenant-a"}
	hash := strings.Repeat("aa", 32)
	base := time.Now().UTC().Add(-time.Hour)

	first, err := o.ProcessIOC(context.Background(), tc, domain.IOC{
		Type: domain.Hash, Value: hash, Timestamp: base, Confidence: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.ProcessIOC(context.Background(), tc, domain.IOC{
		Type: domain.Hash, Value: hash, Timestamp: base.Add(30 * time.Minute), Confidence: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	if first.IOC.ID != second.IOC.ID {
		t.Fatalf("same indicator mapped to different ids: %s vs %s", first.IOC.ID, second.IOC.ID)
	}
	if first.Detection.Confidence != second.Detection.Confidence {
		t.Errorf("detection changed between submissions: %v vs %v", first.Detection.Confidence, second.Detection.Confidence)
	}
	// Exactly one result persists and it belongs to the later call.
	stored, err := o.GetResult(context.Background(), tc, first.IOC.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.ProcessedAt.Equal(second.ProcessedAt) {
		t.Errorf("persisted result is not the later one: %v vs %v", stored.ProcessedAt, second.ProcessedAt)
	}
}

func TestProcessTenantIsolation(t *testing.T) {
	backend := memory.New()
	o := newTestOrchestrator(t, backend)
	tenantA := domain.TenantContext{TenantID: "tenant-a"}
	tenantB := domain.TenantContext{TenantID: "tenant-b"}
	ioc := domain.IOC{Type: domain.Domain, Value: "example.com", Confidence: 0.5}

	resA, err := o.ProcessIOC(context.Background(), tenantA, ioc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.ProcessIOC(context.Background(), tenantB, ioc); err != nil {
		t.Fatal(err)
	}

	pageA, err := o.SearchIOCs(context.Background(), tenantA, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if pageA.Total != 1 {
		t.Errorf("tenant-a sees %d indicators, want 1", pageA.Total)
	}

	if err := o.DeleteIOC(context.Background(), tenantA, resA.IOC.ID); err != nil {
		t.Fatal(err)
	}
	pageB, err := o.SearchIOCs(context.Background(), tenantB, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if pageB.Total != 1 {
		t.Errorf("delete in tenant-a affected tenant-b: %d indicators", pageB.Total)
	}
}

func TestProcessInvalidHashLeavesNoState(t *testing.T) {
	backend := memory.New()
	o := newTestOrchestrator(t, backend)
	tc := domain.TenantContext{TenantID: "tenant-a"}

	_, err := o.ProcessIOC(context.Background(), tc, domain.IOC{Type: domain.Hash, Value: "XYZ"})
	if !domain.IsKind(err, domain.KindInvalidFormat) {
		t.Fatalf("err = %v, want invalid_format", err)
	}

	page, err := o.SearchIOCs(context.Background(), tc, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Errorf("invalid submission persisted %d indicators", page.Total)
	}
	if stats := o.Stats(); stats.Failed != 1 || stats.Processed != 0 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
}

func TestProcessCorrelatesAgainstStoredNeighbors(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	tc := domain.TenantContext{TenantID: "tenant-a"}
	now := time.Now().UTC()

	if _, err := o.ProcessIOC(context.Background(), tc, domain.IOC{
		Type: domain.Domain, Value: "alpha-drop.example.com",
		Tags: []string{"campaign:alpha"}, Timestamp: now.Add(-20 * time.Minute), Confidence: 0.5,
	}); err != nil {
		t.Fatal(err)
	}
	result, err := o.ProcessIOC(context.Background(), tc, domain.IOC{
		Type: domain.Domain, Value: "alpha-c2.example.com",
		Tags: []string{"campaign:alpha"}, Timestamp: now, Confidence: 0.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	var campaign bool
	for _, corr := range result.Correlations {
		if corr.Type == domain.CorrelationCampaign && corr.Strength >= 0.7 {
			campaign = true
		}
	}
	if !campaign {
		t.Fatalf("no campaign correlation in %+v", result.Correlations)
	}

	// The correlations are persisted and visible from both sides.
	stored, err := o.GetCorrelations(context.Background(), tc, result.IOC.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(result.Correlations) {
		t.Errorf("persisted %d correlations, result carries %d", len(stored), len(result.Correlations))
	}
}

func TestProcessBatchCollectsFailures(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	tc := domain.TenantContext{TenantID: "tenant-a"}

	report, err := o.ProcessBatch(context.Background(), tc, []domain.IOC{
		{Type: domain.Domain, Value: "good.example.com", Confidence: 0.5},
		{Type: domain.Hash, Value: "XYZ"},
		{Type: domain.IPAddress, Value: "198.51.100.12", Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if report.TotalRequested != 3 || report.Successful != 2 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := report.Errors["XYZ"]; !ok {
		t.Errorf("failed item not surfaced: %v", report.Errors)
	}
	if len(report.Results) != 2 {
		t.Errorf("results = %d, want 2", len(report.Results))
	}
}

func TestProcessRejectsMissingTenant(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	_, err := o.ProcessIOC(context.Background(), domain.TenantContext{}, domain.IOC{Type: domain.Domain, Value: "x.example.com"})
	if !domain.IsKind(err, domain.KindTenantIsolation) {
		t.Errorf("err = %v, want tenant_isolation", err)
	}
}

func TestProcessCancellationWritesNoResult(t *testing.T) {
	backend := memory.New()
	logger := discardLogger()
	detector := detect.NewEngine(logger)
	if err := detector.Load(detect.DefaultRules()); err != nil {
		t.Fatal(err)
	}
	slow := &slowSource{delay: time.Second}
	enricher := enrich.NewEngine(enrich.Config{}, logger, slow)
	o := New(Config{}, backend, detector, nil, enricher, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	tc := domain.TenantContext{TenantID: "tenant-a"}
	_, err := o.ProcessIOC(ctx, tc, domain.IOC{Type: domain.Domain, Value: "x.example.com", Confidence: 0.5})
	if !domain.IsKind(err, domain.KindCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}

	id := domain.DeterministicID(domain.Domain, "x.example.com")
	if _, err := backend.GetResult(context.Background(), tc, id); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("result written despite cancellation: %v", err)
	}
}

func TestHealthCheckReportsComponents(t *testing.T) {
	o := newTestOrchestrator(t, memory.New())
	h := o.HealthCheck(context.Background())
	if h.Status != "ok" {
		t.Errorf("status = %s", h.Status)
	}
	if h.Components["storage"].Status != "ok" {
		t.Errorf("storage health = %+v", h.Components["storage"])
	}
}

type slowSource struct {
	delay time.Duration
}

func (s *slowSource) Name() string                   { return "slow" }
func (s *slowSource) Supports(t domain.IOCType) bool { return true }

func (s *slowSource) Enrich(ctx context.Context, ioc domain.IOC) (ports.EnrichmentPayload, error) {
	select {
	case <-time.After(s.delay):
		return ports.EnrichmentPayload{}, nil
	case <-ctx.Done():
		return ports.EnrichmentPayload{}, ctx.Err()
	}
}
