package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

func testIOC(id, value string) domain.IOC {
	return domain.IOC{
		ID:         id,
		Type:       domain.Domain,
		Value:      value,
		Confidence: 0.7,
		Severity:   domain.SeverityMedium,
		Source:     "test",
		Timestamp:  time.Now().UTC(),
	}
}

func TestTenantIsolation(t *testing.T) {
	b := New()
	ctx := context.Background()
	tenantA := domain.TenantContext{TenantID: "tenant-a"}
	tenantB := domain.TenantContext{TenantID: "tenant-b"}

	ioc := testIOC("ioc-1", "evil.example.com")
	if err := b.StoreIOC(ctx, tenantA, ioc); err != nil {
		t.Fatalf("store: %v", err)
	}

	if _, err := b.GetIOC(ctx, tenantB, "ioc-1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("cross-tenant read should be not_found, got %v", err)
	}
	page, err := b.SearchIOCs(ctx, tenantB, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("tenant-b sees %d iocs, want 0", page.Total)
	}

	if err := b.StoreIOC(ctx, domain.TenantContext{}, ioc); !domain.IsKind(err, domain.KindTenantIsolation) {
		t.Errorf("missing tenant should fail with tenant_isolation, got %v", err)
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	b := New()
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	ioc := testIOC("ioc-1", "evil.example.com")
	if err := b.StoreIOC(ctx, tc, ioc); err != nil {
		t.Fatalf("store: %v", err)
	}
	first, _ := b.GetIOC(ctx, tc, "ioc-1")

	ioc.Confidence = 0.9
	if err := b.StoreIOC(ctx, tc, ioc); err != nil {
		t.Fatalf("restore: %v", err)
	}
	second, _ := b.GetIOC(ctx, tc, "ioc-1")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on upsert: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Confidence != 0.9 {
		t.Errorf("upsert did not apply new fields")
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("updated_at went backwards")
	}
}

func TestDeleteCascadesCorrelations(t *testing.T) {
	b := New()
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	for _, id := range []string{"ioc-1", "ioc-2", "ioc-3"} {
		if err := b.StoreIOC(ctx, tc, testIOC(id, id+".example.com")); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	c12, err := domain.NewCorrelation(domain.CorrelationTemporal, []string{"ioc-1", "ioc-2"}, 0.6, nil)
	if err != nil {
		t.Fatal(err)
	}
	c23, err := domain.NewCorrelation(domain.CorrelationTemporal, []string{"ioc-2", "ioc-3"}, 0.6, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []domain.Correlation{c12, c23} {
		if err := b.StoreCorrelation(ctx, tc, c); err != nil {
			t.Fatalf("store correlation: %v", err)
		}
	}

	if err := b.DeleteIOC(ctx, tc, "ioc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := b.GetCorrelations(ctx, tc, "ioc-2")
	if err != nil {
		t.Fatalf("get correlations: %v", err)
	}
	if len(left) != 1 || left[0].ID != c23.ID {
		t.Errorf("expected only the ioc-2/ioc-3 correlation to survive, got %+v", left)
	}

	// Deleting an absent id is a no-op.
	if err := b.DeleteIOC(ctx, tc, "ioc-1"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestSearchFilterAndPagination(t *testing.T) {
	b := New()
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	base := time.Now().UTC()
	for i := 0; i < 25; i++ {
		ioc := testIOC(fmt.Sprintf("ioc-%02d", i), fmt.Sprintf("host%02d.example.com", i))
		ioc.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if i%5 == 0 {
			ioc.Tags = []string{"botnet"}
			ioc.Confidence = 0.9
		}
		if err := b.StoreIOC(ctx, tc, ioc); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	page, err := b.SearchIOCs(ctx, tc, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 25 || len(page.Items) != 10 {
		t.Fatalf("page = total %d items %d, want 25/10", page.Total, len(page.Items))
	}
	if page.Items[0].ID != "ioc-24" {
		t.Errorf("expected newest first, got %s", page.Items[0].ID)
	}
	if !page.HasMore {
		t.Error("first page should report more results")
	}

	page2, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{}, 20, 10)
	if len(page2.Items) != 5 || page2.HasMore {
		t.Errorf("last page has %d items (has_more=%v), want 5/false", len(page2.Items), page2.HasMore)
	}

	tagged, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Tags: []string{"botnet"}, MinConfidence: 0.8}, 0, 50)
	if tagged.Total != 5 {
		t.Errorf("tag+confidence filter matched %d, want 5", tagged.Total)
	}

	substr, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{ValueContains: "host0"}, 0, 50)
	if substr.Total != 10 {
		t.Errorf("substring filter matched %d, want 10", substr.Total)
	}
}

func TestBulkStoreReportsPartialFailure(t *testing.T) {
	b := New()
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	iocs := []domain.IOC{
		testIOC("ioc-1", "a.example.com"),
		{Type: domain.Domain, Value: "missing-id.example.com"},
		testIOC("ioc-2", "b.example.com"),
	}
	res, err := b.BulkStoreIOCs(ctx, tc, iocs)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.TotalRequested != 3 || res.Successful != 2 || res.Failed != 1 {
		t.Errorf("bulk result = %+v; want 3 requested, 2 successful, 1 failed", res)
	}
	if len(res.FailedIDs) != 1 {
		t.Errorf("failed ids = %v", res.FailedIDs)
	}
	if _, err := b.GetIOC(ctx, tc, "ioc-2"); err != nil {
		t.Errorf("sibling failure must not block stores: %v", err)
	}
}

func TestResultRoundTripAndMetrics(t *testing.T) {
	b := New()
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	ioc := testIOC("ioc-1", "evil.example.com")
	result := domain.IOCResult{
		IOC:         domain.EnrichedIOC{IOC: ioc},
		ProcessedAt: time.Now().UTC(),
	}
	corr, _ := domain.NewCorrelation(domain.CorrelationCampaign, []string{"ioc-1", "ioc-9"}, 0.7, nil)
	if err := b.StoreResultAtomic(ctx, tc, result, []domain.Correlation{corr}); err != nil {
		t.Fatalf("atomic store: %v", err)
	}
	got, err := b.GetResult(ctx, tc, "ioc-1")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got.IOC.ID != "ioc-1" {
		t.Errorf("round-trip id = %q", got.IOC.ID)
	}
	corrs, _ := b.GetCorrelations(ctx, tc, "ioc-1")
	if len(corrs) != 1 {
		t.Errorf("expected stored correlation, got %d", len(corrs))
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Operations == 0 {
		t.Error("expected operation count to advance")
	}
}
