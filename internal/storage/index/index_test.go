package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

func openTest(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func storeTestIOC(t *testing.T, b *Backend, tc domain.TenantContext, value string, tags ...string) domain.IOC {
	t.Helper()
	ioc := domain.IOC{
		ID:         domain.DeterministicID(domain.Domain, value),
		Type:       domain.Domain,
		Value:      value,
		Confidence: 0.6,
		Severity:   domain.SeverityMedium,
		Source:     "feed-a",
		Timestamp:  time.Now().UTC(),
		Tags:       tags,
	}
	if err := b.StoreIOC(context.Background(), tc, ioc); err != nil {
		t.Fatalf("store %s: %v", value, err)
	}
	return ioc
}

func TestIndexedSearch(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	storeTestIOC(t, b, tc, "a.example.com", "botnet")
	storeTestIOC(t, b, tc, "b.example.com", "botnet", "c2")
	storeTestIOC(t, b, tc, "c.example.net")

	page, err := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Tags: []string{"botnet"}}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("tag search total = %d, want 2", page.Total)
	}

	both, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Tags: []string{"botnet", "c2"}}, 0, 10)
	if both.Total != 1 {
		t.Errorf("intersected tag search total = %d, want 1", both.Total)
	}

	typed, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Types: []domain.IOCType{domain.Domain}}, 0, 10)
	if typed.Total != 3 {
		t.Errorf("type search total = %d, want 3", typed.Total)
	}
}

func TestIndexUpdatedOnRestore(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	ioc := storeTestIOC(t, b, tc, "a.example.com", "botnet")
	ioc.Tags = []string{"phishing"}
	if err := b.StoreIOC(ctx, tc, ioc); err != nil {
		t.Fatalf("restore: %v", err)
	}

	old, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Tags: []string{"botnet"}}, 0, 10)
	if old.Total != 0 {
		t.Errorf("stale posting survived update: %d", old.Total)
	}
	cur, _ := b.SearchIOCs(ctx, tc, ports.SearchCriteria{Tags: []string{"phishing"}}, 0, 10)
	if cur.Total != 1 {
		t.Errorf("new posting missing: %d", cur.Total)
	}
}

func TestIndexCascadeDelete(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()
	tc := domain.TenantContext{TenantID: "tenant-a"}

	a := storeTestIOC(t, b, tc, "a.example.com")
	other := storeTestIOC(t, b, tc, "b.example.com")
	third := storeTestIOC(t, b, tc, "c.example.com")

	c1, _ := domain.NewCorrelation(domain.CorrelationTemporal, []string{a.ID, other.ID}, 0.6, nil)
	c2, _ := domain.NewCorrelation(domain.CorrelationTemporal, []string{other.ID, third.ID}, 0.6, nil)
	for _, c := range []domain.Correlation{c1, c2} {
		if err := b.StoreCorrelation(ctx, tc, c); err != nil {
			t.Fatalf("store correlation: %v", err)
		}
	}

	if err := b.DeleteIOC(ctx, tc, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := b.GetCorrelations(ctx, tc, other.ID)
	if err != nil {
		t.Fatalf("get correlations: %v", err)
	}
	if len(left) != 1 || left[0].ID != c2.ID {
		t.Errorf("cascade left %+v", left)
	}
	if _, err := b.GetIOC(ctx, tc, a.ID); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("deleted ioc still readable: %v", err)
	}
}

func TestIndexTenantIsolation(t *testing.T) {
	b := openTest(t)
	ctx := context.Background()

	storeTestIOC(t, b, domain.TenantContext{TenantID: "tenant-a"}, "a.example.com")
	page, err := b.SearchIOCs(ctx, domain.TenantContext{TenantID: "tenant-b"}, ports.SearchCriteria{}, 0, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("tenant-b sees %d records", page.Total)
	}
}
