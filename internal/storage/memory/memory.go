// Package memory implements the storage backend on in-process maps.
// It is the reference implementation of the contract semantics and the
// default for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

type tenantData struct {
	iocs         map[string]domain.IOC
	enriched     map[string]domain.EnrichedIOC
	results      map[string]domain.IOCResult
	correlations map[string]domain.Correlation
}

// Backend keeps all records per tenant behind one RWMutex. Reads hand
// out copies so callers can never mutate stored state.
type Backend struct {
	mu      sync.RWMutex
	tenants map[string]*tenantData

	ops     atomic.Int64
	errs    atomic.Int64
	latency atomic.Int64 // cumulative nanoseconds
}

var _ ports.TransactionalBackend = (*Backend)(nil)

func New() *Backend {
	return &Backend{tenants: make(map[string]*tenantData)}
}

func (b *Backend) tenant(id string) *tenantData {
	td, ok := b.tenants[id]
	if !ok {
		td = &tenantData{
			iocs:         make(map[string]domain.IOC),
			enriched:     make(map[string]domain.EnrichedIOC),
			results:      make(map[string]domain.IOCResult),
			correlations: make(map[string]domain.Correlation),
		}
		b.tenants[id] = td
	}
	return td
}

func (b *Backend) observe(start time.Time, err error) {
	b.ops.Add(1)
	b.latency.Add(int64(time.Since(start)))
	if err != nil {
		b.errs.Add(1)
	}
}

func (b *Backend) StoreIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if ioc.ID == "" {
		return domain.E(domain.KindStoragePermanent, "ioc id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	td := b.tenant(tc.TenantID)
	now := time.Now().UTC()
	if prev, ok := td.iocs[ioc.ID]; ok {
		ioc.CreatedAt = prev.CreatedAt
	} else {
		ioc.CreatedAt = now
	}
	ioc.UpdatedAt = now
	td.iocs[ioc.ID] = ioc
	return nil
}

func (b *Backend) GetIOC(ctx context.Context, tc domain.TenantContext, id string) (ioc domain.IOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return domain.IOC{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	td, ok := b.tenants[tc.TenantID]
	if ok {
		if ioc, ok = td.iocs[id]; ok {
			return ioc, nil
		}
	}
	return domain.IOC{}, domain.E(domain.KindNotFound, "ioc %s not found", id)
}

func (b *Backend) UpdateIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	td, ok := b.tenants[tc.TenantID]
	if !ok {
		return domain.E(domain.KindNotFound, "ioc %s not found", ioc.ID)
	}
	prev, ok := td.iocs[ioc.ID]
	if !ok {
		return domain.E(domain.KindNotFound, "ioc %s not found", ioc.ID)
	}
	ioc.CreatedAt = prev.CreatedAt
	ioc.UpdatedAt = time.Now().UTC()
	td.iocs[ioc.ID] = ioc
	return nil
}

func (b *Backend) DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	td, ok := b.tenants[tc.TenantID]
	if !ok {
		return nil
	}
	delete(td.iocs, id)
	delete(td.enriched, id)
	delete(td.results, id)
	for cid, corr := range td.correlations {
		if corr.References(id) {
			delete(td.correlations, cid)
		}
	}
	return nil
}

func (b *Backend) SearchIOCs(ctx context.Context, tc domain.TenantContext, criteria ports.SearchCriteria, offset, limit int) (page ports.Page[domain.IOC], err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return page, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matched []domain.IOC
	if td, ok := b.tenants[tc.TenantID]; ok {
		for _, ioc := range td.iocs {
			if ports.MatchesCriteria(ioc, criteria) {
				matched = append(matched, ioc)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	return ports.NewPage(matched, offset, limit), nil
}

func (b *Backend) BulkStoreIOCs(ctx context.Context, tc domain.TenantContext, iocs []domain.IOC) (ports.BulkResult, error) {
	res := ports.BulkResult{TotalRequested: len(iocs)}
	for _, ioc := range iocs {
		if err := b.StoreIOC(ctx, tc, ioc); err != nil {
			res.Fail(ioc.ID, err)
			continue
		}
		res.Successful++
	}
	return res, nil
}

func (b *Backend) StoreEnriched(ctx context.Context, tc domain.TenantContext, e domain.EnrichedIOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenant(tc.TenantID).enriched[e.ID] = e
	return nil
}

func (b *Backend) GetEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (e domain.EnrichedIOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return e, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		if e, ok := td.enriched[iocID]; ok {
			return e, nil
		}
	}
	return e, domain.E(domain.KindNotFound, "enriched record for ioc %s not found", iocID)
}

func (b *Backend) DeleteEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		delete(td.enriched, iocID)
	}
	return nil
}

func (b *Backend) StoreResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenant(tc.TenantID).results[result.IOC.ID] = result
	return nil
}

func (b *Backend) GetResult(ctx context.Context, tc domain.TenantContext, iocID string) (result domain.IOCResult, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return result, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		if r, ok := td.results[iocID]; ok {
			return r, nil
		}
	}
	return result, domain.E(domain.KindNotFound, "result for ioc %s not found", iocID)
}

func (b *Backend) DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		delete(td.results, iocID)
	}
	return nil
}

func (b *Backend) StoreCorrelation(ctx context.Context, tc domain.TenantContext, corr domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenant(tc.TenantID).correlations[corr.ID] = corr
	return nil
}

func (b *Backend) GetCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (out []domain.Correlation, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		for _, corr := range td.correlations {
			if corr.References(iocID) {
				out = append(out, corr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) DeleteCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if td, ok := b.tenants[tc.TenantID]; ok {
		for cid, corr := range td.correlations {
			if corr.References(iocID) {
				delete(td.correlations, cid)
			}
		}
	}
	return nil
}

// StoreResultAtomic persists the result and its correlations under one
// lock acquisition, so a concurrent reader sees either all or none.
func (b *Backend) StoreResultAtomic(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	td := b.tenant(tc.TenantID)
	td.results[result.IOC.ID] = result
	for _, corr := range correlations {
		td.correlations[corr.ID] = corr
	}
	return nil
}

func (b *Backend) Capabilities() ports.Capabilities {
	return ports.Capabilities{
		MultiTenancy:   true,
		FullTextSearch: true,
		Transactions:   true,
		BulkOperations: true,
		MaxBatchSize:   1000,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) error { return nil }

func (b *Backend) Metrics(ctx context.Context) (ports.StorageMetrics, error) {
	b.mu.RLock()
	var count int64
	for _, td := range b.tenants {
		count += int64(len(td.iocs))
	}
	b.mu.RUnlock()
	m := ports.StorageMetrics{
		Operations: b.ops.Load(),
		Errors:     b.errs.Load(),
		IOCs:       count,
	}
	if m.Operations > 0 {
		m.AvgLatency = time.Duration(b.latency.Load() / m.Operations)
	}
	return m, nil
}

func (b *Backend) Close() error { return nil }
