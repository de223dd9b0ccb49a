package ports

import (
	"context"
	"strings"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// SearchCriteria narrows an indicator listing. Zero-value fields are
// ignored; set fields combine with AND.
type SearchCriteria struct {
	Types         []domain.IOCType `json:"types,omitempty"`
	Tags          []string         `json:"tags,omitempty"` // all must be present
	Sources       []string         `json:"sources,omitempty"`
	MinConfidence float64          `json:"min_confidence,omitempty"`
	MinSeverity   domain.Severity  `json:"min_severity,omitempty"`
	ValueContains string           `json:"value_contains,omitempty"`
	Since         time.Time        `json:"since,omitempty"`
	Until         time.Time        `json:"until,omitempty"`
}

// Page is one window of a listing, ordered by (timestamp desc, id).
type Page[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total_count"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewPage slices the matched set into one window.
func NewPage[T any](matched []T, offset, limit int) Page[T] {
	p := Page[T]{Total: len(matched), Offset: offset, Limit: limit}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		p.Items = matched[offset:end]
	}
	p.HasMore = offset+len(p.Items) < p.Total
	return p
}

// BulkResult reports per-item outcomes of a batch store. Successful
// items are not rolled back when siblings fail.
type BulkResult struct {
	TotalRequested int              `json:"total_requested"`
	Successful     int              `json:"successful"`
	Failed         int              `json:"failed"`
	FailedIDs      []string         `json:"failed_ids,omitempty"`
	Errors         map[string]error `json:"-"`
}

// Fail records one failed item.
func (r *BulkResult) Fail(id string, err error) {
	r.Failed++
	r.FailedIDs = append(r.FailedIDs, id)
	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}
	r.Errors[id] = err
}

// Capabilities advertises backend features so callers can degrade
// instead of guessing.
type Capabilities struct {
	MultiTenancy   bool `json:"supports_multi_tenancy"`
	FullTextSearch bool `json:"supports_full_text_search"`
	Transactions   bool `json:"supports_transactions"`
	BulkOperations bool `json:"supports_bulk_operations"`
	MaxBatchSize   int  `json:"max_batch_size"`
}

// StorageMetrics is a point-in-time operational snapshot of a backend.
type StorageMetrics struct {
	Operations int64         `json:"operations"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency"`
	IOCs       int64         `json:"iocs"`
}

// Backend is the tenant-scoped storage contract. Every operation takes
// the tenant explicitly; no call may read or write another tenant's
// records. Implementations classify failures as storage_transient
// (retryable) or storage_permanent.
type Backend interface {
	// StoreIOC upserts. An existing record keeps its created_at.
	StoreIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) error
	GetIOC(ctx context.Context, tc domain.TenantContext, id string) (domain.IOC, error)
	// UpdateIOC rewrites an existing record and fails with not_found
	// when the id is absent.
	UpdateIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) error
	// DeleteIOC removes the indicator and cascades to its enriched
	// record, result and every correlation that references it.
	// Deleting an absent id is not an error.
	DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) error
	SearchIOCs(ctx context.Context, tc domain.TenantContext, criteria SearchCriteria, offset, limit int) (Page[domain.IOC], error)
	BulkStoreIOCs(ctx context.Context, tc domain.TenantContext, iocs []domain.IOC) (BulkResult, error)

	StoreEnriched(ctx context.Context, tc domain.TenantContext, e domain.EnrichedIOC) error
	GetEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (domain.EnrichedIOC, error)
	DeleteEnriched(ctx context.Context, tc domain.TenantContext, iocID string) error

	StoreResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult) error
	GetResult(ctx context.Context, tc domain.TenantContext, iocID string) (domain.IOCResult, error)
	DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) error

	StoreCorrelation(ctx context.Context, tc domain.TenantContext, corr domain.Correlation) error
	GetCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) ([]domain.Correlation, error)
	// DeleteCorrelations removes every correlation referencing iocID.
	DeleteCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) error

	Capabilities() Capabilities
	HealthCheck(ctx context.Context) error
	Metrics(ctx context.Context) (StorageMetrics, error)
	Close() error
}

// TransactionalBackend is implemented by backends whose Capabilities
// report Transactions. StoreResultAtomic persists a result and its
// correlations in one unit; on failure nothing is visible.
type TransactionalBackend interface {
	Backend
	StoreResultAtomic(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) error
}

// SearchResults lists processed results whose indicators match the
// criteria. Derived records have no index of their own; the search
// rides on the indicator index.
func SearchResults(ctx context.Context, b Backend, tc domain.TenantContext, criteria SearchCriteria, offset, limit int) (Page[domain.IOCResult], error) {
	iocs, err := b.SearchIOCs(ctx, tc, criteria, offset, limit)
	if err != nil {
		return Page[domain.IOCResult]{}, err
	}
	page := Page[domain.IOCResult]{Total: iocs.Total, Offset: iocs.Offset, Limit: iocs.Limit, HasMore: iocs.HasMore}
	for _, ioc := range iocs.Items {
		result, err := b.GetResult(ctx, tc, ioc.ID)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				continue // submitted but not yet processed
			}
			return page, err
		}
		page.Items = append(page.Items, result)
	}
	return page, nil
}

// SearchEnriched is the enriched-record counterpart of SearchResults.
func SearchEnriched(ctx context.Context, b Backend, tc domain.TenantContext, criteria SearchCriteria, offset, limit int) (Page[domain.EnrichedIOC], error) {
	iocs, err := b.SearchIOCs(ctx, tc, criteria, offset, limit)
	if err != nil {
		return Page[domain.EnrichedIOC]{}, err
	}
	page := Page[domain.EnrichedIOC]{Total: iocs.Total, Offset: iocs.Offset, Limit: iocs.Limit, HasMore: iocs.HasMore}
	for _, ioc := range iocs.Items {
		e, err := b.GetEnriched(ctx, tc, ioc.ID)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				continue
			}
			return page, err
		}
		page.Items = append(page.Items, e)
	}
	return page, nil
}

// MatchesCriteria implements the filter semantics shared by backends
// that scan rather than index.
func MatchesCriteria(ioc domain.IOC, c SearchCriteria) bool {
	if len(c.Types) > 0 && !containsType(c.Types, ioc.Type) {
		return false
	}
	for _, tag := range c.Tags {
		if !ioc.HasTag(tag) {
			return false
		}
	}
	if len(c.Sources) > 0 && !containsString(c.Sources, ioc.Source) {
		return false
	}
	if ioc.Confidence < c.MinConfidence {
		return false
	}
	if c.MinSeverity != "" && ioc.Severity.Rank() < c.MinSeverity.Rank() {
		return false
	}
	if c.ValueContains != "" && !strings.Contains(ioc.Value, c.ValueContains) {
		return false
	}
	if !c.Since.IsZero() && ioc.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && ioc.Timestamp.After(c.Until) {
		return false
	}
	return true
}

func containsType(ts []domain.IOCType, t domain.IOCType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
