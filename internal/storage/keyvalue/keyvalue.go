// Package keyvalue implements the storage backend on Redis. Records are
// JSON blobs under tenant-prefixed keys; correlation membership is kept
// in per-indicator sets so lookups avoid scanning.
package keyvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

type Backend struct {
	rdb *redis.Client

	ops     atomic.Int64
	errs    atomic.Int64
	latency atomic.Int64
}

var _ ports.Backend = (*Backend)(nil)

func New(rdb *redis.Client) *Backend {
	return &Backend{rdb: rdb}
}

func iocKey(tenant, id string) string     { return "tc:" + tenant + ":ioc:" + id }
func enrKey(tenant, id string) string     { return "tc:" + tenant + ":enr:" + id }
func resultKey(tenant, id string) string  { return "tc:" + tenant + ":res:" + id }
func corrKey(tenant, id string) string    { return "tc:" + tenant + ":corr:" + id }
func corrIdxKey(tenant, id string) string { return "tc:" + tenant + ":corridx:" + id }

// escapeGlob neutralizes MATCH metacharacters so a scan pattern built
// from a tenant id stays scoped to exactly that tenant.
func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return domain.WrapErr(err, domain.KindNotFound, "%s", op)
	}
	// Redis failures are connectivity or timeout shaped; both retry.
	return domain.WrapErr(err, domain.KindStorageTransient, "%s", op)
}

func (b *Backend) observe(start time.Time, err error) {
	b.ops.Add(1)
	b.latency.Add(int64(time.Since(start)))
	if err == nil {
		return
	}
	b.errs.Add(1)
	switch {
	case domain.IsKind(err, domain.KindStorageTransient):
		metrics.RecordStorageError("transient")
	case domain.IsKind(err, domain.KindStoragePermanent):
		metrics.RecordStorageError("permanent")
	}
}

func (b *Backend) StoreIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	ioc.CreatedAt = now
	if prev, getErr := b.getIOC(ctx, tc, ioc.ID); getErr == nil {
		ioc.CreatedAt = prev.CreatedAt
	}
	ioc.UpdatedAt = now
	blob, err := json.Marshal(ioc)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode ioc")
	}
	if err = b.rdb.Set(ctx, iocKey(tc.TenantID, ioc.ID), blob, 0).Err(); err != nil {
		return classify(err, "store ioc")
	}
	return nil
}

func (b *Backend) getIOC(ctx context.Context, tc domain.TenantContext, id string) (domain.IOC, error) {
	blob, err := b.rdb.Get(ctx, iocKey(tc.TenantID, id)).Bytes()
	if err != nil {
		return domain.IOC{}, classify(err, fmt.Sprintf("get ioc %s", id))
	}
	var ioc domain.IOC
	if err := json.Unmarshal(blob, &ioc); err != nil {
		return domain.IOC{}, domain.WrapErr(err, domain.KindStoragePermanent, "decode ioc")
	}
	return ioc, nil
}

func (b *Backend) GetIOC(ctx context.Context, tc domain.TenantContext, id string) (ioc domain.IOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return ioc, err
	}
	return b.getIOC(ctx, tc, id)
}

func (b *Backend) UpdateIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	prev, err := b.getIOC(ctx, tc, ioc.ID)
	if err != nil {
		return err
	}
	ioc.CreatedAt = prev.CreatedAt
	ioc.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(ioc)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode ioc")
	}
	if err = b.rdb.Set(ctx, iocKey(tc.TenantID, ioc.ID), blob, 0).Err(); err != nil {
		return classify(err, "update ioc")
	}
	return nil
}

func (b *Backend) DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if err = b.rdb.Del(ctx, iocKey(tc.TenantID, id), enrKey(tc.TenantID, id), resultKey(tc.TenantID, id)).Err(); err != nil {
		return classify(err, "delete ioc")
	}
	return b.cascadeCorrelations(ctx, tc, id)
}

func (b *Backend) cascadeCorrelations(ctx context.Context, tc domain.TenantContext, id string) error {
	corrIDs, err := b.rdb.SMembers(ctx, corrIdxKey(tc.TenantID, id)).Result()
	if err != nil {
		return classify(err, "load correlation index")
	}
	for _, cid := range corrIDs {
		corr, getErr := b.getCorrelation(ctx, tc, cid)
		if getErr != nil {
			if domain.IsKind(getErr, domain.KindNotFound) {
				continue
			}
			return getErr
		}
		pipe := b.rdb.TxPipeline()
		pipe.Del(ctx, corrKey(tc.TenantID, cid))
		for _, member := range corr.IOCs {
			pipe.SRem(ctx, corrIdxKey(tc.TenantID, member), cid)
		}
		if _, err = pipe.Exec(ctx); err != nil {
			return classify(err, "cascade correlation")
		}
	}
	if err = b.rdb.Del(ctx, corrIdxKey(tc.TenantID, id)).Err(); err != nil {
		return classify(err, "drop correlation index")
	}
	return nil
}

func (b *Backend) DeleteCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	return b.cascadeCorrelations(ctx, tc, iocID)
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

	var matched []domain.IOC
	iter := b.rdb.Scan(ctx, 0, iocKey(escapeGlob(tc.TenantID), "*"), 256).Iterator()
	for iter.Next(ctx) {
		blob, getErr := b.rdb.Get(ctx, iter.Val()).Bytes()
		if getErr != nil {
			if errors.Is(getErr, redis.Nil) {
				continue // deleted between scan and get
			}
			return page, classify(getErr, "load ioc")
		}
		var ioc domain.IOC
		if err = json.Unmarshal(blob, &ioc); err != nil {
			return page, domain.WrapErr(err, domain.KindStoragePermanent, "decode ioc")
		}
		if ports.MatchesCriteria(ioc, criteria) {
			matched = append(matched, ioc)
		}
	}
	if err = iter.Err(); err != nil {
		return page, classify(err, "scan iocs")
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
	blob, err := json.Marshal(e)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode enriched")
	}
	if err = b.rdb.Set(ctx, enrKey(tc.TenantID, e.ID), blob, 0).Err(); err != nil {
		return classify(err, "store enriched")
	}
	return nil
}

func (b *Backend) GetEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (e domain.EnrichedIOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return e, err
	}
	blob, err := b.rdb.Get(ctx, enrKey(tc.TenantID, iocID)).Bytes()
	if err != nil {
		return e, classify(err, fmt.Sprintf("get enriched %s", iocID))
	}
	if err = json.Unmarshal(blob, &e); err != nil {
		return e, domain.WrapErr(err, domain.KindStoragePermanent, "decode enriched")
	}
	return e, nil
}

func (b *Backend) DeleteEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if err = b.rdb.Del(ctx, enrKey(tc.TenantID, iocID)).Err(); err != nil {
		return classify(err, "delete enriched")
	}
	return nil
}

func (b *Backend) DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if err = b.rdb.Del(ctx, resultKey(tc.TenantID, iocID)).Err(); err != nil {
		return classify(err, "delete result")
	}
	return nil
}

func (b *Backend) StoreResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode result")
	}
	if err = b.rdb.Set(ctx, resultKey(tc.TenantID, result.IOC.ID), blob, 0).Err(); err != nil {
		return classify(err, "store result")
	}
	return nil
}

func (b *Backend) GetResult(ctx context.Context, tc domain.TenantContext, iocID string) (result domain.IOCResult, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return result, err
	}
	blob, err := b.rdb.Get(ctx, resultKey(tc.TenantID, iocID)).Bytes()
	if err != nil {
		return result, classify(err, fmt.Sprintf("get result %s", iocID))
	}
	if err = json.Unmarshal(blob, &result); err != nil {
		return result, domain.WrapErr(err, domain.KindStoragePermanent, "decode result")
	}
	return result, nil
}

func (b *Backend) StoreCorrelation(ctx context.Context, tc domain.TenantContext, corr domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(corr)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode correlation")
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, corrKey(tc.TenantID, corr.ID), blob, 0)
	for _, id := range corr.IOCs {
		pipe.SAdd(ctx, corrIdxKey(tc.TenantID, id), corr.ID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return classify(err, "store correlation")
	}
	return nil
}

func (b *Backend) getCorrelation(ctx context.Context, tc domain.TenantContext, id string) (domain.Correlation, error) {
	blob, err := b.rdb.Get(ctx, corrKey(tc.TenantID, id)).Bytes()
	if err != nil {
		return domain.Correlation{}, classify(err, fmt.Sprintf("get correlation %s", id))
	}
	var corr domain.Correlation
	if err := json.Unmarshal(blob, &corr); err != nil {
		return domain.Correlation{}, domain.WrapErr(err, domain.KindStoragePermanent, "decode correlation")
	}
	return corr, nil
}

func (b *Backend) GetCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (out []domain.Correlation, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return nil, err
	}
	ids, err := b.rdb.SMembers(ctx, corrIdxKey(tc.TenantID, iocID)).Result()
	if err != nil {
		return nil, classify(err, "load correlation index")
	}
	for _, id := range ids {
		corr, getErr := b.getCorrelation(ctx, tc, id)
		if getErr != nil {
			if domain.IsKind(getErr, domain.KindNotFound) {
				continue
			}
			return nil, getErr
		}
		out = append(out, corr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) Capabilities() ports.Capabilities {
	return ports.Capabilities{
		MultiTenancy:   true,
		FullTextSearch: false,
		Transactions:   false,
		BulkOperations: true,
		MaxBatchSize:   500,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return classify(err, "ping")
	}
	return nil
}

func (b *Backend) Metrics(ctx context.Context) (ports.StorageMetrics, error) {
	m := ports.StorageMetrics{
		Operations: b.ops.Load(),
		Errors:     b.errs.Load(),
	}
	if m.Operations > 0 {
		m.AvgLatency = time.Duration(b.latency.Load() / m.Operations)
	}
	var count int64
	iter := b.rdb.Scan(ctx, 0, "tc:*:ioc:*", 1024).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return m, classify(err, "count iocs")
	}
	m.IOCs = count
	return m, nil
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}
