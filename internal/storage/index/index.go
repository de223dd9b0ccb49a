// Package index implements the storage backend on bbolt. Each tenant
// gets its own bucket tree, and an inverted token index over type,
// source, tags and value tokens keeps filtered searches from scanning
// the whole tenant.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

var (
	bucketIOCs     = []byte("iocs")
	bucketEnriched = []byte("enriched")
	bucketResults  = []byte("results")
	bucketCorrs    = []byte("correlations")
	bucketCorrIdx  = []byte("corr_index")
	bucketTokens   = []byte("tokens")
)

type Backend struct {
	db *bolt.DB

	ops     atomic.Int64
	errs    atomic.Int64
	latency atomic.Int64
}

var _ ports.TransactionalBackend = (*Backend)(nil)

func Open(path string) (*Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindStoragePermanent, "open index store")
	}
	return &Backend{db: db}, nil
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

func tenantBucket(tx *bolt.Tx, tenant string, create bool) (*bolt.Bucket, error) {
	name := []byte("tenant:" + tenant)
	if create {
		root, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return nil, err
		}
		for _, sub := range [][]byte{bucketIOCs, bucketEnriched, bucketResults, bucketCorrs, bucketCorrIdx, bucketTokens} {
			if _, err := root.CreateBucketIfNotExists(sub); err != nil {
				return nil, err
			}
		}
		return root, nil
	}
	return tx.Bucket(name), nil
}

// tokensFor derives the index terms of an indicator. Value tokens are
// split on non-alphanumerics so "evil.example.com" indexes as "evil",
// "example" and "com".
func tokensFor(ioc domain.IOC) []string {
	tokens := []string{
		"type:" + string(ioc.Type),
		"src:" + ioc.Source,
	}
	for _, tag := range ioc.Tags {
		tokens = append(tokens, "tag:"+tag)
	}
	for _, tok := range strings.FieldsFunc(strings.ToLower(ioc.Value), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		tokens = append(tokens, "val:"+tok)
	}
	return tokens
}

// token postings are composite keys "token\x00iocID" so a cursor prefix
// scan enumerates an entire posting list.
func postingKey(token, iocID string) []byte {
	return append(append([]byte(token), 0), iocID...)
}

func indexIOC(root *bolt.Bucket, ioc domain.IOC) error {
	tokens := root.Bucket(bucketTokens)
	for _, tok := range tokensFor(ioc) {
		if err := tokens.Put(postingKey(tok, ioc.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func unindexIOC(root *bolt.Bucket, ioc domain.IOC) error {
	tokens := root.Bucket(bucketTokens)
	for _, tok := range tokensFor(ioc) {
		if err := tokens.Delete(postingKey(tok, ioc.ID)); err != nil {
			return err
		}
	}
	return nil
}

func postings(root *bolt.Bucket, token string) map[string]bool {
	out := make(map[string]bool)
	c := root.Bucket(bucketTokens).Cursor()
	prefix := append([]byte(token), 0)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		out[string(k[len(prefix):])] = true
	}
	return out
}

func (b *Backend) StoreIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, err := tenantBucket(tx, tc.TenantID, true)
		if err != nil {
			return err
		}
		iocs := root.Bucket(bucketIOCs)
		now := time.Now().UTC()
		ioc.CreatedAt = now
		if prevBlob := iocs.Get([]byte(ioc.ID)); prevBlob != nil {
			var prev domain.IOC
			if json.Unmarshal(prevBlob, &prev) == nil {
				ioc.CreatedAt = prev.CreatedAt
				if err := unindexIOC(root, prev); err != nil {
					return err
				}
			}
		}
		ioc.UpdatedAt = now
		blob, err := json.Marshal(ioc)
		if err != nil {
			return err
		}
		if err := iocs.Put([]byte(ioc.ID), blob); err != nil {
			return err
		}
		return indexIOC(root, ioc)
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "store ioc")
	}
	return nil
}

func (b *Backend) GetIOC(ctx context.Context, tc domain.TenantContext, id string) (ioc domain.IOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return ioc, err
	}
	err = b.db.View(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return domain.E(domain.KindNotFound, "ioc %s not found", id)
		}
		blob := root.Bucket(bucketIOCs).Get([]byte(id))
		if blob == nil {
			return domain.E(domain.KindNotFound, "ioc %s not found", id)
		}
		return json.Unmarshal(blob, &ioc)
	})
	if err != nil {
		return domain.IOC{}, err
	}
	return ioc, nil
}

func (b *Backend) UpdateIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return domain.E(domain.KindNotFound, "ioc %s not found", ioc.ID)
		}
		iocs := root.Bucket(bucketIOCs)
		prevBlob := iocs.Get([]byte(ioc.ID))
		if prevBlob == nil {
			return domain.E(domain.KindNotFound, "ioc %s not found", ioc.ID)
		}
		var prev domain.IOC
		if err := json.Unmarshal(prevBlob, &prev); err != nil {
			return err
		}
		if err := unindexIOC(root, prev); err != nil {
			return err
		}
		ioc.CreatedAt = prev.CreatedAt
		ioc.UpdatedAt = time.Now().UTC()
		blob, err := json.Marshal(ioc)
		if err != nil {
			return err
		}
		if err := iocs.Put([]byte(ioc.ID), blob); err != nil {
			return err
		}
		return indexIOC(root, ioc)
	})
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return err
		}
		return domain.WrapErr(err, domain.KindStoragePermanent, "update ioc")
	}
	return nil
}

func (b *Backend) DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		iocs := root.Bucket(bucketIOCs)
		if blob := iocs.Get([]byte(id)); blob != nil {
			var prev domain.IOC
			if json.Unmarshal(blob, &prev) == nil {
				if err := unindexIOC(root, prev); err != nil {
					return err
				}
			}
			if err := iocs.Delete([]byte(id)); err != nil {
				return err
			}
		}
		if err := root.Bucket(bucketEnriched).Delete([]byte(id)); err != nil {
			return err
		}
		if err := root.Bucket(bucketResults).Delete([]byte(id)); err != nil {
			return err
		}
		return cascadeCorrelations(root, id)
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "delete ioc")
	}
	return nil
}

func cascadeCorrelations(root *bolt.Bucket, iocID string) error {
	corrIdx := root.Bucket(bucketCorrIdx)
	corrs := root.Bucket(bucketCorrs)
	var ids []string
	if blob := corrIdx.Get([]byte(iocID)); blob != nil {
		if err := json.Unmarshal(blob, &ids); err != nil {
			return err
		}
	}
	for _, cid := range ids {
		blob := corrs.Get([]byte(cid))
		if blob == nil {
			continue
		}
		var corr domain.Correlation
		if err := json.Unmarshal(blob, &corr); err != nil {
			return err
		}
		if err := corrs.Delete([]byte(cid)); err != nil {
			return err
		}
		// Drop this correlation from every member's posting.
		for _, member := range corr.IOCs {
			if member == iocID {
				continue
			}
			if err := removeFromCorrIndex(corrIdx, member, cid); err != nil {
				return err
			}
		}
	}
	return corrIdx.Delete([]byte(iocID))
}

func removeFromCorrIndex(corrIdx *bolt.Bucket, iocID, corrID string) error {
	var ids []string
	if blob := corrIdx.Get([]byte(iocID)); blob != nil {
		if err := json.Unmarshal(blob, &ids); err != nil {
			return err
		}
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != corrID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return corrIdx.Delete([]byte(iocID))
	}
	blob, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return corrIdx.Put([]byte(iocID), blob)
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
	err = b.db.View(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		iocs := root.Bucket(bucketIOCs)

		// Indexed terms narrow the candidate set before decoding.
		candidates := candidateSet(root, criteria)
		decode := func(blob []byte) error {
			var ioc domain.IOC
			if err := json.Unmarshal(blob, &ioc); err != nil {
				return err
			}
			if ports.MatchesCriteria(ioc, criteria) {
				matched = append(matched, ioc)
			}
			return nil
		}
		if candidates != nil {
			for id := range candidates {
				if blob := iocs.Get([]byte(id)); blob != nil {
					if err := decode(blob); err != nil {
						return err
					}
				}
			}
			return nil
		}
		return iocs.ForEach(func(_, blob []byte) error {
			return decode(blob)
		})
	})
	if err != nil {
		return page, domain.WrapErr(err, domain.KindStoragePermanent, "search iocs")
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})
	return ports.NewPage(matched, offset, limit), nil
}

// candidateSet intersects posting lists for the indexed criteria, or
// returns nil when nothing indexed applies and a scan is needed.
func candidateSet(root *bolt.Bucket, criteria ports.SearchCriteria) map[string]bool {
	var sets []map[string]bool
	if len(criteria.Types) > 0 {
		union := make(map[string]bool)
		for _, t := range criteria.Types {
			for id := range postings(root, "type:"+string(t)) {
				union[id] = true
			}
		}
		sets = append(sets, union)
	}
	for _, tag := range criteria.Tags {
		sets = append(sets, postings(root, "tag:"+tag))
	}
	if len(criteria.Sources) > 0 {
		union := make(map[string]bool)
		for _, s := range criteria.Sources {
			for id := range postings(root, "src:"+s) {
				union[id] = true
			}
		}
		sets = append(sets, union)
	}
	if len(sets) == 0 {
		return nil
	}
	out := sets[0]
	for _, s := range sets[1:] {
		for id := range out {
			if !s[id] {
				delete(out, id)
			}
		}
	}
	return out
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
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, err := tenantBucket(tx, tc.TenantID, true)
		if err != nil {
			return err
		}
		return root.Bucket(bucketEnriched).Put([]byte(e.ID), blob)
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "store enriched")
	}
	return nil
}

func (b *Backend) GetEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (e domain.EnrichedIOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return e, err
	}
	err = b.db.View(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return domain.E(domain.KindNotFound, "enriched record for ioc %s not found", iocID)
		}
		blob := root.Bucket(bucketEnriched).Get([]byte(iocID))
		if blob == nil {
			return domain.E(domain.KindNotFound, "enriched record for ioc %s not found", iocID)
		}
		return json.Unmarshal(blob, &e)
	})
	return e, err
}

func (b *Backend) DeleteEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		return root.Bucket(bucketEnriched).Delete([]byte(iocID))
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "delete enriched")
	}
	return nil
}

func (b *Backend) StoreResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult) error {
	return b.StoreResultAtomic(ctx, tc, result, nil)
}

func (b *Backend) DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		return root.Bucket(bucketResults).Delete([]byte(iocID))
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "delete result")
	}
	return nil
}

func (b *Backend) DeleteCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		return cascadeCorrelations(root, iocID)
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "delete correlations")
	}
	return nil
}

func (b *Backend) GetResult(ctx context.Context, tc domain.TenantContext, iocID string) (result domain.IOCResult, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return result, err
	}
	err = b.db.View(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return domain.E(domain.KindNotFound, "result for ioc %s not found", iocID)
		}
		blob := root.Bucket(bucketResults).Get([]byte(iocID))
		if blob == nil {
			return domain.E(domain.KindNotFound, "result for ioc %s not found", iocID)
		}
		return json.Unmarshal(blob, &result)
	})
	return result, err
}

func (b *Backend) StoreCorrelation(ctx context.Context, tc domain.TenantContext, corr domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, err := tenantBucket(tx, tc.TenantID, true)
		if err != nil {
			return err
		}
		return putCorrelation(root, corr)
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "store correlation")
	}
	return nil
}

func putCorrelation(root *bolt.Bucket, corr domain.Correlation) error {
	blob, err := json.Marshal(corr)
	if err != nil {
		return err
	}
	if err := root.Bucket(bucketCorrs).Put([]byte(corr.ID), blob); err != nil {
		return err
	}
	corrIdx := root.Bucket(bucketCorrIdx)
	for _, id := range corr.IOCs {
		var ids []string
		if prev := corrIdx.Get([]byte(id)); prev != nil {
			if err := json.Unmarshal(prev, &ids); err != nil {
				return err
			}
		}
		present := false
		for _, existing := range ids {
			if existing == corr.ID {
				present = true
				break
			}
		}
		if !present {
			ids = append(ids, corr.ID)
		}
		idxBlob, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		if err := corrIdx.Put([]byte(id), idxBlob); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) GetCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (out []domain.Correlation, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return nil, err
	}
	err = b.db.View(func(tx *bolt.Tx) error {
		root, _ := tenantBucket(tx, tc.TenantID, false)
		if root == nil {
			return nil
		}
		var ids []string
		if blob := root.Bucket(bucketCorrIdx).Get([]byte(iocID)); blob != nil {
			if err := json.Unmarshal(blob, &ids); err != nil {
				return err
			}
		}
		corrs := root.Bucket(bucketCorrs)
		for _, cid := range ids {
			blob := corrs.Get([]byte(cid))
			if blob == nil {
				continue
			}
			var corr domain.Correlation
			if err := json.Unmarshal(blob, &corr); err != nil {
				return err
			}
			out = append(out, corr)
		}
		return nil
	})
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindStoragePermanent, "get correlations")
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) StoreResultAtomic(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode result")
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, err := tenantBucket(tx, tc.TenantID, true)
		if err != nil {
			return err
		}
		if err := root.Bucket(bucketResults).Put([]byte(result.IOC.ID), blob); err != nil {
			return err
		}
		for _, corr := range correlations {
			if err := putCorrelation(root, corr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "store result")
	}
	return nil
}

func (b *Backend) Capabilities() ports.Capabilities {
	return ports.Capabilities{
		MultiTenancy:   true,
		FullTextSearch: false,
		Transactions:   true,
		BulkOperations: true,
		MaxBatchSize:   500,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error { return nil })
}

func (b *Backend) Metrics(ctx context.Context) (ports.StorageMetrics, error) {
	m := ports.StorageMetrics{
		Operations: b.ops.Load(),
		Errors:     b.errs.Load(),
	}
	if m.Operations > 0 {
		m.AvgLatency = time.Duration(b.latency.Load() / m.Operations)
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, root *bolt.Bucket) error {
			if !bytes.HasPrefix(name, []byte("tenant:")) {
				return nil
			}
			if iocs := root.Bucket(bucketIOCs); iocs != nil {
				m.IOCs += int64(iocs.Stats().KeyN)
			}
			return nil
		})
	})
	if err != nil {
		return m, domain.WrapErr(err, domain.KindStoragePermanent, "collect metrics")
	}
	return m, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
