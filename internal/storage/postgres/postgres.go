// Package postgres implements the storage backend on PostgreSQL. Every
// table carries a tenant_id column and every statement filters on it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

type Backend struct {
	db *pgxpool.Pool

	ops     atomic.Int64
	errs    atomic.Int64
	latency atomic.Int64
}

var _ ports.TransactionalBackend = (*Backend)(nil)

func New(db *pgxpool.Pool) *Backend {
	return &Backend{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS iocs (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	severity   TEXT NOT NULL,
	source     TEXT NOT NULL,
	observed   TIMESTAMPTZ NOT NULL,
	tags       TEXT[] NOT NULL DEFAULT '{}',
	context    JSONB,
	raw_data   JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS iocs_tenant_observed ON iocs (tenant_id, observed DESC);
CREATE INDEX IF NOT EXISTS iocs_tenant_value ON iocs (tenant_id, value);

CREATE TABLE IF NOT EXISTS enriched_iocs (
	tenant_id  TEXT NOT NULL,
	ioc_id     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, ioc_id)
);

CREATE TABLE IF NOT EXISTS ioc_results (
	tenant_id  TEXT NOT NULL,
	ioc_id     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, ioc_id)
);

CREATE TABLE IF NOT EXISTS correlations (
	tenant_id TEXT NOT NULL,
	id        TEXT NOT NULL,
	type      TEXT NOT NULL,
	strength  DOUBLE PRECISION NOT NULL,
	ioc_ids   TEXT[] NOT NULL,
	payload   JSONB NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS correlations_tenant_iocs ON correlations USING GIN (ioc_ids);
`

// EnsureSchema creates the tables and indexes if absent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return classify(err, "ensure schema")
	}
	return nil
}

// classify maps driver errors onto storage kinds so the pipeline knows
// what to retry. Connection-class and serialization failures are
// transient; everything else is permanent.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WrapErr(err, domain.KindNotFound, "%s", op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapErr(err, domain.KindStorageTransient, "%s", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			pgErr.Code == "40001", // serialization failure
			pgErr.Code == "40P01", // deadlock detected
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return domain.WrapErr(err, domain.KindStorageTransient, "%s", op)
		}
		return domain.WrapErr(err, domain.KindStoragePermanent, "%s", op)
	}
	// Pool-level failures (dial errors, closed pool) are retryable.
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
	ctxJSON, rawJSON, err := marshalAux(ioc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = b.db.Exec(ctx, `
		INSERT INTO iocs (tenant_id, id, type, value, confidence, severity, source, observed, tags, context, raw_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence,
			severity = EXCLUDED.severity,
			source = EXCLUDED.source,
			observed = EXCLUDED.observed,
			tags = EXCLUDED.tags,
			context = EXCLUDED.context,
			raw_data = EXCLUDED.raw_data,
			updated_at = EXCLUDED.updated_at`,
		tc.TenantID, ioc.ID, ioc.Type, ioc.Value, ioc.Confidence, ioc.Severity,
		ioc.Source, ioc.Timestamp, ioc.Tags, ctxJSON, rawJSON, now)
	if err != nil {
		return classify(err, "store ioc")
	}
	return nil
}

func marshalAux(ioc domain.IOC) ([]byte, []byte, error) {
	var ctxJSON, rawJSON []byte
	var err error
	if ioc.Context != nil {
		if ctxJSON, err = json.Marshal(ioc.Context); err != nil {
			return nil, nil, domain.WrapErr(err, domain.KindStoragePermanent, "encode context")
		}
	}
	if ioc.RawData != nil {
		if rawJSON, err = json.Marshal(ioc.RawData); err != nil {
			return nil, nil, domain.WrapErr(err, domain.KindStoragePermanent, "encode raw data")
		}
	}
	return ctxJSON, rawJSON, nil
}

const iocColumns = `id, type, value, confidence, severity, source, observed, tags, context, raw_data, created_at, updated_at`

func scanIOC(row pgx.Row) (domain.IOC, error) {
	var ioc domain.IOC
	var ctxJSON, rawJSON []byte
	err := row.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.Confidence, &ioc.Severity,
		&ioc.Source, &ioc.Timestamp, &ioc.Tags, &ctxJSON, &rawJSON, &ioc.CreatedAt, &ioc.UpdatedAt)
	if err != nil {
		return ioc, err
	}
	if len(ctxJSON) > 0 {
		ioc.Context = &domain.IOCContext{}
		if err := json.Unmarshal(ctxJSON, ioc.Context); err != nil {
			return ioc, err
		}
	}
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &ioc.RawData); err != nil {
			return ioc, err
		}
	}
	return ioc, nil
}

func (b *Backend) GetIOC(ctx context.Context, tc domain.TenantContext, id string) (ioc domain.IOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return ioc, err
	}
	row := b.db.QueryRow(ctx,
		`SELECT `+iocColumns+` FROM iocs WHERE tenant_id = $1 AND id = $2`,
		tc.TenantID, id)
	ioc, err = scanIOC(row)
	if err != nil {
		return domain.IOC{}, classify(err, fmt.Sprintf("get ioc %s", id))
	}
	return ioc, nil
}

func (b *Backend) UpdateIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	ctxJSON, rawJSON, err := marshalAux(ioc)
	if err != nil {
		return err
	}
	tag, err := b.db.Exec(ctx, `
		UPDATE iocs SET type = $3, value = $4, confidence = $5, severity = $6, source = $7,
			observed = $8, tags = $9, context = $10, raw_data = $11, updated_at = $12
		WHERE tenant_id = $1 AND id = $2`,
		tc.TenantID, ioc.ID, ioc.Type, ioc.Value, ioc.Confidence, ioc.Severity,
		ioc.Source, ioc.Timestamp, ioc.Tags, ctxJSON, rawJSON, time.Now().UTC())
	if err != nil {
		return classify(err, "update ioc")
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "ioc %s not found", ioc.ID)
	}
	return nil
}

func (b *Backend) DeleteIOC(ctx context.Context, tc domain.TenantContext, id string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return classify(err, "begin delete")
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, `DELETE FROM iocs WHERE tenant_id = $1 AND id = $2`, tc.TenantID, id); err != nil {
		return classify(err, "delete ioc")
	}
	if _, err = tx.Exec(ctx, `DELETE FROM enriched_iocs WHERE tenant_id = $1 AND ioc_id = $2`, tc.TenantID, id); err != nil {
		return classify(err, "delete enriched")
	}
	if _, err = tx.Exec(ctx, `DELETE FROM ioc_results WHERE tenant_id = $1 AND ioc_id = $2`, tc.TenantID, id); err != nil {
		return classify(err, "delete result")
	}
	if _, err = tx.Exec(ctx, `DELETE FROM correlations WHERE tenant_id = $1 AND $2 = ANY(ioc_ids)`, tc.TenantID, id); err != nil {
		return classify(err, "cascade correlations")
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err, "commit delete")
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

	where := []string{"tenant_id = $1"}
	args := []any{tc.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(criteria.Types) > 0 {
		where = append(where, "type = ANY("+arg(typeStrings(criteria.Types))+")")
	}
	if len(criteria.Tags) > 0 {
		where = append(where, "tags @> "+arg(criteria.Tags))
	}
	if len(criteria.Sources) > 0 {
		where = append(where, "source = ANY("+arg(criteria.Sources)+")")
	}
	if criteria.MinConfidence > 0 {
		where = append(where, "confidence >= "+arg(criteria.MinConfidence))
	}
	if criteria.MinSeverity != "" {
		where = append(where, "severity = ANY("+arg(severitiesAtLeast(criteria.MinSeverity))+")")
	}
	if criteria.ValueContains != "" {
		where = append(where, "value LIKE "+arg("%"+criteria.ValueContains+"%"))
	}
	if !criteria.Since.IsZero() {
		where = append(where, "observed >= "+arg(criteria.Since))
	}
	if !criteria.Until.IsZero() {
		where = append(where, "observed <= "+arg(criteria.Until))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err = b.db.QueryRow(ctx, `SELECT count(*) FROM iocs WHERE `+cond, args...).Scan(&total); err != nil {
		return page, classify(err, "count iocs")
	}

	query := `SELECT ` + iocColumns + ` FROM iocs WHERE ` + cond +
		` ORDER BY observed DESC, id ASC OFFSET ` + arg(offset) + ` LIMIT ` + arg(limit)
	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return page, classify(err, "search iocs")
	}
	defer rows.Close()

	page = ports.Page[domain.IOC]{Total: total, Offset: offset, Limit: limit}
	for rows.Next() {
		ioc, scanErr := scanIOC(rows)
		if scanErr != nil {
			err = classify(scanErr, "scan ioc")
			return page, err
		}
		page.Items = append(page.Items, ioc)
	}
	if err = rows.Err(); err != nil {
		return page, classify(err, "iterate iocs")
	}
	page.HasMore = offset+len(page.Items) < total
	return page, nil
}

func typeStrings(ts []domain.IOCType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func severitiesAtLeast(min domain.Severity) []string {
	all := []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}
	var out []string
	for _, s := range all {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

func (b *Backend) BulkStoreIOCs(ctx context.Context, tc domain.TenantContext, iocs []domain.IOC) (ports.BulkResult, error) {
	res := ports.BulkResult{TotalRequested: len(iocs)}
	if err := tc.Validate(); err != nil {
		return res, err
	}
	batch := &pgx.Batch{}
	queued := make([]string, 0, len(iocs))
	now := time.Now().UTC()
	for _, ioc := range iocs {
		ctxJSON, rawJSON, err := marshalAux(ioc)
		if err != nil {
			res.Fail(ioc.ID, err)
			continue
		}
		batch.Queue(`
			INSERT INTO iocs (tenant_id, id, type, value, confidence, severity, source, observed, tags, context, raw_data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				confidence = EXCLUDED.confidence,
				severity = EXCLUDED.severity,
				observed = EXCLUDED.observed,
				tags = EXCLUDED.tags,
				context = EXCLUDED.context,
				raw_data = EXCLUDED.raw_data,
				updated_at = EXCLUDED.updated_at`,
			tc.TenantID, ioc.ID, ioc.Type, ioc.Value, ioc.Confidence, ioc.Severity,
			ioc.Source, ioc.Timestamp, ioc.Tags, ctxJSON, rawJSON, now)
		queued = append(queued, ioc.ID)
	}
	br := b.db.SendBatch(ctx, batch)
	defer br.Close()
	for _, id := range queued {
		if _, err := br.Exec(); err != nil {
			res.Fail(id, classify(err, "bulk store ioc"))
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
	payload, err := json.Marshal(e)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode enriched")
	}
	_, err = b.db.Exec(ctx, `
		INSERT INTO enriched_iocs (tenant_id, ioc_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		tc.TenantID, e.ID, payload, time.Now().UTC())
	if err != nil {
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
	var payload []byte
	err = b.db.QueryRow(ctx,
		`SELECT payload FROM enriched_iocs WHERE tenant_id = $1 AND ioc_id = $2`,
		tc.TenantID, iocID).Scan(&payload)
	if err != nil {
		return e, classify(err, fmt.Sprintf("get enriched %s", iocID))
	}
	if err = json.Unmarshal(payload, &e); err != nil {
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
	if _, err = b.db.Exec(ctx, `DELETE FROM enriched_iocs WHERE tenant_id = $1 AND ioc_id = $2`, tc.TenantID, iocID); err != nil {
		return classify(err, "delete enriched")
	}
	return nil
}

func (b *Backend) StoreResult(ctx context.Context, tc domain.TenantContext, result domain.IOCResult) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode result")
	}
	_, err = b.db.Exec(ctx, `
		INSERT INTO ioc_results (tenant_id, ioc_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		tc.TenantID, result.IOC.ID, payload, time.Now().UTC())
	if err != nil {
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
	var payload []byte
	err = b.db.QueryRow(ctx,
		`SELECT payload FROM ioc_results WHERE tenant_id = $1 AND ioc_id = $2`,
		tc.TenantID, iocID).Scan(&payload)
	if err != nil {
		return result, classify(err, fmt.Sprintf("get result %s", iocID))
	}
	if err = json.Unmarshal(payload, &result); err != nil {
		return result, domain.WrapErr(err, domain.KindStoragePermanent, "decode result")
	}
	return result, nil
}

func (b *Backend) DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if _, err = b.db.Exec(ctx, `DELETE FROM ioc_results WHERE tenant_id = $1 AND ioc_id = $2`, tc.TenantID, iocID); err != nil {
		return classify(err, "delete result")
	}
	return nil
}

func (b *Backend) DeleteCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if _, err = b.db.Exec(ctx, `DELETE FROM correlations WHERE tenant_id = $1 AND $2 = ANY(ioc_ids)`, tc.TenantID, iocID); err != nil {
		return classify(err, "delete correlations")
	}
	return nil
}

func (b *Backend) StoreCorrelation(ctx context.Context, tc domain.TenantContext, corr domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	return b.execStoreCorrelation(ctx, b.db, tc, corr)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (b *Backend) execStoreCorrelation(ctx context.Context, db execer, tc domain.TenantContext, corr domain.Correlation) error {
	payload, err := json.Marshal(corr)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode correlation")
	}
	_, err = db.Exec(ctx, `
		INSERT INTO correlations (tenant_id, id, type, strength, ioc_ids, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET strength = EXCLUDED.strength, payload = EXCLUDED.payload`,
		tc.TenantID, corr.ID, corr.Type, corr.Strength, corr.IOCs, payload)
	if err != nil {
		return classify(err, "store correlation")
	}
	return nil
}

func (b *Backend) GetCorrelations(ctx context.Context, tc domain.TenantContext, iocID string) (out []domain.Correlation, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return nil, err
	}
	rows, err := b.db.Query(ctx, `
		SELECT payload FROM correlations
		WHERE tenant_id = $1 AND $2 = ANY(ioc_ids)
		ORDER BY strength DESC, id ASC`,
		tc.TenantID, iocID)
	if err != nil {
		return nil, classify(err, "get correlations")
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err = rows.Scan(&payload); err != nil {
			return nil, classify(err, "scan correlation")
		}
		var corr domain.Correlation
		if err = json.Unmarshal(payload, &corr); err != nil {
			return nil, domain.WrapErr(err, domain.KindStoragePermanent, "decode correlation")
		}
		out = append(out, corr)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err, "iterate correlations")
	}
	return out, nil
}

// StoreResultAtomic writes the result and its correlations in one
// transaction.
func (b *Backend) StoreResultAtomic(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "encode result")
	}
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return classify(err, "begin result tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ioc_results (tenant_id, ioc_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		tc.TenantID, result.IOC.ID, payload, time.Now().UTC())
	if err != nil {
		return classify(err, "store result")
	}
	for _, corr := range correlations {
		if err = b.execStoreCorrelation(ctx, tx, tc, corr); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err, "commit result tx")
	}
	return nil
}

func (b *Backend) Capabilities() ports.Capabilities {
	return ports.Capabilities{
		MultiTenancy:   true,
		FullTextSearch: true,
		Transactions:   true,
		BulkOperations: true,
		MaxBatchSize:   500,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.db.Ping(ctx); err != nil {
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
	if err := b.db.QueryRow(ctx, `SELECT count(*) FROM iocs`).Scan(&count); err != nil {
		return m, classify(err, "count iocs")
	}
	m.IOCs = count
	return m, nil
}

func (b *Backend) Close() error {
	b.db.Close()
	return nil
}
