// Package document implements the storage backend as a document store
// on embedded SQLite. Records are JSON envelopes; a few columns are
// extracted for filtering so searches avoid decoding every row.
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/metrics"
)

type Backend struct {
	db *sql.DB

	ops     atomic.Int64
	errs    atomic.Int64
	latency atomic.Int64
}

var _ ports.TransactionalBackend = (*Backend)(nil)

// envelope is the stored document shape shared by all record kinds.
type envelope struct {
	TenantID  string          `json:"tenant_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Version   int             `json:"version"`
	Payload   json.RawMessage `json:"payload"`
}

const schema = `
CREATE TABLE IF NOT EXISTS ioc_docs (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL,
	severity   TEXT NOT NULL,
	source     TEXT NOT NULL,
	observed   INTEGER NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	doc        TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
CREATE INDEX IF NOT EXISTS ioc_docs_observed ON ioc_docs (tenant_id, observed DESC);

CREATE TABLE IF NOT EXISTS enriched_docs (
	tenant_id TEXT NOT NULL,
	ioc_id    TEXT NOT NULL,
	doc       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ioc_id)
);

CREATE TABLE IF NOT EXISTS result_docs (
	tenant_id TEXT NOT NULL,
	ioc_id    TEXT NOT NULL,
	doc       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, ioc_id)
);

CREATE TABLE IF NOT EXISTS correlation_docs (
	tenant_id TEXT NOT NULL,
	id        TEXT NOT NULL,
	strength  REAL NOT NULL,
	ioc_ids   TEXT NOT NULL,
	doc       TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
`

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindStoragePermanent, "open document store")
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.WrapErr(err, domain.KindStoragePermanent, "ensure schema")
	}
	return &Backend{db: db}, nil
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapErr(err, domain.KindNotFound, "%s", op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.WrapErr(err, domain.KindStorageTransient, "%s", op)
	}
	// Lock contention is the only transient failure mode of an
	// embedded database.
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		return domain.WrapErr(err, domain.KindStorageTransient, "%s", op)
	}
	return domain.WrapErr(err, domain.KindStoragePermanent, "%s", op)
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

func wrapDoc(tc domain.TenantContext, createdAt, updatedAt time.Time, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", domain.WrapErr(err, domain.KindStoragePermanent, "encode document")
	}
	doc, err := json.Marshal(envelope{
		TenantID:  tc.TenantID,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Version:   1,
		Payload:   raw,
	})
	if err != nil {
		return "", domain.WrapErr(err, domain.KindStoragePermanent, "encode envelope")
	}
	return string(doc), nil
}

func unwrapDoc(doc string, out any) error {
	var env envelope
	if err := json.Unmarshal([]byte(doc), &env); err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "decode envelope")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return domain.WrapErr(err, domain.KindStoragePermanent, "decode document")
	}
	return nil
}

// tagsColumn stores tags as a comma-bounded string so LIKE can test
// membership without a join table.
func tagsColumn(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func (b *Backend) StoreIOC(ctx context.Context, tc domain.TenantContext, ioc domain.IOC) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := now
	var prevDoc string
	row := b.db.QueryRowContext(ctx,
		`SELECT doc FROM ioc_docs WHERE tenant_id = ? AND id = ?`, tc.TenantID, ioc.ID)
	if scanErr := row.Scan(&prevDoc); scanErr == nil {
		var env envelope
		if json.Unmarshal([]byte(prevDoc), &env) == nil && !env.CreatedAt.IsZero() {
			createdAt = env.CreatedAt
		}
	}
	ioc.CreatedAt = createdAt
	ioc.UpdatedAt = now
	doc, err := wrapDoc(tc, createdAt, now, ioc)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO ioc_docs (tenant_id, id, type, value, confidence, severity, source, observed, tags, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			type = excluded.type, value = excluded.value, confidence = excluded.confidence,
			severity = excluded.severity, source = excluded.source, observed = excluded.observed,
			tags = excluded.tags, doc = excluded.doc`,
		tc.TenantID, ioc.ID, ioc.Type, ioc.Value, ioc.Confidence, ioc.Severity,
		ioc.Source, ioc.Timestamp.UnixNano(), tagsColumn(ioc.Tags), doc)
	if err != nil {
		return classify(err, "store ioc")
	}
	return nil
}

func (b *Backend) GetIOC(ctx context.Context, tc domain.TenantContext, id string) (ioc domain.IOC, err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return ioc, err
	}
	var doc string
	err = b.db.QueryRowContext(ctx,
		`SELECT doc FROM ioc_docs WHERE tenant_id = ? AND id = ?`, tc.TenantID, id).Scan(&doc)
	if err != nil {
		return domain.IOC{}, classify(err, fmt.Sprintf("get ioc %s", id))
	}
	if err = unwrapDoc(doc, &ioc); err != nil {
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
	var prevDoc string
	err = b.db.QueryRowContext(ctx,
		`SELECT doc FROM ioc_docs WHERE tenant_id = ? AND id = ?`, tc.TenantID, ioc.ID).Scan(&prevDoc)
	if err != nil {
		return classify(err, fmt.Sprintf("update ioc %s", ioc.ID))
	}
	var env envelope
	if json.Unmarshal([]byte(prevDoc), &env) == nil && !env.CreatedAt.IsZero() {
		ioc.CreatedAt = env.CreatedAt
	}
	now := time.Now().UTC()
	ioc.UpdatedAt = now
	doc, err := wrapDoc(tc, ioc.CreatedAt, now, ioc)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		UPDATE ioc_docs SET type = ?, value = ?, confidence = ?, severity = ?, source = ?,
			observed = ?, tags = ?, doc = ?
		WHERE tenant_id = ? AND id = ?`,
		ioc.Type, ioc.Value, ioc.Confidence, ioc.Severity, ioc.Source,
		ioc.Timestamp.UnixNano(), tagsColumn(ioc.Tags), doc, tc.TenantID, ioc.ID)
	if err != nil {
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
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin delete")
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx, `DELETE FROM ioc_docs WHERE tenant_id = ? AND id = ?`, tc.TenantID, id); err != nil {
		return classify(err, "delete ioc")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM enriched_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, id); err != nil {
		return classify(err, "delete enriched")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM result_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, id); err != nil {
		return classify(err, "delete result")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM correlation_docs WHERE tenant_id = ? AND ioc_ids LIKE ?`, tc.TenantID, "%,"+id+",%"); err != nil {
		return classify(err, "cascade correlations")
	}
	if err = tx.Commit(); err != nil {
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

	where := []string{"tenant_id = ?"}
	args := []any{tc.TenantID}
	if len(criteria.Types) > 0 {
		marks := strings.Repeat("?,", len(criteria.Types))
		where = append(where, "type IN ("+marks[:len(marks)-1]+")")
		for _, t := range criteria.Types {
			args = append(args, string(t))
		}
	}
	for _, tag := range criteria.Tags {
		where = append(where, "tags LIKE ?")
		args = append(args, "%,"+tag+",%")
	}
	if len(criteria.Sources) > 0 {
		marks := strings.Repeat("?,", len(criteria.Sources))
		where = append(where, "source IN ("+marks[:len(marks)-1]+")")
		for _, s := range criteria.Sources {
			args = append(args, s)
		}
	}
	if criteria.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, criteria.MinConfidence)
	}
	if criteria.MinSeverity != "" {
		var sevs []string
		for _, s := range []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical} {
			if s.Rank() >= criteria.MinSeverity.Rank() {
				sevs = append(sevs, string(s))
			}
		}
		marks := strings.Repeat("?,", len(sevs))
		where = append(where, "severity IN ("+marks[:len(marks)-1]+")")
		for _, s := range sevs {
			args = append(args, s)
		}
	}
	if criteria.ValueContains != "" {
		where = append(where, "value LIKE ?")
		args = append(args, "%"+criteria.ValueContains+"%")
	}
	if !criteria.Since.IsZero() {
		where = append(where, "observed >= ?")
		args = append(args, criteria.Since.UnixNano())
	}
	if !criteria.Until.IsZero() {
		where = append(where, "observed <= ?")
		args = append(args, criteria.Until.UnixNano())
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err = b.db.QueryRowContext(ctx, `SELECT count(*) FROM ioc_docs WHERE `+cond, args...).Scan(&total); err != nil {
		return page, classify(err, "count iocs")
	}

	args = append(args, limit, offset)
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc FROM ioc_docs WHERE `+cond+` ORDER BY observed DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return page, classify(err, "search iocs")
	}
	defer rows.Close()

	page = ports.Page[domain.IOC]{Total: total, Offset: offset, Limit: limit}
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return page, classify(err, "scan ioc")
		}
		var ioc domain.IOC
		if err = unwrapDoc(doc, &ioc); err != nil {
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
	now := time.Now().UTC()
	doc, err := wrapDoc(tc, now, now, e)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO enriched_docs (tenant_id, ioc_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET doc = excluded.doc`,
		tc.TenantID, e.ID, doc)
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
	var doc string
	err = b.db.QueryRowContext(ctx,
		`SELECT doc FROM enriched_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, iocID).Scan(&doc)
	if err != nil {
		return e, classify(err, fmt.Sprintf("get enriched %s", iocID))
	}
	err = unwrapDoc(doc, &e)
	return e, err
}

func (b *Backend) DeleteEnriched(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if _, err = b.db.ExecContext(ctx, `DELETE FROM enriched_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, iocID); err != nil {
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
	now := time.Now().UTC()
	doc, err := wrapDoc(tc, now, now, result)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO result_docs (tenant_id, ioc_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET doc = excluded.doc`,
		tc.TenantID, result.IOC.ID, doc)
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
	var doc string
	err = b.db.QueryRowContext(ctx,
		`SELECT doc FROM result_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, iocID).Scan(&doc)
	if err != nil {
		return result, classify(err, fmt.Sprintf("get result %s", iocID))
	}
	err = unwrapDoc(doc, &result)
	return result, err
}

func (b *Backend) DeleteResult(ctx context.Context, tc domain.TenantContext, iocID string) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	if _, err = b.db.ExecContext(ctx, `DELETE FROM result_docs WHERE tenant_id = ? AND ioc_id = ?`, tc.TenantID, iocID); err != nil {
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
	if _, err = b.db.ExecContext(ctx, `DELETE FROM correlation_docs WHERE tenant_id = ? AND ioc_ids LIKE ?`, tc.TenantID, "%,"+iocID+",%"); err != nil {
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
	return b.storeCorrelationExec(ctx, b.db.ExecContext, tc, corr)
}

type execFn func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (b *Backend) storeCorrelationExec(ctx context.Context, exec execFn, tc domain.TenantContext, corr domain.Correlation) error {
	now := time.Now().UTC()
	doc, err := wrapDoc(tc, now, now, corr)
	if err != nil {
		return err
	}
	_, err = exec(ctx, `
		INSERT INTO correlation_docs (tenant_id, id, strength, ioc_ids, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET strength = excluded.strength, ioc_ids = excluded.ioc_ids, doc = excluded.doc`,
		tc.TenantID, corr.ID, corr.Strength, tagsColumn(corr.IOCs), doc)
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
	rows, err := b.db.QueryContext(ctx, `
		SELECT doc FROM correlation_docs
		WHERE tenant_id = ? AND ioc_ids LIKE ?
		ORDER BY strength DESC, id ASC`,
		tc.TenantID, "%,"+iocID+",%")
	if err != nil {
		return nil, classify(err, "get correlations")
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return nil, classify(err, "scan correlation")
		}
		var corr domain.Correlation
		if err = unwrapDoc(doc, &corr); err != nil {
			return nil, err
		}
		out = append(out, corr)
	}
	if err = rows.Err(); err != nil {
		return nil, classify(err, "iterate correlations")
	}
	return out, nil
}

func (b *Backend) StoreResultAtomic(ctx context.Context, tc domain.TenantContext, result domain.IOCResult, correlations []domain.Correlation) (err error) {
	start := time.Now()
	defer func() { b.observe(start, err) }()
	if err = tc.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	doc, err := wrapDoc(tc, now, now, result)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin result tx")
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO result_docs (tenant_id, ioc_id, doc) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, ioc_id) DO UPDATE SET doc = excluded.doc`,
		tc.TenantID, result.IOC.ID, doc)
	if err != nil {
		return classify(err, "store result")
	}
	for _, corr := range correlations {
		if err = b.storeCorrelationExec(ctx, tx.ExecContext, tc, corr); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
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
		MaxBatchSize:   200,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
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
	if err := b.db.QueryRowContext(ctx, `SELECT count(*) FROM ioc_docs`).Scan(&count); err != nil {
		return m, classify(err, "count iocs")
	}
	m.IOCs = count
	return m, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
