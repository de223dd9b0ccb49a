// Package handler exposes the processing pipeline over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hive-corporation/threatcore/internal/adapter/exporter"
	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
	"github.com/hive-corporation/threatcore/internal/pipeline"
)

const tenantHeader = "X-Tenant-ID"

type REST struct {
	orch   *pipeline.Orchestrator
	cef    *exporter.CEF
	stix   *exporter.STIX
	logger *slog.Logger
}

func NewREST(orch *pipeline.Orchestrator, logger *slog.Logger) *REST {
	return &REST{
		orch:   orch,
		cef:    exporter.NewCEF(),
		stix:   exporter.NewSTIX(),
		logger: logger.With("component", "rest"),
	}
}

// Register mounts the API routes.
func (h *REST) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/iocs", h.Submit).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/iocs/batch", h.SubmitBatch).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/iocs/search", h.Search).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/iocs/feed", h.Feed).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/iocs/{id}", h.Delete).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/iocs/{id}/result", h.Result).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/iocs/{id}/correlations", h.Correlations).Methods(http.MethodGet)
}

func (h *REST) Health(w http.ResponseWriter, r *http.Request) {
	health := h.orch.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Stats())
}

func (h *REST) Submit(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	var ioc domain.IOC
	if err := json.NewDecoder(r.Body).Decode(&ioc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	result, err := h.orch.ProcessIOC(r.Context(), tc, ioc)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *REST) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	var iocs []domain.IOC
	if err := json.NewDecoder(r.Body).Decode(&iocs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	report, err := h.orch.ProcessBatch(r.Context(), tc, iocs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *REST) Search(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	criteria, offset, limit, err := parseSearch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.orch.SearchIOCs(r.Context(), tc, criteria, offset, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *REST) Result(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	result, err := h.orch.GetResult(r.Context(), tc, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *REST) Correlations(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	correlations, err := h.orch.GetCorrelations(r.Context(), tc, mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"correlations": correlations,
		"count":        len(correlations),
	})
}

func (h *REST) Delete(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	if err := h.orch.DeleteIOC(r.Context(), tc, mux.Vars(r)["id"]); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Feed exports recent indicators for SIEM ingestion.
func (h *REST) Feed(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant(w, r)
	if !ok {
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'since' parameter (use a duration like '24h')")
			return
		}
		since = time.Now().Add(-d)
	}

	page, err := h.orch.SearchIOCs(r.Context(), tc, ports.SearchCriteria{Since: since}, 0, 10_000)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	var exp ports.Exporter
	switch format := r.URL.Query().Get("format"); format {
	case "cef":
		exp = h.cef
	case "stix", "":
		exp = h.stix
	default:
		writeError(w, http.StatusBadRequest, "unsupported format (use 'cef' or 'stix')")
		return
	}
	data, err := exp.Export(page.Items)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", exp.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("writing feed response", "error", err)
	}
}

func tenant(w http.ResponseWriter, r *http.Request) (domain.TenantContext, bool) {
	tc := domain.TenantContext{
		TenantID: r.Header.Get(tenantHeader),
		UserID:   r.Header.Get("X-User-ID"),
	}
	if err := tc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return domain.TenantContext{}, false
	}
	return tc, true
}

func parseSearch(r *http.Request) (ports.SearchCriteria, int, int, error) {
	q := r.URL.Query()
	var criteria ports.SearchCriteria
	for _, t := range splitParam(q.Get("types")) {
		typ := domain.IOCType(t)
		if !typ.Valid() {
			return criteria, 0, 0, errors.New("unknown type " + t)
		}
		criteria.Types = append(criteria.Types, typ)
	}
	criteria.Tags = splitParam(q.Get("tags"))
	criteria.Sources = splitParam(q.Get("sources"))
	criteria.ValueContains = q.Get("value_contains")
	if raw := q.Get("min_confidence"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return criteria, 0, 0, errors.New("invalid min_confidence")
		}
		criteria.MinConfidence = f
	}
	if raw := q.Get("min_severity"); raw != "" {
		criteria.MinSeverity = domain.Severity(raw)
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return criteria, 0, 0, errors.New("invalid since timestamp")
		}
		criteria.Since = ts
	}
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), 50)
	if limit > 1000 {
		limit = 1000
	}
	return criteria, offset, limit, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsKind(err, domain.KindInvalidFormat):
		status = http.StatusBadRequest
	case domain.IsKind(err, domain.KindNotFound):
		status = http.StatusNotFound
	case domain.IsKind(err, domain.KindTenantIsolation):
		status = http.StatusForbidden
	case domain.IsKind(err, domain.KindCancelled):
		status = 499 // client closed request
	case domain.IsKind(err, domain.KindStorageTransient),
		domain.IsKind(err, domain.KindAdapterUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
