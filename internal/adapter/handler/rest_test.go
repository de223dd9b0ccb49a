package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/hive-corporation/threatcore/internal/correlate"
	"github.com/hive-corporation/threatcore/internal/detect"
	"github.com/hive-corporation/threatcore/internal/enrich"
	"github.com/hive-corporation/threatcore/internal/pipeline"
	"github.com/hive-corporation/threatcore/internal/reputation"
	"github.com/hive-corporation/threatcore/internal/storage/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	detector := detect.NewEngine(logger)
	if err := detector.Load(detect.DefaultRules()); err != nil {
		t.Fatal(err)
	}
	orch := pipeline.New(pipeline.Config{}, memory.New(), detector,
		reputation.NewEngine(time.Minute, 64, logger),
		enrich.NewEngine(enrich.Config{}, logger),
		correlate.NewEngine(correlate.Config{}, logger),
		logger)

	router := mux.NewRouter()
	NewREST(orch, logger).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, tenant, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSubmitAndFetchResult(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs", "tenant-a",
		`{"type":"domain","value":"badsite.tk","confidence":0.8,"tags":["malware"]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit status = %d: %s", resp.StatusCode, body)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Suspicious Domain TLD") {
		t.Errorf("result missing matched rule: %s", body)
	}

	search := do(t, http.MethodGet, srv.URL+"/api/v1/iocs/search?types=domain", "tenant-a", "")
	defer search.Body.Close()
	searchBody, _ := io.ReadAll(search.Body)
	if !strings.Contains(string(searchBody), `"total_count":1`) {
		t.Errorf("search = %s", searchBody)
	}
}

func TestSubmitRequiresTenantHeader(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs", "",
		`{"type":"domain","value":"x.example.com"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitInvalidIndicator(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs", "tenant-a",
		`{"type":"hash","value":"XYZ"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestResultNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/iocs/no-such-id/result", "tenant-a", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTenantsDoNotLeakThroughSearch(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs", "tenant-a",
		`{"type":"domain","value":"private.example.com","confidence":0.5}`)
	resp.Body.Close()

	search := do(t, http.MethodGet, srv.URL+"/api/v1/iocs/search", "tenant-b", "")
	defer search.Body.Close()
	body, _ := io.ReadAll(search.Body)
	if !strings.Contains(string(body), `"total_count":0`) {
		t.Errorf("tenant-b sees tenant-a data: %s", body)
	}
}

func TestBatchEndpointReportsPartialFailure(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs/batch", "tenant-a",
		`[{"type":"domain","value":"ok.example.com","confidence":0.5},{"type":"hash","value":"XYZ"}]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"successful":1`) || !strings.Contains(string(body), `"failed":1`) {
		t.Errorf("report = %s", body)
	}
}

func TestFeedExportsCEF(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/iocs", "tenant-a",
		`{"type":"ip","value":"203.0.113.9","confidence":0.7}`)
	resp.Body.Close()

	feed := do(t, http.MethodGet, srv.URL+"/api/v1/iocs/feed?format=cef", "tenant-a", "")
	defer feed.Body.Close()
	if got := feed.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("content type = %s", got)
	}
	body, _ := io.ReadAll(feed.Body)
	if !strings.Contains(string(body), "CEF:0|") || !strings.Contains(string(body), "203.0.113.9") {
		t.Errorf("feed = %s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/api/v1/health", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"storage"`) {
		t.Errorf("health = %s", body)
	}
}
