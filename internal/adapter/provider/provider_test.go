package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

func TestURLHausFeedParsesCSVAndExtractsComponents(t *testing.T) {
	body := `# comment header
"1","2026-08-30 10:00:00","http://203.0.113.7/payload.exe","online","","malware_download","elf,mozi","https://urlhaus.example/1","reporter"
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	feed := NewURLHausFeed(srv.Client())
	feed.url = srv.URL
	iocs, err := feed.FetchIOCs(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// The URL itself plus the extracted IP host.
	if len(iocs) != 2 {
		t.Fatalf("got %d iocs: %+v", len(iocs), iocs)
	}
	if iocs[0].Type != domain.URL || iocs[0].Value != "http://203.0.113.7/payload.exe" {
		t.Errorf("base ioc = %+v", iocs[0])
	}
	if !iocs[0].HasTag("mozi") || !iocs[0].HasTag("threat:malware_download") {
		t.Errorf("tags = %v", iocs[0].Tags)
	}
	if iocs[1].Type != domain.IPAddress || iocs[1].Value != "203.0.113.7" {
		t.Errorf("component = %+v", iocs[1])
	}
}

func TestListFeedSniffsTypes(t *testing.T) {
	body := `# blocklist
198.51.100.7
bad.example.com
aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa  # md5
http://bad.example.com/drop
`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	feed := NewListFeed(srv.Client(), "test-list", srv.URL, domain.SeverityMedium, "blocklist")
	iocs, err := feed.FetchIOCs(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	types := map[domain.IOCType]int{}
	for _, ioc := range iocs {
		types[ioc.Type]++
		if ioc.Source != "test-list" {
			t.Errorf("source = %s", ioc.Source)
		}
	}
	if types[domain.IPAddress] == 0 || types[domain.Domain] == 0 || types[domain.Hash] != 1 || types[domain.URL] != 1 {
		t.Errorf("type distribution = %v", types)
	}
}

func TestPulseFeedFlattensIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-OTX-API-KEY") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"results": [{
			"name": "alpha",
			"tags": ["c2"],
			"indicators": [
				{"indicator": "198.51.100.9", "type": "IPv4", "created": "2026-08-01T00:00:00Z"},
				{"indicator": "CVE-2026-0001", "type": "CVE", "created": ""}
			]
		}]}`))
	}))
	defer srv.Close()

	feed := NewPulseFeed(srv.Client(), srv.URL, "key")
	iocs, err := feed.FetchIOCs(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// The CVE indicator type is unknown and skipped.
	if len(iocs) != 1 {
		t.Fatalf("got %d iocs", len(iocs))
	}
	if iocs[0].Type != domain.IPAddress || !iocs[0].HasTag("campaign:alpha") {
		t.Errorf("ioc = %+v", iocs[0])
	}
}

func TestPulseFeedRequiresKey(t *testing.T) {
	feed := NewPulseFeed(nil, "http://127.0.0.1:0", "")
	if _, err := feed.FetchIOCs(context.Background()); !domain.IsKind(err, domain.KindConfig) {
		t.Errorf("err = %v, want config error", err)
	}
}
