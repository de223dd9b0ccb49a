// Package provider implements threat feed adapters that pull batches of
// indicators from external services.
package provider

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

const urlHausCSV = "https://urlhaus.abuse.ch/downloads/csv_recent/"

// Doer is the outbound HTTP contract; satisfied by http.Client and the
// resilient intel client alike.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// URLHausFeed pulls the recent-URLs CSV feed from abuse.ch.
type URLHausFeed struct {
	client Doer
	url    string
}

func NewURLHausFeed(client Doer) *URLHausFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLHausFeed{client: client, url: urlHausCSV}
}

func (f *URLHausFeed) Name() string { return "abusech-urlhaus" }

func (f *URLHausFeed) FetchIOCs(ctx context.Context) ([]domain.IOC, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "building urlhaus request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "fetching urlhaus feed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.KindAdapterUnavailable, "urlhaus feed returned status %d", resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	var iocs []domain.IOC
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, domain.WrapErr(err, domain.KindInvalidFormat, "reading urlhaus csv")
		}
		// 0: id, 1: dateadded, 2: url, 3: url_status, 4: last_online,
		// 5: threat, 6: tags, 7: urlhaus_link, 8: reporter
		if len(record) < 7 {
			continue
		}
		added, _ := time.Parse("2006-01-02 15:04:05", record[1])
		tags := splitTags(record[6])
		if record[5] != "" {
			tags = append(tags, "threat:"+record[5])
		}

		ioc := domain.IOC{
			Type:       domain.URL,
			Value:      record[2],
			Source:     f.Name(),
			Severity:   domain.SeverityHigh,
			Confidence: 0.7,
			Timestamp:  added,
			Tags:       tags,
		}
		iocs = append(iocs, domain.ExtractComponents(ioc)...)
	}
	return iocs, nil
}

func splitTags(raw string) []string {
	if raw == "" || raw == "None" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
