package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// PulseFeed pulls subscribed pulses from an OTX-compatible API and
// flattens their indicators.
type PulseFeed struct {
	client  Doer
	baseURL string
	apiKey  string
}

func NewPulseFeed(client Doer, baseURL, apiKey string) *PulseFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &PulseFeed{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (f *PulseFeed) Name() string { return "pulse-feed" }

type pulseListResponse struct {
	Results []struct {
		Name       string   `json:"name"`
		Tags       []string `json:"tags"`
		Indicators []struct {
			Indicator string `json:"indicator"`
			Type      string `json:"type"`
			Created   string `json:"created"`
		} `json:"indicators"`
	} `json:"results"`
}

func (f *PulseFeed) FetchIOCs(ctx context.Context) ([]domain.IOC, error) {
	if f.apiKey == "" {
		return nil, domain.E(domain.KindConfig, "pulse feed api key is missing")
	}
	endpoint := f.baseURL + "/api/v1/pulses/subscribed?limit=10&modified_since=7d"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "building pulse feed request")
	}
	req.Header.Set("X-OTX-API-KEY", f.apiKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "fetching pulse feed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.KindAdapterUnavailable, "pulse feed returned status %d", resp.StatusCode)
	}

	var data pulseListResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "decoding pulse feed")
	}

	var iocs []domain.IOC
	for _, pulse := range data.Results {
		tags := append([]string(nil), pulse.Tags...)
		if pulse.Name != "" {
			tags = append(tags, "campaign:"+pulse.Name)
		}
		for _, ind := range pulse.Indicators {
			typ := mapPulseType(ind.Type)
			if typ == "" {
				continue
			}
			created, _ := time.Parse(time.RFC3339, ind.Created)
			iocs = append(iocs, domain.IOC{
				Type:       typ,
				Value:      ind.Indicator,
				Source:     f.Name(),
				Severity:   domain.SeverityMedium,
				Confidence: 0.6,
				Timestamp:  created,
				Tags:       tags,
			})
		}
	}
	return iocs, nil
}

func mapPulseType(t string) domain.IOCType {
	switch t {
	case "IPv4", "IPv6":
		return domain.IPAddress
	case "domain", "hostname":
		return domain.Domain
	case "url", "URL", "URI":
		return domain.URL
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return domain.Hash
	case "email":
		return domain.Email
	default:
		return ""
	}
}
