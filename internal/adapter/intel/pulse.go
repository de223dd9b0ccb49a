package intel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

// PulseSource queries an OTX-compatible pulse API for community
// intelligence about an indicator.
type PulseSource struct {
	client  *Client
	baseURL string
	apiKey  string
}

func NewPulseSource(baseURL, apiKey string, cfg ClientConfig, logger *slog.Logger) *PulseSource {
	return &PulseSource{
		client:  NewClient("pulse", cfg, logger),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (s *PulseSource) Name() string { return "pulse" }

func (s *PulseSource) Supports(t domain.IOCType) bool {
	switch t {
	case domain.IPAddress, domain.Domain, domain.URL, domain.Hash:
		return true
	}
	return false
}

type pulseResponse struct {
	PulseInfo struct {
		Count  int `json:"count"`
		Pulses []struct {
			Name    string   `json:"name"`
			Tags    []string `json:"tags"`
			Created string   `json:"created"`
		} `json:"pulses"`
	} `json:"pulse_info"`
	Related []struct {
		Indicator string `json:"indicator"`
	} `json:"related,omitempty"`
}

func (s *PulseSource) Enrich(ctx context.Context, ioc domain.IOC) (ports.EnrichmentPayload, error) {
	endpoint := s.baseURL + "/api/v1/indicators/" + pathSegment(ioc.Type) + "/" + url.PathEscape(ioc.Value) + "/general"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.EnrichmentPayload{}, domain.WrapErr(err, domain.KindAdapterUnavailable, "building pulse request")
	}
	req.Header.Set("X-OTX-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return ports.EnrichmentPayload{}, err
	}
	defer resp.Body.Close()

	var data pulseResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ports.EnrichmentPayload{}, domain.WrapErr(err, domain.KindAdapterUnavailable, "decoding pulse response")
	}

	payload := ports.EnrichmentPayload{
		Data: map[string]any{"pulse_count": data.PulseInfo.Count},
	}
	var names, tags []string
	var latest time.Time
	for _, pulse := range data.PulseInfo.Pulses {
		names = append(names, pulse.Name)
		tags = append(tags, pulse.Tags...)
		if created, err := time.Parse(time.RFC3339, pulse.Created); err == nil && created.After(latest) {
			latest = created
		}
	}
	if len(names) > 0 {
		payload.Data["pulses"] = names
	}
	if len(tags) > 0 {
		payload.Data["tags"] = tags
	}
	payload.LastSeen = latest
	for _, rel := range data.Related {
		payload.RelatedIndicators = append(payload.RelatedIndicators, rel.Indicator)
	}

	// Community sightings are a verdict only in volume.
	if data.PulseInfo.Count >= 3 {
		payload.Verdict = "malicious"
		payload.Confidence = 0.8
	} else if data.PulseInfo.Count > 0 {
		payload.Verdict = "suspicious"
		payload.Confidence = 0.5
	}
	return payload, nil
}

func pathSegment(t domain.IOCType) string {
	switch t {
	case domain.IPAddress:
		return "IPv4"
	case domain.Domain:
		return "domain"
	case domain.URL:
		return "url"
	case domain.Hash:
		return "file"
	}
	return string(t)
}
