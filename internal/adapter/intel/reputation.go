package intel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

// HTTPReputationSource queries a scoring endpoint that answers
// {"score": s, "confidence": c} for a value.
type HTTPReputationSource struct {
	client  *Client
	name    string
	baseURL string
	apiKey  string
}

func NewHTTPReputationSource(name, baseURL, apiKey string, cfg ClientConfig, logger *slog.Logger) *HTTPReputationSource {
	return &HTTPReputationSource{
		client:  NewClient(name, cfg, logger),
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (s *HTTPReputationSource) Name() string { return s.name }

func (s *HTTPReputationSource) Score(ctx context.Context, ioc domain.IOC) (ports.ReputationScore, error) {
	endpoint := s.baseURL + "/v1/score?type=" + url.QueryEscape(string(ioc.Type)) + "&value=" + url.QueryEscape(ioc.Value)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ports.ReputationScore{}, domain.WrapErr(err, domain.KindAdapterUnavailable, "building score request")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ports.ReputationScore{}, err
	}
	defer resp.Body.Close()

	var body struct {
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ports.ReputationScore{}, domain.WrapErr(err, domain.KindAdapterUnavailable, "decoding score response")
	}
	return ports.ReputationScore{Score: body.Score, Confidence: body.Confidence}, nil
}
