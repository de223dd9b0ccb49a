package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// ThreatFeed pulls indicators from an external provider. Implementations
// return validated, canonicalized indicators; the ingester submits them
// to the pipeline in batches.
type ThreatFeed interface {
	FetchIOCs(ctx context.Context) ([]domain.IOC, error)
	Name() string
}

// EnrichmentPayload is what one source contributes to an indicator.
// Verdict is one of "malicious", "suspicious", "benign" or "" when the
// source offers no opinion.
type EnrichmentPayload struct {
	Data              map[string]any
	RelatedIndicators []string
	Verdict           string
	Confidence        float64
	LastSeen          time.Time
}

// EnrichmentSource contributes context for an indicator. Enrich must
// honor ctx cancellation; failures are isolated per source and reported
// with adapter_timeout or adapter_unavailable kinds.
type EnrichmentSource interface {
	Name() string
	Supports(t domain.IOCType) bool
	Enrich(ctx context.Context, ioc domain.IOC) (EnrichmentPayload, error)
}

// ReputationScore is a single source's opinion in [0,1], where higher
// means more malicious.
type ReputationScore struct {
	Score      float64
	Confidence float64
}

// ReputationSource scores an indicator's maliciousness.
type ReputationSource interface {
	Name() string
	Score(ctx context.Context, ioc domain.IOC) (ReputationScore, error)
}

// Exporter renders a set of indicators in an interchange format.
type Exporter interface {
	Export(iocs []domain.IOC) ([]byte, error)
	ContentType() string
}
