package domain

import (
	"time"

	"github.com/google/uuid"
)

type IOCType string

const (
	IPAddress IOCType = "ip"
	Domain    IOCType = "domain"
	URL       IOCType = "url"
	Hash      IOCType = "hash"
	Email     IOCType = "email"
	FilePath  IOCType = "file_path"
)

// Valid reports whether t is one of the closed set of indicator types.
// Unknown values arriving at a boundary are rejected, never mapped.
func (t IOCType) Valid() bool {
	switch t {
	case IPAddress, Domain, URL, Hash, Email, FilePath:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for comparison; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// IOC is a single indicator of compromise. Value always holds the
// canonical form produced by validation; the submitted form is replaced
// before anything is stored.
type IOC struct {
	ID         string         `json:"id"`
	Type       IOCType        `json:"type"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"` // [0,1]
	Severity   Severity       `json:"severity"`
	Source     string         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	Tags       []string       `json:"tags,omitempty"`
	Context    *IOCContext    `json:"context,omitempty"`
	RawData    map[string]any `json:"raw_data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// IOCContext carries optional auxiliary observations about an indicator.
type IOCContext struct {
	Geolocation       string    `json:"geolocation,omitempty"`
	ASN               string    `json:"asn,omitempty"`
	Category          string    `json:"category,omitempty"`
	FirstSeen         time.Time `json:"first_seen,omitempty"`
	LastSeen          time.Time `json:"last_seen,omitempty"`
	RelatedIndicators []string  `json:"related_indicators,omitempty"`
}

// HasTag reports whether the IOC carries the exact tag.
func (i *IOC) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SharedTags returns the tags present on both indicators.
func (i *IOC) SharedTags(other *IOC) []string {
	if len(i.Tags) == 0 || len(other.Tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(i.Tags))
	for _, t := range i.Tags {
		seen[t] = true
	}
	var shared []string
	for _, t := range other.Tags {
		if seen[t] {
			shared = append(shared, t)
			seen[t] = false
		}
	}
	return shared
}

// iocNamespace scopes deterministic indicator ids.
var iocNamespace = uuid.MustParse("7f0e3c5a-9b1d-4a6e-8c2f-5d4b3a291e07")

// DeterministicID derives a stable id from the indicator's type and
// canonical value. Submitting the same indicator twice therefore maps to
// the same identity, which is what makes processing idempotent.
func DeterministicID(t IOCType, canonicalValue string) string {
	return uuid.NewSHA1(iocNamespace, []byte(string(t)+":"+canonicalValue)).String()
}

// EnrichedIOC is a base IOC plus per-source enrichment payloads. Payloads
// are keyed by source id and never mutate the base identity or value.
type EnrichedIOC struct {
	IOC
	Enrichments map[string]map[string]any `json:"enrichments,omitempty"`
	EnrichedBy  []string                  `json:"enriched_by,omitempty"`
	EnrichedAt  time.Time                 `json:"enriched_at"`
}

// TenantContext scopes every storage operation. TenantID is mandatory;
// nothing reads or writes outside it.
type TenantContext struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (tc TenantContext) Validate() error {
	if tc.TenantID == "" {
		return E(KindTenantIsolation, "tenant id is required")
	}
	return nil
}
