package exporter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// STIX renders indicators as a STIX 2.1 bundle.
type STIX struct{}

func NewSTIX() *STIX { return &STIX{} }

func (e *STIX) ContentType() string { return "application/json; charset=utf-8" }

type stixBundle struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	SpecVersion string       `json:"spec_version"`
	Objects     []stixObject `json:"objects"`
}

type stixObject struct {
	Type           string   `json:"type"`
	SpecVersion    string   `json:"spec_version"`
	ID             string   `json:"id"`
	Created        string   `json:"created"`
	Modified       string   `json:"modified"`
	Name           string   `json:"name"`
	Pattern        string   `json:"pattern"`
	PatternType    string   `json:"pattern_type"`
	ValidFrom      string   `json:"valid_from"`
	IndicatorTypes []string `json:"indicator_types"`
	Confidence     int      `json:"confidence"`
	Labels         []string `json:"labels,omitempty"`
}

func (e *STIX) Export(iocs []domain.IOC) ([]byte, error) {
	bundle := stixBundle{
		Type:        "bundle",
		ID:          "bundle--" + uuid.NewString(),
		SpecVersion: "2.1",
		Objects:     make([]stixObject, 0, len(iocs)),
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, ioc := range iocs {
		bundle.Objects = append(bundle.Objects, stixObject{
			Type:           "indicator",
			SpecVersion:    "2.1",
			ID:             "indicator--" + uuid.NewString(),
			Created:        now,
			Modified:       now,
			Name:           fmt.Sprintf("%s Indicator", strings.ToUpper(string(ioc.Type))),
			Pattern:        buildPattern(ioc),
			PatternType:    "stix",
			ValidFrom:      ioc.Timestamp.UTC().Format(time.RFC3339),
			IndicatorTypes: indicatorTypes(ioc),
			Confidence:     int(ioc.Confidence * 100),
			Labels:         ioc.Tags,
		})
	}
	return json.MarshalIndent(bundle, "", "  ")
}

func buildPattern(ioc domain.IOC) string {
	switch ioc.Type {
	case domain.IPAddress:
		if strings.Contains(ioc.Value, ":") {
			return fmt.Sprintf("[ipv6-addr:value = '%s']", ioc.Value)
		}
		return fmt.Sprintf("[ipv4-addr:value = '%s']", ioc.Value)
	case domain.Domain:
		return fmt.Sprintf("[domain-name:value = '%s']", ioc.Value)
	case domain.URL:
		return fmt.Sprintf("[url:value = '%s']", ioc.Value)
	case domain.Hash:
		return fmt.Sprintf("[file:hashes.'%s' = '%s']", hashAlgorithm(ioc.Value), ioc.Value)
	case domain.Email:
		return fmt.Sprintf("[email-addr:value = '%s']", ioc.Value)
	case domain.FilePath:
		return fmt.Sprintf("[file:name = '%s']", ioc.Value)
	}
	return fmt.Sprintf("[x-custom:value = '%s']", ioc.Value)
}

func indicatorTypes(ioc domain.IOC) []string {
	for _, tag := range ioc.Tags {
		switch tag {
		case "c2", "botnet":
			return []string{"malicious-activity", "command-and-control"}
		case "phishing":
			return []string{"malicious-activity", "phishing"}
		}
	}
	return []string{"malicious-activity"}
}

func hashAlgorithm(hash string) string {
	switch len(hash) {
	case 32:
		return "MD5"
	case 40:
		return "SHA-1"
	default:
		return "SHA-256"
	}
}
