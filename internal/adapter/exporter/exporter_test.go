package exporter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

func sampleIOCs() []domain.IOC {
	return []domain.IOC{
		{
			Type: domain.IPAddress, Value: "198.51.100.12",
			Confidence: 0.8, Severity: domain.SeverityHigh,
			Source: "test-feed", Tags: []string{"c2"},
			Timestamp: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		},
		{
			Type: domain.Hash, Value: strings.Repeat("ab", 32),
			Confidence: 0.6, Severity: domain.SeverityMedium,
			Source: "test-feed", Timestamp: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		},
	}
}

func TestCEFExport(t *testing.T) {
	out, err := NewCEF().Export(sampleIOCs())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "CEF:0|ThreatCore|") {
		t.Errorf("header = %s", lines[0])
	}
	if !strings.Contains(lines[0], "src=198.51.100.12") || !strings.Contains(lines[0], "cn1=80") {
		t.Errorf("extensions missing: %s", lines[0])
	}
	if !strings.Contains(lines[0], "|8|") {
		t.Errorf("high severity should map to 8: %s", lines[0])
	}
}

func TestCEFEscapesMetaCharacters(t *testing.T) {
	out, err := NewCEF().Export([]domain.IOC{{
		Type: domain.URL, Value: "http://evil.example.com/a|b=c",
		Severity: domain.SeverityLow, Timestamp: time.Now(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `a\|b\=c`) {
		t.Errorf("meta characters not escaped: %s", out)
	}
}

func TestSTIXExport(t *testing.T) {
	out, err := NewSTIX().Export(sampleIOCs())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var bundle struct {
		Type        string `json:"type"`
		SpecVersion string `json:"spec_version"`
		Objects     []struct {
			Pattern        string   `json:"pattern"`
			IndicatorTypes []string `json:"indicator_types"`
			Confidence     int      `json:"confidence"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(out, &bundle); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bundle.Type != "bundle" || bundle.SpecVersion != "2.1" {
		t.Errorf("bundle header = %+v", bundle)
	}
	if len(bundle.Objects) != 2 {
		t.Fatalf("objects = %d", len(bundle.Objects))
	}
	if bundle.Objects[0].Pattern != "[ipv4-addr:value = '198.51.100.12']" {
		t.Errorf("pattern = %s", bundle.Objects[0].Pattern)
	}
	if len(bundle.Objects[0].IndicatorTypes) != 2 {
		t.Errorf("c2 tag should add command-and-control: %v", bundle.Objects[0].IndicatorTypes)
	}
	if !strings.Contains(bundle.Objects[1].Pattern, "SHA-256") {
		t.Errorf("hash pattern = %s", bundle.Objects[1].Pattern)
	}
	if bundle.Objects[0].Confidence != 80 {
		t.Errorf("confidence = %d", bundle.Objects[0].Confidence)
	}
}
