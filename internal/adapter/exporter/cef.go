// Package exporter renders indicators in SIEM interchange formats.
package exporter

import (
	"fmt"
	"strings"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// CEF renders indicators as Common Event Format lines.
// Format: CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
type CEF struct{}

func NewCEF() *CEF { return &CEF{} }

func (e *CEF) ContentType() string { return "text/plain; charset=utf-8" }

func (e *CEF) Export(iocs []domain.IOC) ([]byte, error) {
	var out strings.Builder
	for _, ioc := range iocs {
		out.WriteString(e.formatLine(ioc))
		out.WriteByte('\n')
	}
	return []byte(out.String()), nil
}

func (e *CEF) formatLine(ioc domain.IOC) string {
	name := fmt.Sprintf("%s IOC Detected", strings.ToUpper(string(ioc.Type)))

	extensions := []string{
		fmt.Sprintf("src=%s", escapeField(ioc.Value)),
		"cn1Label=ConfidenceScore",
		fmt.Sprintf("cn1=%d", int(ioc.Confidence*100)),
		"cs1Label=Severity",
		fmt.Sprintf("cs1=%s", escapeField(string(ioc.Severity))),
		"cs2Label=Source",
		fmt.Sprintf("cs2=%s", escapeField(ioc.Source)),
		"cs3Label=Tags",
		fmt.Sprintf("cs3=%s", escapeField(strings.Join(ioc.Tags, ","))),
		fmt.Sprintf("rt=%d", ioc.Timestamp.UnixMilli()),
	}

	return fmt.Sprintf("CEF:0|ThreatCore|ThreatIntel|1.0|%s|%s|%d|%s",
		ioc.Type, name, cefSeverity(ioc.Severity), strings.Join(extensions, " "))
}

// cefSeverity maps domain severity to the CEF 0-10 scale.
func cefSeverity(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 10
	case domain.SeverityHigh:
		return 8
	case domain.SeverityMedium:
		return 5
	case domain.SeverityLow:
		return 2
	}
	return 0
}

func escapeField(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}
