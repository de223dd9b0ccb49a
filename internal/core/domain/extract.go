package domain

import (
	"net/netip"
	"net/url"
	"strings"
)

// ExtractComponents derives secondary indicators from a composite one.
// A URL like "http://198.51.100.12/malware.sh" yields the URL itself
// plus an IP (or domain) indicator for its host. Derived indicators
// inherit source, confidence and tags and get their own deterministic
// id after validation.
func ExtractComponents(src IOC) []IOC {
	components := []IOC{src}

	if src.Type == URL {
		u, err := url.Parse(src.Value)
		if err != nil {
			return components
		}
		host := u.Hostname()
		if host == "" {
			return components
		}
		typ := Domain
		if _, perr := netip.ParseAddr(host); perr == nil {
			typ = IPAddress
		}
		components = append(components, derived(src, typ, host, "extracted-from-url"))
		return components
	}

	// Bare values like "198.51.100.12:8080" still carry an address.
	if src.Type == FilePath || src.Type == Hash {
		return components
	}
	parts := strings.FieldsFunc(src.Value, func(r rune) bool {
		return r == ':' || r == '/' || r == '?'
	})
	for _, part := range parts {
		if part == src.Value {
			continue
		}
		if _, err := netip.ParseAddr(part); err == nil {
			components = append(components, derived(src, IPAddress, part, "extracted-from-value"))
			break
		}
	}
	return components
}

func derived(src IOC, typ IOCType, value, tag string) IOC {
	return IOC{
		ID:         DeterministicID(typ, value),
		Type:       typ,
		Value:      value,
		Confidence: src.Confidence,
		Severity:   src.Severity,
		Source:     src.Source,
		Timestamp:  src.Timestamp,
		Tags:       append([]string{tag}, src.Tags...),
	}
}
