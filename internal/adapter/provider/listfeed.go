package provider

import (
	"bufio"
	"context"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hive-corporation/threatcore/internal/core/domain"
)

// ListFeed pulls plain-text blocklists: one indicator per line, "#" and
// "//" comments, optional inline annotations after ":" or "#". The
// indicator type is sniffed per line, so one feed may mix URLs, IPs,
// domains and hashes.
type ListFeed struct {
	client   Doer
	name     string
	url      string
	tags     []string
	severity domain.Severity
}

func NewListFeed(client Doer, name, url string, severity domain.Severity, tags ...string) *ListFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &ListFeed{client: client, name: name, url: url, severity: severity, tags: tags}
}

func (f *ListFeed) Name() string { return f.name }

func (f *ListFeed) FetchIOCs(ctx context.Context) ([]domain.IOC, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "building feed request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "fetching feed %s", f.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.KindAdapterUnavailable, "feed %s returned status %d", f.name, resp.StatusCode)
	}

	now := time.Now().UTC()
	var iocs []domain.IOC
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		ioc := domain.IOC{
			Type:       sniffType(line),
			Value:      line,
			Source:     f.name,
			Severity:   f.severity,
			Confidence: 0.6,
			Timestamp:  now,
			Tags:       append([]string(nil), f.tags...),
		}
		iocs = append(iocs, domain.ExtractComponents(ioc)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.WrapErr(err, domain.KindAdapterUnavailable, "reading feed %s", f.name)
	}
	return iocs, nil
}

// sniffType guesses the indicator type of one feed line. Validation
// downstream rejects lines the guess gets wrong.
func sniffType(value string) domain.IOCType {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return domain.URL
	}
	if _, err := netip.ParseAddr(value); err == nil {
		return domain.IPAddress
	}
	if isHexOfHashLength(value) {
		return domain.Hash
	}
	return domain.Domain
}

func isHexOfHashLength(value string) bool {
	switch len(value) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
