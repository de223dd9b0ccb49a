package intel

import (
	"context"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/hive-corporation/threatcore/internal/core/domain"
	"github.com/hive-corporation/threatcore/internal/core/ports"
)

// GeoIPSource enriches IP indicators from a local MaxMind City
// database. Lookups never leave the process, so it carries no resilient
// client.
type GeoIPSource struct {
	reader *geoip2.Reader
}

func NewGeoIPSource(databasePath string) (*GeoIPSource, error) {
	reader, err := geoip2.Open(databasePath)
	if err != nil {
		return nil, domain.WrapErr(err, domain.KindConfig, "opening geoip database %s", databasePath)
	}
	return &GeoIPSource{reader: reader}, nil
}

func (s *GeoIPSource) Name() string { return "geoip" }

func (s *GeoIPSource) Supports(t domain.IOCType) bool { return t == domain.IPAddress }

func (s *GeoIPSource) Enrich(ctx context.Context, ioc domain.IOC) (ports.EnrichmentPayload, error) {
	if err := ctx.Err(); err != nil {
		return ports.EnrichmentPayload{}, err
	}
	ip := net.ParseIP(ioc.Value)
	if ip == nil {
		return ports.EnrichmentPayload{}, domain.E(domain.KindInvalidFormat, "not an ip address: %s", ioc.Value)
	}
	record, err := s.reader.City(ip)
	if err != nil {
		return ports.EnrichmentPayload{}, domain.WrapErr(err, domain.KindAdapterUnavailable, "geoip lookup")
	}

	data := map[string]any{
		"country_iso": record.Country.IsoCode,
		"country":     record.Country.Names["en"],
	}
	if city := record.City.Names["en"]; city != "" {
		data["city"] = city
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		data["latitude"] = record.Location.Latitude
		data["longitude"] = record.Location.Longitude
	}
	return ports.EnrichmentPayload{Data: data}, nil
}

func (s *GeoIPSource) Close() error { return s.reader.Close() }
