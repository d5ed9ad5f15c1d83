// Package geo resolves client IPs to country codes so events can carry
// coarse location context without the storefront sending it. Lookup
// failures are soft: an event without a country is still an event.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver looks up country codes in a MaxMind GeoLite2 database.
type Resolver struct {
	reader *geoip2.Reader
}

// NewResolver opens the GeoLite2 database at dbPath.
func NewResolver(dbPath string) (*Resolver, error) {
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	return &Resolver{reader: reader}, nil
}

// CountryCode returns the ISO country code for an IP, or "" when the
// IP is unparseable or unknown.
func (r *Resolver) CountryCode(ip string) string {
	if r == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close closes the GeoIP database.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
