package sessionguard

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// LocationInfo contains the geographic location of an IP address.
type LocationInfo struct {
	IP        string  `json:"ip"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// GeoIPReader provides IP geolocation using a MaxMind GeoLite2 database.
type GeoIPReader struct {
	db *geoip2.Reader
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}
	return &GeoIPReader{db: db}, nil
}

// Lookup returns location information for an IP address.
func (r *GeoIPReader) Lookup(ip string) (LocationInfo, error) {
	if r == nil || r.db == nil {
		return LocationInfo{}, ErrGeoIPDatabaseNotConfigured
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return LocationInfo{}, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return LocationInfo{}, fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}

	return LocationInfo{
		IP:        ip,
		City:      localizedName(record.City.Names),
		Country:   localizedName(record.Country.Names),
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}

// Locate resolves ip, returning a location holding only the IP when the
// address is private or the lookup fails. A nil reader always falls back.
func (r *GeoIPReader) Locate(ip string) LocationInfo {
	if r == nil || IsPrivateIP(ip) {
		return LocationInfo{IP: ip}
	}
	loc, err := r.Lookup(ip)
	if err != nil {
		return LocationInfo{IP: ip}
	}
	return loc
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// localizedName prefers the English name, falling back to any available one.
func localizedName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}
