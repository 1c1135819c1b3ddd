package transform

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

// GeoResolver maps a server IP to an upper-case ISO country code.
type GeoResolver interface {
	Country(ip net.IP) (string, bool)
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
	RepresentedCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"represented_country"`
}

// MaxMindResolver reads a GeoLite2/GeoIP2 Country (or compatible) database.
type MaxMindResolver struct {
	reader *maxminddb.Reader
}

func OpenMaxMind(path string) (*MaxMindResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: load mmdb: %w", err)
	}
	return NewMaxMind(raw)
}

func NewMaxMind(raw []byte) (*MaxMindResolver, error) {
	reader, err := maxminddb.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("geoip: parse mmdb: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

func (m *MaxMindResolver) Country(ip net.IP) (string, bool) {
	if m == nil || m.reader == nil || ip == nil {
		return "", false
	}
	var record countryRecord
	if err := m.reader.Lookup(ip, &record); err != nil {
		return "", false
	}
	code := strings.TrimSpace(record.Country.ISOCode)
	if code == "" {
		code = strings.TrimSpace(record.RegisteredCountry.ISOCode)
	}
	if code == "" {
		code = strings.TrimSpace(record.RepresentedCountry.ISOCode)
	}
	if code == "" {
		return "", false
	}
	return strings.ToUpper(code), true
}

func (m *MaxMindResolver) Close() error {
	if m == nil || m.reader == nil {
		return nil
	}
	return m.reader.Close()
}
