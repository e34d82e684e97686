package geo

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// MMDBSource answers from a local MaxMind database (GeoLite2 City or
// Country), with an optional ASN database for the ISP field.
type MMDBSource struct {
	reader *geoip2.Reader
	asn    *geoip2.Reader
	city   bool
}

func verifyMMDB(path string) (string, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return "", err
	}
	defer db.Close()
	if err := db.Verify(); err != nil {
		return "", fmt.Errorf("corrupt database %s: %w", path, err)
	}
	return db.Metadata.DatabaseType, nil
}

func OpenMMDBSource(path, asnPath string) (*MMDBSource, error) {
	dbType, err := verifyMMDB(path)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(dbType)
	if !strings.Contains(lower, "city") && !strings.Contains(lower, "country") {
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	src := &MMDBSource{reader: reader, city: strings.Contains(lower, "city")}
	if strings.TrimSpace(asnPath) != "" {
		if _, err := verifyMMDB(asnPath); err != nil {
			_ = reader.Close()
			return nil, err
		}
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			_ = reader.Close()
			return nil, err
		}
		src.asn = asn
	}
	return src, nil
}

func (s *MMDBSource) Name() string {
	return "mmdb"
}

func (s *MMDBSource) Lookup(_ context.Context, ip string) (*Record, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	rec := &Record{IP: parsed.String()}
	if s.city {
		city, err := s.reader.City(parsed)
		if err != nil {
			return nil, err
		}
		rec.CountryCode = city.Country.IsoCode
		rec.Country = city.Country.Names["en"]
		rec.City = city.City.Names["en"]
		if len(city.Subdivisions) > 0 {
			rec.Region = city.Subdivisions[0].Names["en"]
		}
	} else {
		country, err := s.reader.Country(parsed)
		if err != nil {
			return nil, err
		}
		rec.CountryCode = country.Country.IsoCode
		rec.Country = country.Country.Names["en"]
	}
	if rec.CountryCode == "" {
		return nil, fmt.Errorf("no country for %s", ip)
	}
	if s.asn != nil {
		if asn, err := s.asn.ASN(parsed); err == nil {
			rec.ISP = asn.AutonomousSystemOrganization
		}
	}
	return rec, nil
}

func (s *MMDBSource) Close() error {
	var err error
	if s.asn != nil {
		err = s.asn.Close()
	}
	if closeErr := s.reader.Close(); err == nil {
		err = closeErr
	}
	return err
}
