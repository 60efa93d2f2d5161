package tunproxy

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPResolver answers GEOIP rule lookups from a MaxMind country database.
// It satisfies rule.GeoResolver.
type GeoIPResolver struct {
	db *geoip2.Reader
}

// OpenGeoIP opens a MaxMind database file (Country or City).
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIPResolver{db: db}, nil
}

// Country returns the ISO country code for ip.
func (g *GeoIPResolver) Country(ip net.IP) (string, error) {
	rec, err := g.db.Country(ip)
	if err != nil {
		return "", err
	}
	return rec.Country.IsoCode, nil
}

func (g *GeoIPResolver) Close() error {
	return g.db.Close()
}
