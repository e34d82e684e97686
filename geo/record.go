package geo

import (
	"strings"
	"time"
)

// Record is where an IP address is located, as reported by one source.
type Record struct {
	IP          string    `json:"ip"`
	CountryCode string    `json:"country_code"`
	Country     string    `json:"country,omitempty"`
	Region      string    `json:"region,omitempty"`
	City        string    `json:"city,omitempty"`
	ISP         string    `json:"isp,omitempty"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

func (r *Record) valid() bool {
	return r != nil && len(strings.TrimSpace(r.CountryCode)) == 2
}

func (r *Record) normalize() {
	r.CountryCode = strings.ToUpper(strings.TrimSpace(r.CountryCode))
	r.Country = strings.TrimSpace(r.Country)
	r.Region = strings.TrimSpace(r.Region)
	r.City = strings.TrimSpace(r.City)
	r.ISP = strings.TrimSpace(r.ISP)
}
