package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nodeprobe/util"
)

// Source answers location queries for a single IP.
type Source interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*Record, error)
}

// RateLimited is implemented by sources with a request quota. Limit
// requests are allowed per Window.
type RateLimited interface {
	RateLimit() (limit int, window time.Duration)
}

type httpSource struct {
	name     string
	limit    int
	window   time.Duration
	client   *http.Client
	endpoint func(ip string) string
	decode   func(raw []byte) (*Record, error)
}

func (s *httpSource) Name() string {
	return s.name
}

func (s *httpSource) RateLimit() (int, time.Duration) {
	return s.limit, s.window
}

func (s *httpSource) Lookup(ctx context.Context, ip string) (*Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(ip), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", util.VersionName())
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %d", s.name, resp.StatusCode)
	}
	rec, err := s.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return rec, nil
}

func baseOr(base, fallback string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return fallback
	}
	return base
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: 8 * time.Second}
}

// NewIPAPISource queries ip-api.com. The free tier allows 45 requests per
// minute and only plain http.
func NewIPAPISource(client *http.Client, base string) Source {
	base = baseOr(base, "http://ip-api.com")
	return &httpSource{
		name:   "ip-api",
		limit:  45,
		window: time.Minute,
		client: defaultHTTPClient(client),
		endpoint: func(ip string) string {
			return base + "/json/" + url.PathEscape(ip) + "?fields=status,message,country,countryCode,regionName,city,isp,query"
		},
		decode: func(raw []byte) (*Record, error) {
			var payload struct {
				Status      string `json:"status"`
				Message     string `json:"message"`
				Query       string `json:"query"`
				Country     string `json:"country"`
				CountryCode string `json:"countryCode"`
				RegionName  string `json:"regionName"`
				City        string `json:"city"`
				ISP         string `json:"isp"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			if payload.Status != "success" {
				return nil, fmt.Errorf("lookup failed: %s", payload.Message)
			}
			return &Record{
				IP:          payload.Query,
				CountryCode: payload.CountryCode,
				Country:     payload.Country,
				Region:      payload.RegionName,
				City:        payload.City,
				ISP:         payload.ISP,
			}, nil
		},
	}
}

func NewIPWhoIsSource(client *http.Client, base string) Source {
	base = baseOr(base, "https://ipwho.is")
	return &httpSource{
		name:   "ipwho.is",
		limit:  60,
		window: time.Minute,
		client: defaultHTTPClient(client),
		endpoint: func(ip string) string {
			return base + "/" + url.PathEscape(ip)
		},
		decode: func(raw []byte) (*Record, error) {
			var payload struct {
				Success     bool   `json:"success"`
				Message     string `json:"message"`
				IP          string `json:"ip"`
				Country     string `json:"country"`
				CountryCode string `json:"country_code"`
				Region      string `json:"region"`
				City        string `json:"city"`
				Connection  struct {
					ISP string `json:"isp"`
					Org string `json:"org"`
				} `json:"connection"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			if !payload.Success {
				return nil, fmt.Errorf("lookup failed: %s", payload.Message)
			}
			isp := payload.Connection.ISP
			if isp == "" {
				isp = payload.Connection.Org
			}
			return &Record{
				IP:          payload.IP,
				CountryCode: payload.CountryCode,
				Country:     payload.Country,
				Region:      payload.Region,
				City:        payload.City,
				ISP:         isp,
			}, nil
		},
	}
}

// NewIPInfoSource queries ipinfo.io. token is optional and lifts the
// anonymous quota.
func NewIPInfoSource(client *http.Client, base, token string) Source {
	base = baseOr(base, "https://ipinfo.io")
	token = strings.TrimSpace(token)
	return &httpSource{
		name:   "ipinfo",
		limit:  50,
		window: time.Minute,
		client: defaultHTTPClient(client),
		endpoint: func(ip string) string {
			u := base + "/" + url.PathEscape(ip) + "/json"
			if token != "" {
				u += "?token=" + url.QueryEscape(token)
			}
			return u
		},
		decode: func(raw []byte) (*Record, error) {
			var payload struct {
				IP      string `json:"ip"`
				City    string `json:"city"`
				Region  string `json:"region"`
				Country string `json:"country"`
				Org     string `json:"org"`
				Bogon   bool   `json:"bogon"`
				Error   *struct {
					Title string `json:"title"`
				} `json:"error"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			if payload.Error != nil {
				return nil, fmt.Errorf("lookup failed: %s", payload.Error.Title)
			}
			if payload.Bogon {
				return nil, fmt.Errorf("bogon address")
			}
			return &Record{
				IP:          payload.IP,
				CountryCode: payload.Country,
				Region:      payload.Region,
				City:        payload.City,
				ISP:         stripASN(payload.Org),
			}, nil
		},
	}
}

func NewIPAPIIsSource(client *http.Client, base string) Source {
	base = baseOr(base, "https://api.ipapi.is")
	return &httpSource{
		name:   "ipapi.is",
		limit:  30,
		window: time.Minute,
		client: defaultHTTPClient(client),
		endpoint: func(ip string) string {
			return base + "/?q=" + url.QueryEscape(ip)
		},
		decode: func(raw []byte) (*Record, error) {
			var payload struct {
				IP       string `json:"ip"`
				Error    string `json:"error"`
				Location struct {
					Country     string `json:"country"`
					CountryCode string `json:"country_code"`
					State       string `json:"state"`
					City        string `json:"city"`
				} `json:"location"`
				Company struct {
					Name string `json:"name"`
				} `json:"company"`
				ASN struct {
					Org string `json:"org"`
				} `json:"asn"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			if payload.Error != "" {
				return nil, fmt.Errorf("lookup failed: %s", payload.Error)
			}
			isp := payload.Company.Name
			if isp == "" {
				isp = payload.ASN.Org
			}
			return &Record{
				IP:          payload.IP,
				CountryCode: payload.Location.CountryCode,
				Country:     payload.Location.Country,
				Region:      payload.Location.State,
				City:        payload.Location.City,
				ISP:         isp,
			}, nil
		},
	}
}

// stripASN turns "AS13335 Cloudflare, Inc." into "Cloudflare, Inc.".
func stripASN(org string) string {
	org = strings.TrimSpace(org)
	if strings.HasPrefix(org, "AS") {
		if _, rest, ok := strings.Cut(org, " "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return org
}

// DefaultSources returns the public HTTP sources in their usual order.
func DefaultSources(client *http.Client, ipinfoToken string) []Source {
	return []Source{
		NewIPAPISource(client, ""),
		NewIPWhoIsSource(client, ""),
		NewIPInfoSource(client, "", ipinfoToken),
		NewIPAPIIsSource(client, ""),
	}
}
