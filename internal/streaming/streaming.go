// Package streaming checks whether streaming catalogues answer through the tunnel.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	Netflix     = "netflix"
	DisneyPlus  = "disney_plus"
	Hulu        = "hulu"
	BBCIPlayer  = "bbc_iplayer"
	AmazonPrime = "amazon_prime"
	HBOMax      = "hbo_max"

	DefaultTimeout = 10 * time.Second
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// DefaultEndpoints maps each service to a page that is only served in
// licensed regions.
var DefaultEndpoints = map[string]string{
	Netflix:     "https://www.netflix.com/title/80018499",
	DisneyPlus:  "https://www.disneyplus.com/",
	Hulu:        "https://www.hulu.com/welcome",
	BBCIPlayer:  "https://www.bbc.co.uk/iplayer",
	AmazonPrime: "https://www.primevideo.com/",
	HBOMax:      "https://www.max.com/",
}

// DefaultServices is checked when a job does not name any.
var DefaultServices = []string{Netflix, DisneyPlus, BBCIPlayer}

var (
	blockedLocationHints = []string{"unavailable", "not-available", "notavailable", "blocked", "geo"}
	regionPathPattern    = regexp.MustCompile(`^/([a-z]{2})(?:-[a-z]{2})?/`)
)

type Checker interface {
	Check(ctx context.Context, services []string) []types.StreamingResult
}

type Option func(*HTTPChecker)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPChecker) {
		if c != nil {
			h.client = c
		}
	}
}

// WithEndpoints replaces the service URL table.
func WithEndpoints(endpoints map[string]string) Option {
	return func(h *HTTPChecker) {
		if len(endpoints) > 0 {
			h.endpoints = endpoints
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(h *HTTPChecker) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// HTTPChecker requests each service page without following redirects.
type HTTPChecker struct {
	client    *http.Client
	endpoints map[string]string
	timeout   time.Duration
	now       func() time.Time
}

func NewHTTPChecker(opts ...Option) *HTTPChecker {
	h := &HTTPChecker{
		client:    &http.Client{},
		endpoints: DefaultEndpoints,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	// copy so the caller's client keeps following redirects
	noRedirect := *h.client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	h.client = &noRedirect
	return h
}

func (h *HTTPChecker) Check(ctx context.Context, services []string) []types.StreamingResult {
	if len(services) == 0 {
		services = DefaultServices
	}
	results := make([]types.StreamingResult, 0, len(services))
	for _, svc := range services {
		results = append(results, h.checkOne(ctx, svc))
	}
	return results
}

func (h *HTTPChecker) checkOne(ctx context.Context, service string) types.StreamingResult {
	result := types.StreamingResult{Service: service}
	url, ok := h.endpoints[service]
	if !ok {
		result.Status = types.StatusSkipped
		result.Error = "unknown service"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Status = types.StatusFailure
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", userAgent)

	start := h.now()
	resp, err := h.client.Do(req)
	elapsed := milliseconds(h.now().Sub(start))
	result.ResponseTimeMs = &elapsed
	if err != nil {
		result.Status = types.StatusFailure
		if errors.Is(err, context.DeadlineExceeded) {
			result.Status = types.StatusTimeout
		}
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	location := resp.Header.Get("Location")
	result.DetectedRegion = detectRegion(location)
	switch {
	case resp.StatusCode == http.StatusOK:
		result.Status = types.StatusSuccess
		result.Accessible = true
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusUnavailableForLegalReasons:
		result.Status = types.StatusBlocked
		result.Error = fmt.Sprintf("status %d", resp.StatusCode)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// only a redirect to an unavailable/blocked page counts as geo-blocking
		if hint := blockedHint(location); hint != "" {
			result.Status = types.StatusBlocked
			result.Error = "redirected to " + hint + " page"
		} else {
			result.Status = types.StatusFailure
			result.Error = fmt.Sprintf("redirected to %s", location)
		}
	default:
		result.Status = types.StatusFailure
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

func blockedHint(location string) string {
	lower := strings.ToLower(location)
	for _, hint := range blockedLocationHints {
		if strings.Contains(lower, hint) {
			return hint
		}
	}
	return ""
}

// detectRegion reads a country prefix such as /jp/ or /gb-en/ from a redirect.
func detectRegion(location string) string {
	if location == "" {
		return ""
	}
	path := location
	if i := strings.Index(location, "://"); i >= 0 {
		rest := location[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path = rest[j:]
		} else {
			return ""
		}
	}
	if m := regionPathPattern.FindStringSubmatch(strings.ToLower(path)); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

func milliseconds(d time.Duration) float64 {
	ms, err := stats.Round(float64(d.Microseconds())/1000, 2)
	if err != nil {
		return 0
	}
	return ms
}
