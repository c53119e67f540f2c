package connector

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	UnknownIP            = "unknown"
	DefaultIPLookupURL   = "https://api.ipify.org"
	DefaultLookupTimeout = 10 * time.Second
)

// IPLookup reports the public egress address, or UnknownIP.
type IPLookup interface {
	Lookup(ctx context.Context) string
}

// LookupFunc adapts a function to IPLookup.
type LookupFunc func(ctx context.Context) string

func (f LookupFunc) Lookup(ctx context.Context) string { return f(ctx) }

// HTTPLookup asks a plain-text "what is my IP" endpoint.
type HTTPLookup struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

func NewHTTPLookup(client *http.Client, url string, timeout time.Duration) *HTTPLookup {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = DefaultIPLookupURL
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &HTTPLookup{client: client, url: url, timeout: timeout}
}

func (l *HTTPLookup) Lookup(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return UnknownIP
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return UnknownIP
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UnknownIP
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return UnknownIP
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return UnknownIP
	}
	return ip.String()
}
