// Package certs builds the TLS client used to reach the central service.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Files names the PEM files for the central uplink. Cert and Key enable
// mutual TLS and must be set together; CA replaces the system roots.
type Files struct {
	Cert string
	Key  string
	CA   string
}

// Empty reports whether no TLS material is configured.
func (f Files) Empty() bool {
	return f.Cert == "" && f.Key == "" && f.CA == ""
}

// LoadClientTLSConfig builds a client TLS configuration for serverURL. The
// server name is taken from the URL host.
func LoadClientTLSConfig(files Files, serverURL string) (*tls.Config, error) {
	if (files.Cert == "") != (files.Key == "") {
		return nil, errors.New("client certificate and key must be provided together")
	}
	if serverURL == "" {
		return nil, errors.New("server URL must be provided")
	}
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return nil, errors.New("server URL missing hostname")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: parsed.Hostname(),
	}

	if files.Cert != "" {
		certificate, err := tls.LoadX509KeyPair(files.Cert, files.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if files.CA != "" {
		data, err := os.ReadFile(files.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, errors.New("invalid CA bundle")
		}
		tlsConfig.RootCAs = roots
	}
	return tlsConfig, nil
}

// NewHTTPClient returns an HTTP client for serverURL. With no files
// configured it uses the default transport.
func NewHTTPClient(files Files, serverURL string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if files.Empty() {
		return client, nil
	}
	tlsConfig, err := LoadClientTLSConfig(files, serverURL)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	client.Transport = transport
	return client, nil
}
