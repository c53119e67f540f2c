package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// ClientCertExpiry returns the earliest NotAfter across the certificates in
// the PEM file at certPath, so an expiring intermediate in a chain counts.
func ClientCertExpiry(certPath string) (time.Time, error) {
	if certPath == "" {
		return time.Time{}, errors.New("certificate path is empty")
	}
	data, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}

	var earliest time.Time
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse certificate: %w", err)
		}
		if earliest.IsZero() || cert.NotAfter.Before(earliest) {
			earliest = cert.NotAfter
		}
	}
	if earliest.IsZero() {
		return time.Time{}, errors.New("decode certificate: no PEM certificate found")
	}
	return earliest, nil
}
