// Package tls loads the certificates served by the broker's HTTPS ingress
// and control listener when tls.mode is manual.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// LoadManualCerts loads a certificate and key pair from disk and returns a
// server configuration for them.
func LoadManualCerts(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("cert_path and key_path are required for manual TLS mode")
	}

	if _, err := os.Stat(certPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("certificate file not found: %s", certPath)
	}

	if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key file not found: %s", keyPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if cert.Leaf != nil && time.Now().After(cert.Leaf.NotAfter) {
		return nil, fmt.Errorf("certificate %s expired on %s", certPath, cert.Leaf.NotAfter.Format(time.DateOnly))
	}

	// websocket upgrades need HTTP/1.1
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
