// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls loads listener certificates for the device broker and reports
// on their validity.
package tls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"k8s.io/utils/clock"
)

// DefaultAddress is the conventional MQTT over TLS port.
const DefaultAddress = ":8883"

// TLSVerifyMode defines TLS certificate verification mode
type TLSVerifyMode string

const (
	// VerifyNone - No certificate verification
	VerifyNone TLSVerifyMode = "none"
	// VerifyPeer - Verify peer certificate
	VerifyPeer TLSVerifyMode = "verify_peer"
	// VerifyPeerFailIfNoCert - Verify peer certificate and fail if not provided
	VerifyPeerFailIfNoCert TLSVerifyMode = "verify_peer_fail_if_no_peer_cert"
)

// ErrNoCertificate is returned when a PEM file holds no certificate block.
var ErrNoCertificate = errors.New("tls: no certificate in PEM data")

// Config configures a TLS listener from PEM files.
type Config struct {
	Enabled    bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Address    string        `yaml:"address" json:"address" env:"ADDRESS"`
	CertFile   string        `yaml:"certfile" json:"certfile" env:"CERT_FILE"`
	KeyFile    string        `yaml:"keyfile" json:"keyfile" env:"KEY_FILE"`
	CACertFile string        `yaml:"cacertfile" json:"cacertfile" env:"CA_CERT_FILE"`
	Verify     TLSVerifyMode `yaml:"verify" json:"verify" env:"VERIFY"`
}

// ListenAddress returns Address or DefaultAddress.
func (c Config) ListenAddress() string {
	if c.Address == "" {
		return DefaultAddress
	}
	return c.Address
}

// Validate checks that an enabled config names its files and a known mode.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls: certfile and keyfile are required")
	}
	switch c.Verify {
	case "", VerifyNone:
	case VerifyPeer, VerifyPeerFailIfNoCert:
		if c.CACertFile == "" {
			return fmt.Errorf("tls: verify mode %s requires cacertfile", c.Verify)
		}
	default:
		return fmt.Errorf("tls: unknown verify mode %q", c.Verify)
	}
	return nil
}

// ServerConfig builds a listener *tls.Config from the PEM files.
func ServerConfig(c Config) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	switch c.Verify {
	case VerifyPeer:
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	case VerifyPeerFailIfNoCert:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	if tlsConfig.ClientAuth != tls.NoClientCert {
		caPEM, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// CertificateInfo contains parsed certificate information
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	IPAddresses  []string  `json:"ip_addresses,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
}

// ParseCertificate parses the first certificate in certPEM.
func ParseCertificate(certPEM []byte) (CertificateInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return CertificateInfo{}, ErrNoCertificate
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return CertificateInfo{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	fingerprint := sha256.Sum256(cert.Raw)
	info := CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info, nil
}

// ExpiryCheck returns a health check that fails once the certificate in
// certFile is outside its validity window or expires within the margin.
func ExpiryCheck(certFile string, within time.Duration, c clock.PassiveClock) func(context.Context) error {
	return func(context.Context) error {
		data, err := os.ReadFile(certFile)
		if err != nil {
			return err
		}
		info, err := ParseCertificate(data)
		if err != nil {
			return err
		}
		now := c.Now()
		if now.Before(info.NotBefore) {
			return errors.New("certificate is not yet valid")
		}
		if now.After(info.NotAfter) {
			return errors.New("certificate has expired")
		}
		if info.NotAfter.Sub(now) <= within {
			return fmt.Errorf("certificate expires at %s", info.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}
