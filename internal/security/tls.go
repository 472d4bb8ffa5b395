package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig names the files the agent serves TLS from. CAFile is only
// needed when client certificates are checked.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientAuth bool
}

// Enabled reports whether a certificate was configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// LoadServerTLSConfig builds a TLS 1.3 server config, optionally verifying
// client certificates against CAFile.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if err := VerifyTLSFiles(cfg); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.NoClientCert,
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if cfg.RequireClientAuth {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// VerifyTLSFiles checks that the configured files exist. The CA file is
// required only when client certificates are required.
func VerifyTLSFiles(cfg TLSConfig) error {
	files := []string{cfg.CertFile, cfg.KeyFile}
	if cfg.RequireClientAuth || cfg.CAFile != "" {
		files = append(files, cfg.CAFile)
	}
	for _, file := range files {
		if file == "" {
			return errors.New("TLS file path must not be empty")
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("TLS file not found: %s: %w", file, err)
		}
	}
	return nil
}
