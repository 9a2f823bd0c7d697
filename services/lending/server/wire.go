package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"lendingcore/services/lendingd/config"
)

// TLSConfig builds the listener TLS settings. A nil config with a nil error
// means plaintext was explicitly allowed.
func TLSConfig(cfg config.TLSConfig, allowedCNs []string) (*tls.Config, error) {
	certPath := strings.TrimSpace(cfg.CertPath)
	keyPath := strings.TrimSpace(cfg.KeyPath)
	clientCAPath := strings.TrimSpace(cfg.ClientCAPath)
	requireClientCert := len(allowedCNs) > 0

	if certPath == "" || keyPath == "" {
		if requireClientCert {
			return nil, fmt.Errorf("mtls requires server certificate, key, and client ca configuration")
		}
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
	}

	switch {
	case requireClientCert && tlsCfg.ClientCAs == nil:
		return nil, fmt.Errorf("client ca bundle required for mtls")
	case tlsCfg.ClientCAs != nil:
		// Token and JWT callers may still connect without a certificate;
		// the authenticator decides whether the presented CN is allowed.
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}

// NewHTTPServer wraps handler with the daemon's timeouts. Handlers bound their
// own work with a context deadline; the connection has no write deadline so the
// price stream can stay open.
func NewHTTPServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
