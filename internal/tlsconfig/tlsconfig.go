// Package tlsconfig loads the certificate material a TLS-enabled listener
// names in its configuration.
package tlsconfig

import (
	"crypto/tls"
	"fmt"

	"tunnelize/internal/config"
)

// Load builds a server-side tls.Config from cfg, or returns (nil, nil) if
// cfg does not enable TLS.
func Load(cfg config.Encryption) (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertPath, cfg.TLS.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load %s/%s: %w", cfg.TLS.CertPath, cfg.TLS.KeyPath, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
