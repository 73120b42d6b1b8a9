// Package relay — optional direct-TLS listener support.
//
// The relay's primary identity story is the Ed25519 signature scheme in
// pkg/identity (see §4.12); this file only covers the case where the relay
// is deployed without a TLS-terminating reverse proxy in front of it and
// needs to load a server certificate/key pair directly.
package relay

import (
	"crypto/tls"
	"fmt"
)

// TLSConfig configures an optional direct-TLS listener for the relay.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// LoadServerTLSConfig loads a server certificate/key pair into a
// *tls.Config suitable for tls.Listen. Returns an error if either file is
// missing or malformed.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
