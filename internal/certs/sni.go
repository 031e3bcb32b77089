package certs

import (
	"context"
	"crypto/tls"

	"github.com/koltyakov/steer/internal/netutil"
)

// Authorizer reports whether a host has at least one mapping and therefore
// may be presented to the ACME CA.
type Authorizer interface {
	DomainExists(ctx context.Context, host string) (bool, error)
}

// TLSConfig builds the listener TLS configuration: the default localhost
// certificate as the static fallback plus a per-handshake SNI callback that
// ensures material for the offered server name. Unauthorized hosts complete
// the handshake with self-signed material and never reach the CA.
func (m *Manager) TLSConfig(auth Authorizer) (*tls.Config, error) {
	def, err := m.Default()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{def},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := netutil.NormalizeHost(hello.ServerName)
			if host == "" {
				return &def, nil
			}

			ctx := hello.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			authorized := false
			if ok, err := auth.DomainExists(ctx, host); err != nil {
				m.log.Warn("sni authorization lookup failed", "host", host, "err", err)
			} else {
				authorized = ok
			}

			cert, err := m.Ensure(ctx, host, authorized)
			if err != nil {
				m.log.Error("tls handshake certificate failed", "host", host, "err", err)
				return nil, err
			}
			return &cert, nil
		},
	}, nil
}
