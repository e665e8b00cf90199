package tlsutil

import (
	"crypto/tls"
	"crypto/x509"

	"cirrus-device/internal/ioterr"
)

// ClientConfig builds the TLS client configuration used for every broker and
// service connection: TLS 1.2 floor, server certificate verification with
// hostname checking, an optional custom CA in place of the system trust
// store, and an optional client certificate for mutual TLS.
func ClientConfig(caPEM string, clientCert *tls.Certificate) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, ioterr.New(ioterr.KindInvalidArgument, "failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if clientCert != nil {
		cfg.Certificates = []tls.Certificate{*clientCert}
	}
	return cfg, nil
}
