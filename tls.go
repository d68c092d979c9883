package idmefv2transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig builds a client or server TLS configuration from the options' PEM
// files. It returns nil when no TLS material is configured.
func (o Options) TLSConfig() (*tls.Config, error) {
	if o.CAFile == "" && o.CertFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading ca_file: %w", ErrConfiguration, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates found in %s", ErrConfiguration, o.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	if o.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading key pair: %w", ErrConfiguration, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
