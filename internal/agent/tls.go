package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// buildTLSConfig creates the TLS client configuration used to dial the
// relay's control channel: the system root set plus an optional bundled
// operator CA chain (spec section 4.7).
func buildTLSConfig(caBundlePath string) (*tls.Config, error) {
	if caBundlePath == "" {
		return &tls.Config{}, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	pem, err := os.ReadFile(caBundlePath)
	if err != nil {
		return nil, fmt.Errorf("reading operator CA bundle: %w", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from operator CA bundle %s", caBundlePath)
	}

	return &tls.Config{RootCAs: pool}, nil
}
