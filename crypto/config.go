package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// Functions

// NewListenerTLSConfig returns the TLS config used when the proxy
// itself listens with TLS. Key and certificate are required; a CA
// bundle is optional and is loaded into a fresh RootCAs pool. A
// listening server does not consult RootCAs: the bundle is neither sent
// to connecting clients nor used to verify client certificates.
func NewListenerTLSConfig(certPath string, keyPath string, caPath string) (*tls.Config, error) {

	config := &tls.Config{
		Certificates: make([]tls.Certificate, 1),
		MinVersion:   tls.VersionTLS12,
	}

	var err error
	config.Certificates[0], err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS cert and key")
	}

	if caPath != "" {

		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA bundle")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in CA bundle %s", caPath)
		}
		config.RootCAs = pool
	}

	return config, nil
}
