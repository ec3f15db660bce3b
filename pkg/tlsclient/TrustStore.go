package tlsclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pkcs12"
)

// LoadTrustedCerts reads the certificates of a trust store file.
// Files with a .p12 or .pfx extension are decoded as PKCS#12 using the passphrase,
// everything else is read as a PEM bundle.
func LoadTrustedCerts(trustFile string, passphrase string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(trustFile)
	if err != nil {
		return nil, err
	}
	var blocks []*pem.Block
	ext := strings.ToLower(filepath.Ext(trustFile))
	if ext == ".p12" || ext == ".pfx" {
		blocks, err = pkcs12.ToPEM(raw, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unable to open PKCS#12 trust store: %w", err)
		}
	} else {
		for rest := raw; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
	}

	certs := make([]*x509.Certificate, 0)
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates in trust store")
	}
	return certs, nil
}

// NewTrustConfig returns a TLS configuration that trusts the system roots plus the
// certificates of the trust store file.
func NewTrustConfig(trustFile string, passphrase string) (*tls.Config, error) {
	certs, err := LoadTrustedCerts(trustFile, passphrase)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		logrus.Warningf("NewTrustConfig: system trust store not available: %v", err)
		pool = x509.NewCertPool()
	}
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
