// Package certsetup with creation of the self signed certificate chain of the callback receiver
// using ECDSA signing
package certsetup

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path"
	"time"

	"github.com/sirupsen/logrus"
)

const caDefaultValidityDuration = time.Hour * 24 * 364 * 10 // 10 years

// DefaultCertDuration of the server certificate
const DefaultCertDuration = time.Hour * 24 * 365

// Certificate filenames in the certificate folder, all stored in PEM format
const (
	CaCertFile     = "caCert.pem" // CA that signed the server certificate
	CaKeyFile      = "caKey.pem"
	ServerCertFile = "callbackCert.pem"
	ServerKeyFile  = "callbackKey.pem"
)

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
}

// readPair returns the content of both files, or nil if either is missing
func readPair(certPath string, keyPath string) (certPEM []byte, keyPEM []byte) {
	certPEM, err1 := os.ReadFile(certPath)
	keyPEM, err2 := os.ReadFile(keyPath)
	if err1 != nil || err2 != nil {
		return nil, nil
	}
	return certPEM, keyPEM
}

// CreateCertificateBundle creates the CA and callback server certificates in the given folder.
// This only creates missing certificates. The folder is created if it doesn't exist.
//  hostnames to include in the server certificate. The loopback addresses are always included.
//  certFolder to store the certificates
func CreateCertificateBundle(hostnames []string, certFolder string) error {
	if err := os.MkdirAll(certFolder, 0700); err != nil {
		return err
	}
	caCertPath := path.Join(certFolder, CaCertFile)
	caKeyPath := path.Join(certFolder, CaKeyFile)
	caCertPEM, caKeyPEM := readPair(caCertPath, caKeyPath)
	if caCertPEM == nil {
		var err error
		caCertPEM, caKeyPEM, err = CreateCA()
		if err != nil {
			return err
		}
		if err = os.WriteFile(caKeyPath, caKeyPEM, 0600); err != nil {
			logrus.Errorf("CreateCertificateBundle: failed writing the CA key: %s", err)
			return err
		}
		if err = os.WriteFile(caCertPath, caCertPEM, 0644); err != nil {
			return err
		}
	}

	serverCertPath := path.Join(certFolder, ServerCertFile)
	serverKeyPath := path.Join(certFolder, ServerKeyFile)
	if certPEM, _ := readPair(serverCertPath, serverKeyPath); certPEM != nil {
		return nil
	}
	serverKey, err := CreateECDSAKeys()
	if err != nil {
		return err
	}
	serverCertPEM, err := CreateServerCert(hostnames, &serverKey.PublicKey, caCertPEM, caKeyPEM)
	if err != nil {
		logrus.Errorf("CreateCertificateBundle: server certificate failed: %s", err)
		return err
	}
	if err = SavePrivateKeyToPEM(serverKey, serverKeyPath); err != nil {
		return err
	}
	return os.WriteFile(serverCertPath, serverCertPEM, 0644)
}

// LoadServerCertificate loads the callback server certificate and key from the folder
func LoadServerCertificate(certFolder string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(path.Join(certFolder, ServerCertFile), path.Join(certFolder, ServerKeyFile))
	if err != nil {
		return nil, fmt.Errorf("unable to load callback server certificate from '%s': %w", certFolder, err)
	}
	return &cert, nil
}

// CreateCA creates a self signed CA certificate and private key for signing the server certificate
// Source: https://shaneutt.com/blog/golang-ca-and-signed-cert-go/
func CreateCA() (certPEM []byte, keyPEM []byte, err error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}
	rootTemplate := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"SSAP Bridge"},
			CommonName:   "SSAP Bridge CA",
		},
		NotBefore: time.Now().Add(-10 * time.Second),
		NotAfter:  time.Now().Add(caDefaultValidityDuration),
		// CA cert can be used to sign certificate and revocation lists
		KeyUsage:    x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		// This is the only CA. Don't allow intermediate CAs
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	privKey, err := CreateECDSAKeys()
	if err != nil {
		return nil, nil, err
	}
	caCertDer, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &privKey.PublicKey, privKey)
	if err != nil {
		logrus.Errorf("CreateCA: Unable to create CA cert: %s", err)
		return nil, nil, err
	}
	privKeyPEM, err := PrivateKeyToPEM(privKey)
	return CertDerToPEM(caCertDer), []byte(privKeyPEM), err
}

// CreateServerCert creates the callback server certificate signed by the CA
//  hostnames contains DNS names or IP addresses to add to the certificate. Loopback is always added
//  serverPubKey is the server public key
//  caCertPEM and caKeyPEM of the CA that signs the certificate
// returns the signed server certificate in PEM format
func CreateServerCert(hostnames []string, serverPubKey *ecdsa.PublicKey, caCertPEM []byte, caKeyPEM []byte) (certPEM []byte, err error) {
	caPrivKey, err := PrivateKeyFromPEM(string(caKeyPEM))
	if err != nil {
		return nil, err
	}
	caCert, err := CertFromPEM(caCertPEM)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"SSAP Bridge"},
			CommonName:   "SSAP Bridge callback",
		},
		NotBefore: time.Now().Add(-10 * time.Second),
		NotAfter:  time.Now().Add(DefaultCertDuration),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:        false,
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:    []string{"localhost"},
	}
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	certDer, err := x509.CreateCertificate(rand.Reader, template, caCert, serverPubKey, caPrivKey)
	if err != nil {
		return nil, err
	}
	return CertDerToPEM(certDer), nil
}

// CertDerToPEM converts certificate DER encoding to PEM
//  derBytes is the output of x509.CreateCertificate
func CertDerToPEM(derCertBytes []byte) []byte {
	certPEMBuffer := new(bytes.Buffer)
	_ = pem.Encode(certPEMBuffer, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derCertBytes,
	})
	return certPEMBuffer.Bytes()
}

// CertFromPEM converts a PEM certificate to x509 instance
func CertFromPEM(certPEM []byte) (*x509.Certificate, error) {
	caCertBlock, _ := pem.Decode(certPEM)
	if caCertBlock == nil {
		return nil, errors.New("CertFromPEM pem.Decode failed")
	}
	return x509.ParseCertificate(caCertBlock.Bytes)
}
