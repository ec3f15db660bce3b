package certsetup

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// CreateECDSAKeys creates a P-256 key pair
// Returns a private key that contains its associated public key
func CreateECDSAKeys() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// LoadPrivateKeyFromPEM loads an ECDSA private key
//  path is the path to the PEM file
func LoadPrivateKeyFromPEM(path string) (*ecdsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return PrivateKeyFromPEM(string(pemData))
}

// PrivateKeyFromPEM converts a PKCS#8 PEM encoded private key into an ECDSA key object
// See also PrivateKeyToPEM for the opposite.
func PrivateKeyFromPEM(pemEncodedPriv string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemEncodedPriv))
	if block == nil {
		return nil, errors.New("not a valid PEM string")
	}
	rawPrivateKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := rawPrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("PrivateKeyFromPEM: PEM is not a ECDSA key")
	}
	return privateKey, nil
}

// PrivateKeyToPEM converts a private key into its PKCS#8 PEM encoded ascii format
func PrivateKeyToPEM(privateKey *ecdsa.PrivateKey) (string, error) {
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509Encoded})
	return string(pemEncoded), nil
}

// SavePrivateKeyToPEM saves a private key to PEM file with 0600 permissions
func SavePrivateKeyToPEM(privKey *ecdsa.PrivateKey, path string) error {
	pemData, err := PrivateKeyToPEM(privKey)
	if err == nil {
		err = os.WriteFile(path, []byte(pemData), 0600)
	}
	return err
}
