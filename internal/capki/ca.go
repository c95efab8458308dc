// Package capki implements the certificate authority store and the
// on-demand leaf certificate minter used to MITM TLS connections.
package capki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ErrCAUnavailable is returned when no root CA keypair could be loaded
// or created. Callers must fall back to passthrough for every port-443
// flow when they see this error (spec's CAUnavailable error kind).
var ErrCAUnavailable = errors.New("capki: CA unavailable")

// CA is the immutable root certificate authority used to sign leaf
// certificates. Once loaded it never mutates; mint operations snapshot
// its fields without locking.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
}

// LoadOrCreate loads a root CA keypair from dir (the stand-in for "the
// platform trust store" — on a host integration this would be a
// keychain/NSS lookup by label), generating and persisting one on
// first run. Returns ErrCAUnavailable wrapping the underlying cause if
// neither load nor create succeeds.
func LoadOrCreate(dir string) (*CA, error) {
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	if ca, err := load(certPath, keyPath); err == nil {
		return ca, nil
	}

	ca, err := create()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAUnavailable, err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating cert directory: %v", ErrCAUnavailable, err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("%w: writing CA cert: %v", ErrCAUnavailable, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.key)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("%w: writing CA key: %v", ErrCAUnavailable, err)
	}

	return ca, nil
}

func load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("decoding CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding CA private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	return &CA{cert: cert, key: key, certPEM: certPEM}, nil
}

func create() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Interceptor Root CA",
			Organization: []string{"Interceptor"},
		},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing generated CA: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return &CA{cert: cert, key: key, certPEM: certPEM}, nil
}

// randomSerial returns a cryptographically random 128-bit positive
// serial number with the most significant bit cleared, the same rule
// used for leaf certificates, reused here for the CA.
func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	serial.SetBit(serial, 127, 0)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

// CertPEM returns the CA certificate in PEM form, for distribution to
// clients that need to trust it.
func (ca *CA) CertPEM() []byte { return ca.certPEM }

// Certificate returns the parsed CA certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.cert }

// RawDER returns the CA certificate's raw DER bytes — the input the
// issuer-DN structural walk operates on.
func (ca *CA) RawDER() []byte { return ca.cert.Raw }

// Key returns the CA's RSA private key, used to sign minted leaves.
func (ca *CA) Key() *rsa.PrivateKey { return ca.key }
