package capki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/module/interceptor/internal/der"
)

const (
	leafKeyBits     = 2048
	leafValidBefore = -2 * 24 * time.Hour
	leafValidAfter  = 365 * 24 * time.Hour

	oidSHA256WithRSA  = "1.2.840.113549.1.1.11"
	oidRSAEncryption  = "1.2.840.113549.1.1.1"
	oidCommonName     = "2.5.4.3"
	oidBasicConstr    = "2.5.29.19"
	oidKeyUsage       = "2.5.29.15"
	oidExtKeyUsage    = "2.5.29.37"
	oidSubjectAltName = "2.5.29.17"
	oidServerAuth     = "1.3.6.1.5.5.7.3.1"
)

// Identity is a minted leaf certificate and its private key, packaged
// the way crypto/tls wants it for use as a GetCertificate result.
type Identity struct {
	Leaf *tls.Certificate
	DER  []byte
}

// Mint builds a fresh RSA-2048 leaf certificate for hostname, signed by
// ca, with a fixed TBSCertificate shape: v3, 128-bit positive random
// serial, sha256WithRSAEncryption,
// issuer extracted from the CA's own DER, validity (now-2d, now+365d),
// subject CN=hostname, SAN dNSName or iPAddress depending on whether
// hostname parses as a literal IP.
func Mint(ca *CA, hostname string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("capki: generating leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("capki: generating leaf serial: %w", err)
	}

	issuer, err := IssuerDN(ca.RawDER())
	if err != nil {
		return nil, fmt.Errorf("capki: extracting issuer DN: %w", err)
	}

	now := time.Now()
	tbs := buildTBSCertificate(serial, issuer, hostname, now.Add(leafValidBefore), now.Add(leafValidAfter), &key.PublicKey)

	hashed := sha256.Sum256(tbs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, ca.Key(), crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("capki: signing leaf certificate: %w", err)
	}

	certDER := der.Sequence(
		tbs,
		signatureAlgorithmSHA256WithRSA(),
		der.BitString(sig),
	)

	leaf := &tls.Certificate{
		Certificate: [][]byte{certDER, ca.RawDER()},
		PrivateKey:  key,
	}
	return &Identity{Leaf: leaf, DER: certDER}, nil
}

// buildTBSCertificate assembles the to-be-signed portion exactly in the
// field order RFC 5280 requires.
func buildTBSCertificate(serial *big.Int, issuer []byte, hostname string, notBefore, notAfter time.Time, pub *rsa.PublicKey) []byte {
	version := der.ExplicitTag(0, der.IntegerFromInt64(2)) // v3
	serialField := der.Integer(serial)
	sigAlg := signatureAlgorithmSHA256WithRSA()
	subject := commonNameRDN(hostname)
	validity := der.Sequence(der.Time(notBefore), der.Time(notAfter))
	spki := subjectPublicKeyInfo(pub)
	extensions := der.ExplicitTag(3, der.Sequence(
		basicConstraintsExtension(),
		keyUsageExtension(),
		extKeyUsageExtension(),
		subjectAltNameExtension(hostname),
	))

	return der.Sequence(
		version,
		serialField,
		sigAlg,
		issuer,
		validity,
		subject,
		spki,
		extensions,
	)
}

func signatureAlgorithmSHA256WithRSA() []byte {
	return der.Sequence(der.OID(oidSHA256WithRSA), der.Null())
}

// commonNameRDN builds a subject Name ::= SEQUENCE of one RDN SET
// containing a single AttributeTypeAndValue {commonName, hostname}.
func commonNameRDN(hostname string) []byte {
	atv := der.Sequence(der.OID(oidCommonName), der.UTF8String(hostname))
	return der.Sequence(der.Set(atv))
}

// subjectPublicKeyInfo wraps an RSA public key per RFC 5280's
// SubjectPublicKeyInfo, reusing encoding/asn1 only for the inner
// RSAPublicKey SEQUENCE (modulus, exponent) — a pure value encoding
// with no certificate-shape decisions, unlike the TBSCertificate
// itself which this package controls by hand.
func subjectPublicKeyInfo(pub *rsa.PublicKey) []byte {
	type rsaPublicKeyASN1 struct {
		N *big.Int
		E int
	}
	rsaPub, _ := asn1.Marshal(rsaPublicKeyASN1{N: pub.N, E: pub.E})
	alg := der.Sequence(der.OID(oidRSAEncryption), der.Null())
	return der.Sequence(alg, der.BitString(rsaPub))
}

func basicConstraintsExtension() []byte {
	value := der.Sequence() // cA defaults to FALSE; empty SEQUENCE is valid
	return extension(oidBasicConstr, true, value)
}

func keyUsageExtension() []byte {
	// digitalSignature (bit 0) | keyEncipherment (bit 2)
	const digitalSignature = 1 << 31
	const keyEncipherment = 1 << 29
	value := der.BitStringFromBits(digitalSignature|keyEncipherment, 3)
	return extension(oidKeyUsage, true, value)
}

func extKeyUsageExtension() []byte {
	value := der.Sequence(der.OID(oidServerAuth))
	return extension(oidExtKeyUsage, false, value)
}

func subjectAltNameExtension(hostname string) []byte {
	var generalName []byte
	if ip := net.ParseIP(hostname); ip != nil {
		b := ip.To4()
		if b == nil {
			b = ip.To16()
		}
		generalName = der.ImplicitTag(7, false, b) // iPAddress [7] IMPLICIT OCTET STRING
	} else {
		generalName = der.ImplicitTag(2, false, []byte(hostname)) // dNSName [2] IMPLICIT IA5String
	}
	value := der.Sequence(generalName)
	return extension(oidSubjectAltName, false, value)
}

// extension wraps an extension value in its OCTET STRING envelope and
// builds the Extension SEQUENCE {extnID, critical DEFAULT FALSE, extnValue}.
func extension(oid string, critical bool, value []byte) []byte {
	parts := [][]byte{der.OID(oid)}
	if critical {
		parts = append(parts, der.Boolean(true))
	}
	parts = append(parts, der.OctetString(value))
	return der.Sequence(parts...)
}
