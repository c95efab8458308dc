package capki

import (
	"fmt"

	"github.com/module/interceptor/internal/der"
)

// IssuerDN walks the CA certificate's raw DER bytes at fixed structural
// offsets to extract the issuer Name field verbatim — Certificate
// SEQUENCE -> TBSCertificate SEQUENCE -> optional [0] version -> serial
// INTEGER -> signature AlgorithmIdentifier SEQUENCE -> issuer SEQUENCE.
// For a self-signed root this equals the subject DN, which is exactly
// what a minted leaf's issuer field must contain. The returned bytes
// are the full issuer TLV (tag + length + content), ready to splice
// into a leaf's TBSCertificate.
func IssuerDN(caDER []byte) ([]byte, error) {
	// Outer Certificate SEQUENCE.
	_, _, certStart, err := der.ReadTagLength(caDER)
	if err != nil {
		return nil, fmt.Errorf("capki: reading certificate header: %w", err)
	}

	// TBSCertificate SEQUENCE, the first element inside Certificate.
	tbsTag, tbsLen, tbsContentStart, err := der.ReadTagLength(caDER[certStart:])
	if err != nil {
		return nil, fmt.Errorf("capki: reading tbsCertificate header: %w", err)
	}
	if tbsTag != der.TagSequence {
		return nil, fmt.Errorf("capki: expected TBSCertificate SEQUENCE, got tag %#x", tbsTag)
	}
	tbsStart := certStart + tbsContentStart
	tbsEnd := tbsStart + tbsLen
	if tbsEnd > len(caDER) {
		return nil, fmt.Errorf("capki: tbsCertificate length overruns buffer")
	}

	offset := tbsStart

	// Optional [0] EXPLICIT version.
	tag, length, contentStart, err := der.ReadTagLength(caDER[offset:])
	if err != nil {
		return nil, fmt.Errorf("capki: reading version/serial header: %w", err)
	}
	if tag == byte(der.ClassContext|der.Constructed|0) {
		offset += contentStart + length
		tag, length, contentStart, err = der.ReadTagLength(caDER[offset:])
		if err != nil {
			return nil, fmt.Errorf("capki: reading serial header: %w", err)
		}
	}

	// Serial INTEGER.
	if tag != der.TagInteger {
		return nil, fmt.Errorf("capki: expected serial INTEGER, got tag %#x", tag)
	}
	offset += contentStart + length

	// Signature AlgorithmIdentifier SEQUENCE.
	tag, length, contentStart, err = der.ReadTagLength(caDER[offset:])
	if err != nil {
		return nil, fmt.Errorf("capki: reading signature algorithm header: %w", err)
	}
	if tag != der.TagSequence {
		return nil, fmt.Errorf("capki: expected signature AlgorithmIdentifier SEQUENCE, got tag %#x", tag)
	}
	offset += contentStart + length

	// Issuer Name SEQUENCE — this is what we return.
	tag, length, contentStart, err = der.ReadTagLength(caDER[offset:])
	if err != nil {
		return nil, fmt.Errorf("capki: reading issuer header: %w", err)
	}
	if tag != der.TagSequence {
		return nil, fmt.Errorf("capki: expected issuer Name SEQUENCE, got tag %#x", tag)
	}
	issuerEnd := offset + contentStart + length
	if issuerEnd > len(caDER) {
		return nil, fmt.Errorf("capki: issuer length overruns buffer")
	}
	return caDER[offset:issuerEnd], nil
}
