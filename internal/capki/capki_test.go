package capki

import (
	"crypto/x509"
	"testing"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	ca, err := create()
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	return ca
}

func TestIssuerDNMatchesCASubject(t *testing.T) {
	ca := newTestCA(t)

	issuer, err := IssuerDN(ca.RawDER())
	if err != nil {
		t.Fatalf("IssuerDN: %v", err)
	}

	// The extracted TLV must match the CA's own raw subject bytes
	// (self-signed: issuer == subject) and start with a SEQUENCE tag.
	if len(issuer) == 0 {
		t.Fatalf("IssuerDN returned empty slice")
	}
	if issuer[0] != 0x30 {
		t.Fatalf("issuer TLV does not start with a SEQUENCE tag: %#x", issuer[0])
	}

	cert, err := x509.ParseCertificate(ca.RawDER())
	if err != nil {
		t.Fatalf("parsing CA cert for comparison: %v", err)
	}
	if string(issuer) != string(cert.RawSubject) {
		t.Fatalf("extracted issuer DN does not match CA's own raw subject")
	}
}

func TestMintProducesVerifiableChain(t *testing.T) {
	ca := newTestCA(t)

	id, err := Mint(ca, "example.com")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	leaf, err := x509.ParseCertificate(id.DER)
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())

	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName: "example.com",
		Roots:   roots,
	}); err != nil {
		t.Fatalf("minted leaf did not verify against CA: %v", err)
	}
}

func TestMintSANChoosesIPForIPLiteralHostname(t *testing.T) {
	ca := newTestCA(t)

	id, err := Mint(ca, "203.0.113.7")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	leaf, err := x509.ParseCertificate(id.DER)
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}

	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "203.0.113.7" {
		t.Fatalf("expected SAN iPAddress 203.0.113.7, got IPs=%v DNS=%v", leaf.IPAddresses, leaf.DNSNames)
	}
	if len(leaf.DNSNames) != 0 {
		t.Fatalf("IP-literal hostname should not also produce a dNSName SAN, got %v", leaf.DNSNames)
	}
}

func TestMintSANChoosesDNSForHostname(t *testing.T) {
	ca := newTestCA(t)

	id, err := Mint(ca, "api.example.com")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	leaf, err := x509.ParseCertificate(id.DER)
	if err != nil {
		t.Fatalf("parsing minted leaf: %v", err)
	}

	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "api.example.com" {
		t.Fatalf("expected SAN dNSName api.example.com, got DNS=%v IPs=%v", leaf.DNSNames, leaf.IPAddresses)
	}
}

func TestCacheReturnsSameIdentityOnRepeatLookup(t *testing.T) {
	ca := newTestCA(t)
	cache := NewCache(ca)

	first, err := cache.Get("example.com")
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	second, err := cache.Get("example.com")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached identity to be reused, got two distinct mints")
	}
	if cache.Size() != 1 {
		t.Fatalf("expected cache size 1, got %d", cache.Size())
	}
}

func TestCacheBulkEvictsAtCapacity(t *testing.T) {
	ca := newTestCA(t)
	cache := NewCache(ca)

	for i := 0; i < MaxCacheSize; i++ {
		host := hostForIndex(i)
		if _, err := cache.Get(host); err != nil {
			t.Fatalf("Get(%s): %v", host, err)
		}
	}
	if cache.Size() != MaxCacheSize {
		t.Fatalf("expected cache full at %d, got %d", MaxCacheSize, cache.Size())
	}

	// The 1001st distinct hostname triggers a bulk evict-to-half before
	// insertion, so the cache never exceeds MaxCacheSize and the most
	// recent mint is always present.
	newest := "overflow.example.com"
	id, err := cache.Get(newest)
	if err != nil {
		t.Fatalf("Get(overflow): %v", err)
	}
	if cache.Size() > MaxCacheSize {
		t.Fatalf("cache size %d exceeds MaxCacheSize %d after overflow insert", cache.Size(), MaxCacheSize)
	}
	again, err := cache.Get(newest)
	if err != nil {
		t.Fatalf("Get(overflow) again: %v", err)
	}
	if again != id {
		t.Fatalf("most recently minted identity was evicted immediately after insertion")
	}
}

func hostForIndex(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26]) + string(letters[(i/676)%26]) + ".example.com"
}
