package tlssession

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/module/interceptor/internal/flow"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"test.local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestSessionHandshakeAndRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	cert := selfSignedCert(t)
	serverSession := Server(flow.NewTCPFlow(serverConn, ""), &tls.Config{Certificates: []tls.Certificate{cert}})
	clientSession := Client(flow.NewTCPFlow(clientConn, ""), &tls.Config{InsecureSkipVerify: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- serverSession.Handshake(ctx) }()
	go func() { errCh <- clientSession.Handshake(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}

	msg := []byte("hello over mitm tls")
	writeDone := make(chan error, 1)
	go func() {
		_, err := clientSession.Write(msg)
		writeDone <- err
	}()

	buf := make([]byte, len(msg))
	n, err := readFull(serverSession, buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if n != len(msg) || string(buf) != string(msg) {
		t.Fatalf("expected %q, got %q", msg, buf[:n])
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("client write: %v", err)
	}

	clientSession.Close()
	serverSession.Close()
	// Close must be idempotent.
	clientSession.Close()
	serverSession.Close()
}

func readFull(s *Session, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
