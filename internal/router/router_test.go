package router

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/module/interceptor/internal/capki"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/flow"
)

// fakeFlow is a minimal flow.TCPFlow for exercising port validation and
// dispatch without any real I/O.
type fakeFlow struct {
	mu              sync.Mutex
	closedRead      bool
	closedWrite     bool
	remoteHost      string
	remotePort      int
	process         string
}

func (f *fakeFlow) Read() ([]byte, error) { return nil, net.ErrClosed }
func (f *fakeFlow) Write(b []byte, cb func(error)) {
	if cb != nil {
		cb(nil)
	}
}
func (f *fakeFlow) CloseRead(err error) {
	f.mu.Lock()
	f.closedRead = true
	f.mu.Unlock()
}
func (f *fakeFlow) CloseWrite(err error) {
	f.mu.Lock()
	f.closedWrite = true
	f.mu.Unlock()
}
func (f *fakeFlow) RemoteEndpoint() (string, int)     { return f.remoteHost, f.remotePort }
func (f *fakeFlow) SourceProcessIdentifier() string { return f.process }

func TestHandleTCPFlowRejectsInvalidPort(t *testing.T) {
	r := New(nil, nil, nil, nil)
	f := &fakeFlow{remoteHost: "example.com", remotePort: 70000}

	r.HandleTCPFlow(f, "example.com", 70000, "curl")

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closedRead || !f.closedWrite {
		t.Fatalf("expected both directions closed on invalid port, got read=%v write=%v", f.closedRead, f.closedWrite)
	}
}

func TestRegisterOverridesDispatchTable(t *testing.T) {
	r := New(nil, nil, nil, nil)
	called := make(chan int, 1)
	r.Register(8443, func(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
		called <- port
	})

	f := &fakeFlow{remoteHost: "example.com", remotePort: 8443}
	r.HandleTCPFlow(f, "example.com", 8443, "curl")

	select {
	case port := <-called:
		if port != 8443 {
			t.Fatalf("expected handler invoked with port 8443, got %d", port)
		}
	case <-time.After(time.Second):
		t.Fatal("registered handler was not invoked")
	}
}

func TestHandlePassthroughRelaysToRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		conn.Write([]byte("pong"))
		serverDone <- buf[:n]
	}()

	addr := ln.Addr().(*net.TCPAddr)

	clientSide, routerSide := net.Pipe()
	defer clientSide.Close()

	store := capture.New()
	r := New(nil, nil, nil, store)

	handle := flow.NewTCPFlow(routerSide, "curl")

	done := make(chan struct{})
	go func() {
		r.HandleTCPFlow(handle, addr.IP.String(), addr.Port, "curl")
		close(done)
	}()

	if _, err := clientSide.Write([]byte("ping")); err != nil {
		t.Fatalf("writing to client pipe: %v", err)
	}

	readBuf := make([]byte, 4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFullTest(clientSide, readBuf); err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if string(readBuf) != "pong" {
		t.Fatalf("expected pong, got %q", readBuf)
	}

	select {
	case got := <-serverDone:
		if string(got) != "ping" {
			t.Fatalf("expected origin to see ping, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("origin never received forwarded bytes")
	}

	clientSide.Close()
	<-done

	_, flows := store.FlowsSince(0)
	if len(flows) != 1 {
		t.Fatalf("expected one passthrough flow record, got %d", len(flows))
	}
	if flows[0].Kind != capture.KindTCP {
		t.Fatalf("expected kind=tcp, got %s", flows[0].Kind)
	}
}

// TestHandleMITMTerminatesClientTLSAndRelaysToOrigin drives the full
// MITM path: a real client TLS handshake against a minted leaf cert,
// decrypted relay to a real TLS origin, and a captured HTTPS flow
// record.
func TestHandleMITMTerminatesClientTLSAndRelaysToOrigin(t *testing.T) {
	ca, err := capki.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	cache := capki.NewCache(ca)

	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()
	originAddr := origin.Listener.Addr().(*net.TCPAddr)

	store := capture.New()
	r := New(nil, cache, nil, store)

	clientSide, routerSide := net.Pipe()
	defer clientSide.Close()
	handle := flow.NewTCPFlow(routerSide, "curl")

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.handleMITM(ctx, handle, originAddr.IP.String(), originAddr.Port, "curl")
		close(done)
	}()

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatalf("failed to add CA cert to pool")
	}
	tlsClient := tls.Client(clientSide, &tls.Config{RootCAs: pool, ServerName: "example.com"})
	tlsClient.SetDeadline(time.Now().Add(3 * time.Second))
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake against minted cert: %v", err)
	}

	fmt.Fprintf(tlsClient, "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")

	respBytes, err := io.ReadAll(tlsClient)
	if err != nil && err != io.EOF {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.Contains(string(respBytes), "hello from origin") {
		t.Fatalf("expected origin body in response, got %q", respBytes)
	}

	tlsClient.Close()
	<-done

	_, flows := store.FlowsSince(0)
	if len(flows) != 1 {
		t.Fatalf("expected one MITM flow record, got %d", len(flows))
	}
	if flows[0].Kind != capture.KindHTTPS {
		t.Fatalf("expected kind=https, got %s", flows[0].Kind)
	}
	if flows[0].Response == nil || flows[0].Response.Status != 200 {
		t.Fatalf("expected captured response status 200, got %+v", flows[0].Response)
	}
}

func readFullTest(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
