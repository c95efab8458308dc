package flow

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestListenerSourceServeTCPResolvesConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan struct {
		host string
		port int
	}, 1)

	src := NewListenerSource(nil)
	go src.ServeTCP(ctx, ln, ConnectResolver{}, func(f TCPFlow, host string, port int, process string) {
		results <- struct {
			host string
			port int
		}{host, port}
		f.CloseRead(nil)
		f.CloseWrite(nil)
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodConnect, "http://example.com:443", nil)
	req.Host = "example.com:443"
	if err := req.Write(conn); err != nil {
		t.Fatalf("writing CONNECT: %v", err)
	}

	select {
	case got := <-results:
		if got.host != "example.com" || got.port != 443 {
			t.Fatalf("resolved (%s, %d), want (example.com, 443)", got.host, got.port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolved flow")
	}
}

func TestListenerSourceServeTCPRejectsNonConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 1)
	src := NewListenerSource(nil)
	go src.ServeTCP(ctx, ln, ConnectResolver{}, func(f TCPFlow, host string, port int, process string) {
		called <- struct{}{}
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-called:
		t.Fatal("handle should not be invoked for a non-CONNECT request")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerSourceServeUDPGroupsBySourceAddress(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newFlows := make(chan UDPFlow, 4)
	src := NewListenerSource(nil)
	resolver := StaticUDPResolver{Host: "", Port: 53}
	go src.ServeUDP(ctx, pc, resolver, func(f UDPFlow, process string) {
		newFlows <- f
	})

	client, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("first")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := client.Write([]byte("second")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var f UDPFlow
	select {
	case f = <-newFlows:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new conversation")
	}

	select {
	case <-newFlows:
		t.Fatal("second datagram from the same source should not start a new conversation")
	case <-time.After(100 * time.Millisecond):
	}

	deadline := time.Now().Add(time.Second)
	var payloads [][]byte
	for len(payloads) < 2 && time.Now().Before(deadline) {
		p, _, err := f.ReadDatagrams()
		if err != nil {
			t.Fatalf("ReadDatagrams: %v", err)
		}
		payloads = append(payloads, p...)
		if len(payloads) < 2 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2", len(payloads))
	}
}
