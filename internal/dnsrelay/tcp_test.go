package dnsrelay

import (
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/doh"
)

func TestNextMessageWaitsForFullFrame(t *testing.T) {
	full := frameMessage([]byte("hello"))

	msg, rest, err := nextMessage(full[:3])
	if err != nil || msg != nil {
		t.Fatalf("expected nil message on partial frame, got msg=%v err=%v", msg, err)
	}

	msg, rest, err = nextMessage(full)
	if err != nil {
		t.Fatalf("nextMessage: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", msg)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %d", len(rest))
	}
}

func TestNextMessageLeavesPipelinedTailIntact(t *testing.T) {
	buf := append(frameMessage([]byte("first")), frameMessage([]byte("second"))...)

	msg, rest, err := nextMessage(buf)
	if err != nil {
		t.Fatalf("nextMessage: %v", err)
	}
	if string(msg) != "first" {
		t.Fatalf("expected %q, got %q", "first", msg)
	}

	msg, rest, err = nextMessage(rest)
	if err != nil {
		t.Fatalf("nextMessage: %v", err)
	}
	if string(msg) != "second" {
		t.Fatalf("expected %q, got %q", "second", msg)
	}
	if len(rest) != 0 {
		t.Fatalf("expected buffer fully drained, got %d bytes left", len(rest))
	}
}

func dnsQueryWire(t *testing.T, domain string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	wire, err := msg.Pack()
	if err != nil {
		t.Fatalf("packing query: %v", err)
	}
	return wire
}

func TestTCPRelayAnswersFramedQueryOverServFAIL(t *testing.T) {
	client, server := net.Pipe()

	doHClient := &doh.Client{
		Upstreams:       []doh.Upstream{{Name: "broken", Primary: "https://127.0.0.1:1/dns-query", Fallback: "https://127.0.0.1:1/dns-query"}},
		HTTPClient:      &http.Client{Timeout: 200 * time.Millisecond},
		UDPFallbackAddr: "127.0.0.1:1",
	}

	var mu sync.Mutex
	var flows []*capture.Flow
	var dnsRecords []*capture.DNSQuery

	r := &TCPRelay{
		DoH:         doHClient,
		ProcessName: "resolver",
		Host:        "1.1.1.1",
		Port:        53,
		OnFlow: func(f *capture.Flow) {
			mu.Lock()
			flows = append(flows, f)
			mu.Unlock()
		},
		OnDNS: func(q *capture.DNSQuery) {
			mu.Lock()
			dnsRecords = append(dnsRecords, q)
			mu.Unlock()
		},
	}

	stop := make(chan struct{})
	relayDone := make(chan struct{})
	go func() {
		r.Run(server, stop)
		close(relayDone)
	}()

	query := dnsQueryWire(t, "example.com.")
	if _, err := client.Write(frameMessage(query)); err != nil {
		t.Fatalf("writing query: %v", err)
	}

	sizeBuf := make([]byte, 2)
	if _, err := readFull(client, sizeBuf); err != nil {
		t.Fatalf("reading response size: %v", err)
	}
	size := int(sizeBuf[0])<<8 | int(sizeBuf[1])
	payload := make([]byte, size)
	if _, err := readFull(client, payload); err != nil {
		t.Fatalf("reading response payload: %v", err)
	}

	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(payload); err != nil {
		t.Fatalf("unpacking response: %v", err)
	}
	if respMsg.Rcode != dns.RcodeServerFailure {
		t.Fatalf("expected SERVFAIL, got rcode %d", respMsg.Rcode)
	}

	client.Close()
	close(stop)
	<-relayDone

	mu.Lock()
	defer mu.Unlock()
	if len(flows) != 1 {
		t.Fatalf("expected one flow record, got %d", len(flows))
	}
	if len(dnsRecords) != 1 {
		t.Fatalf("expected one dns record, got %d", len(dnsRecords))
	}
	if dnsRecords[0].Domain != "example.com." {
		t.Fatalf("unexpected domain recorded: %s", dnsRecords[0].Domain)
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
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
