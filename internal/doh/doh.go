// Package doh implements a DNS-over-HTTPS client: an async function
// mapping a DNS wire-format query to a wire-format response, needed
// since this core isn't embedded in a host OS that already provides
// one. Wire parsing and SERVFAIL synthesis use github.com/miekg/dns
// rather than hand-rolling wire parsing.
package doh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
)

// Upstream is one DoH provider's primary/fallback endpoint pair.
type Upstream struct {
	Name     string
	Primary  string
	Fallback string
}

// DefaultUpstreams are the public DoH providers tried in order.
func DefaultUpstreams() []Upstream {
	return []Upstream{
		{Name: "cloudflare", Primary: "https://1.1.1.1/dns-query", Fallback: "https://1.0.0.1/dns-query"},
		{Name: "cloudflare-family", Primary: "https://1.1.1.3/dns-query", Fallback: "https://1.0.0.3/dns-query"},
		{Name: "google", Primary: "https://8.8.8.8/dns-query", Fallback: "https://8.8.4.4/dns-query"},
		{Name: "quad9", Primary: "https://9.9.9.9:5053/dns-query", Fallback: "https://149.112.112.112:5053/dns-query"},
	}
}

const (
	perRequestTimeout = 5 * time.Second
	totalBudget       = 10 * time.Second
	udpFallbackGuard  = 3 * time.Second
	udpFallbackAddr   = "8.8.8.8:53"
)

// Client queries configured DoH upstreams, falling back to raw UDP DNS
// when every upstream fails.
type Client struct {
	Upstreams  []Upstream
	HTTPClient *http.Client
	// UDPFallbackAddr is the raw DNS server dialed when every DoH
	// upstream fails. Defaults to udpFallbackAddr (8.8.8.8:53);
	// overridable so tests can stub the fallback target.
	UDPFallbackAddr string
}

// NewClient builds a Client with the default upstream list and a
// per-request-timeout-bounded HTTP client.
func NewClient() *Client {
	return &Client{
		Upstreams:       DefaultUpstreams(),
		HTTPClient:      &http.Client{Timeout: perRequestTimeout},
		UDPFallbackAddr: udpFallbackAddr,
	}
}

// Query resolves wireQuery (a raw DNS wire-format message) against the
// configured upstreams, falling back to plain UDP DNS at 8.8.8.8:53 on
// total failure. It returns the wire-format answer and whether the
// answer came back over an encrypted transport.
func (c *Client) Query(ctx context.Context, wireQuery []byte) (wireAnswer []byte, encrypted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	var lastErr error
	for _, up := range c.Upstreams {
		for _, endpoint := range []string{up.Primary, up.Fallback} {
			answer, qerr := c.postDNSMessage(ctx, endpoint, wireQuery)
			if qerr == nil {
				return answer, true, nil
			}
			lastErr = qerr
		}
	}

	answer, uerr := c.queryUDPFallback(wireQuery)
	if uerr == nil {
		return answer, false, nil
	}

	return nil, false, fmt.Errorf("doh: all upstreams failed (last: %v), udp fallback failed: %w", lastErr, uerr)
}

func (c *Client) postDNSMessage(ctx context.Context, endpoint string, wireQuery []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, perRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(wireQuery))
	if err != nil {
		return nil, fmt.Errorf("building DoH request: %w", err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

func (c *Client) queryUDPFallback(wireQuery []byte) ([]byte, error) {
	addr := c.UDPFallbackAddr
	if addr == "" {
		addr = udpFallbackAddr
	}
	conn, err := net.DialTimeout("udp", addr, udpFallbackGuard)
	if err != nil {
		return nil, fmt.Errorf("dialing udp fallback %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(udpFallbackGuard))
	if _, err := conn.Write(wireQuery); err != nil {
		return nil, fmt.Errorf("writing udp fallback query: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading udp fallback response: %w", err)
	}
	return buf[:n], nil
}

// SynthesizeSERVFAIL builds a SERVFAIL response for wireQuery: QR=1,
// RCODE=2, echoing the query ID and stripping the question section, so
// a client sees a normal DNS failure rather than a hung query when
// every upstream is unreachable.
func SynthesizeSERVFAIL(wireQuery []byte) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(wireQuery); err != nil {
		// Can't even parse the ID; fabricate an empty SERVFAIL shell.
		resp := new(dns.Msg)
		resp.Response = true
		resp.Rcode = dns.RcodeServerFailure
		out, _ := resp.Pack()
		return out
	}

	resp := new(dns.Msg)
	resp.Id = msg.Id
	resp.Response = true
	resp.Rcode = dns.RcodeServerFailure
	resp.Question = nil
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}

// QuestionInfo is what the UDP and TCP DNS relays need from a query to
// emit a capture.DNSQuery record: domain and record type.
type QuestionInfo struct {
	Domain string
	Type   string
}

// ParseQuestion extracts the first question's name and type from a DNS
// wire-format query.
func ParseQuestion(wireQuery []byte) (QuestionInfo, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(wireQuery); err != nil {
		return QuestionInfo{}, fmt.Errorf("doh: parsing query: %w", err)
	}
	if len(msg.Question) == 0 {
		return QuestionInfo{}, fmt.Errorf("doh: query has no question section")
	}
	q := msg.Question[0]
	return QuestionInfo{
		Domain: q.Name,
		Type:   dns.TypeToString[q.Qtype],
	}, nil
}

// AnswerInfo summarizes a DNS wire-format answer for a capture.DNSQuery
// record: the resource records' string values, the minimum TTL seen,
// and the response code.
type AnswerInfo struct {
	RCode   string
	Answers []string
	TTL     *uint32
}

// ParseAnswer extracts rcode, answer strings, and TTL from a DNS
// wire-format response.
func ParseAnswer(wireAnswer []byte) (AnswerInfo, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(wireAnswer); err != nil {
		return AnswerInfo{}, fmt.Errorf("doh: parsing answer: %w", err)
	}

	info := AnswerInfo{RCode: dns.RcodeToString[msg.Rcode]}
	var minTTL *uint32
	for _, rr := range msg.Answer {
		info.Answers = append(info.Answers, answerValue(rr))
		ttl := rr.Header().Ttl
		if minTTL == nil || ttl < *minTTL {
			t := ttl
			minTTL = &t
		}
	}
	info.TTL = minTTL
	return info, nil
}

func answerValue(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return v.Target
	case *dns.TXT:
		return fmt.Sprintf("%v", v.Txt)
	default:
		return rr.String()
	}
}
