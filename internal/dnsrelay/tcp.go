// Package dnsrelay handles DNS traffic the router diverts from TCP
// port 53: RFC 1035 2-byte length-prefixed message framing over a
// stream, each message forwarded through DNS-over-HTTPS instead of to
// whatever resolver the client thought it was talking to.
package dnsrelay

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/doh"
)

// maxMessageBuffer bounds how much unparsed stream data TCPRelay holds
// per connection before giving up on it as malformed.
const maxMessageBuffer = 128 * 1024

// TCPRelay answers TCP DNS queries by forwarding each length-prefixed
// message through a doh.Client, emitting one capture.DNSQuery record
// per message.
type TCPRelay struct {
	Logger *slog.Logger
	DoH    *doh.Client

	ProcessName string
	Host        string
	Port        int
	OnFlow      func(*capture.Flow)
	OnComplete  func(id string, bytesIn, bytesOut int64, errMsg string)
	OnDNS       func(*capture.DNSQuery)
}

// Run reads length-prefixed DNS messages from client, answers each one
// over DoH, and writes the length-prefixed answer back. It returns once
// the client closes, the buffer overruns, or stop fires.
func (r *TCPRelay) Run(client net.Conn, stop <-chan struct{}) {
	id := uuid.NewString()
	start := time.Now()
	if r.OnFlow != nil {
		r.OnFlow(&capture.Flow{
			ID:          id,
			Kind:        capture.KindDNS,
			Host:        r.Host,
			Port:        r.Port,
			ProcessName: r.ProcessName,
			StartTS:     start,
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-stop:
			client.Close()
		case <-done:
		}
	}()
	defer close(done)

	var bytesIn, bytesOut int64
	errMsg := r.pump(client, &bytesIn, &bytesOut)

	if r.OnComplete != nil {
		r.OnComplete(id, bytesIn, bytesOut, errMsg)
	}
}

func (r *TCPRelay) pump(client net.Conn, bytesIn, bytesOut *int64) string {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		msg, rest, err := nextMessage(buf)
		if err != nil {
			return err.Error()
		}
		if msg == nil {
			if len(buf) >= maxMessageBuffer {
				return "tcp dns message buffer overrun"
			}
			n, rerr := client.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				*bytesIn += int64(n)
			}
			if rerr != nil {
				return ""
			}
			continue
		}
		buf = rest

		r.answer(client, msg, bytesOut)
	}
}

func (r *TCPRelay) answer(client net.Conn, query []byte, bytesOut *int64) {
	qstart := time.Now()
	answer, encrypted, err := r.DoH.Query(context.Background(), query)
	latency := time.Since(qstart)

	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("tcp dns doh query failed, synthesizing SERVFAIL", "error", err)
		}
		answer = doh.SynthesizeSERVFAIL(query)
		encrypted = false
	}

	if r.OnDNS != nil {
		rec := &capture.DNSQuery{
			ProcessName: r.ProcessName,
			LatencyMs:   latency.Milliseconds(),
			IsEncrypted: encrypted,
		}
		if q, qerr := doh.ParseQuestion(query); qerr == nil {
			rec.Domain = q.Domain
			rec.Type = q.Type
		}
		if a, aerr := doh.ParseAnswer(answer); aerr == nil {
			rec.RCode = a.RCode
			rec.Answers = a.Answers
			rec.TTL = a.TTL
		} else if err != nil {
			rec.RCode = "SERVFAIL"
		}
		r.OnDNS(rec)
	}

	framed := frameMessage(answer)
	if n, werr := client.Write(framed); werr == nil {
		*bytesOut += int64(n)
	}
}

// nextMessage extracts one complete length-prefixed message from buf.
// It returns (nil, buf, nil) when buf doesn't yet hold a full message.
func nextMessage(buf []byte) (msg []byte, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, buf, nil
	}
	size := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+size {
		return nil, buf, nil
	}
	out := make([]byte, size)
	copy(out, buf[2:2+size])
	return out, buf[2+size:], nil
}

// frameMessage prefixes payload with its 2-byte big-endian length.
func frameMessage(payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out[:2], uint16(len(payload)))
	copy(out[2:], payload)
	return out
}
