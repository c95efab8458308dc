// Package capture is the memory-only record store relays write flow
// and DNS capture records into: no persistence, bounded size, a single
// mutex guarding both the record slice and the monotonic sequence
// counter so every externally observable mutation gets a unique,
// strictly increasing sequence number.
package capture

import (
	"time"

	"github.com/module/interceptor/internal/httpparse"
)

// Kind identifies what a captured Flow represents.
type Kind string

const (
	KindTCP   Kind = "tcp"
	KindUDP   Kind = "udp"
	KindHTTP  Kind = "http"
	KindHTTPS Kind = "https"
	KindDNS   Kind = "dns"
)

// HeaderField is one ordered header; see internal/httpparse.Header for
// the wire-parsing counterpart this mirrors.
type HeaderField struct {
	Name  string
	Value string
}

// FromParsedHeaders converts parsed HTTP headers into the capture
// record's ordered header representation.
func FromParsedHeaders(h []httpparse.Header) []HeaderField {
	out := make([]HeaderField, len(h))
	for i, f := range h {
		out[i] = HeaderField{Name: f.Name, Value: f.Value}
	}
	return out
}

// Request is a captured HTTP request head plus a bounded body preview.
type Request struct {
	Method      string
	URL         string
	HTTPVersion string
	Headers     []HeaderField
	BodySize    int64
	BodyPreview []byte
}

// Response is a captured HTTP response head plus a bounded body preview.
type Response struct {
	Status      int
	Reason      string
	HTTPVersion string
	Headers     []HeaderField
	BodySize    int64
	BodyPreview []byte
	Duration    time.Duration
}

// Flow is one captured connection-level record, covering TCP, UDP, and
// the HTTP/HTTPS messages carried over a connection.
type Flow struct {
	ID             string
	ParentFlowID   string
	Kind           Kind
	Host           string
	Port           int
	ProcessName    string
	StartTS        time.Time
	EndTS          *time.Time
	Request        *Request
	Response       *Response
	BytesIn        int64
	BytesOut       int64
	Error          string
	SequenceNumber uint64
}

// DNSQuery is one resolved (or failed) DNS lookup.
type DNSQuery struct {
	Domain         string
	Type           string
	ProcessName    string
	RCode          string
	Answers        []string
	TTL            *uint32
	LatencyMs      int64
	IsEncrypted    bool
	SequenceNumber uint64
}

// BodyPreviewCap is the maximum number of body bytes a capture record
// retains.
const BodyPreviewCap = 1024

// TruncatePreview trims b to BodyPreviewCap bytes.
func TruncatePreview(b []byte) []byte {
	if len(b) <= BodyPreviewCap {
		return b
	}
	out := make([]byte, BodyPreviewCap)
	copy(out, b)
	return out
}
