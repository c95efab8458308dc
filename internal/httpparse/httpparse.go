// Package httpparse parses HTTP/1.1 request and response framing out of
// a growing byte buffer without consuming it, the way relay.State needs
// to re-attempt parsing as more bytes arrive. It is modeled on the
// framing rules net/http's internals apply via http.ReadRequest and
// http.ReadResponse, but exposes the framing decision itself (has_body,
// has_framing, should_close, chunked-completeness) instead of hiding it
// behind an io.ReadCloser body, which the relay's capture path needs to
// report message boundaries before a body is fully read.
package httpparse

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Header is one ordered header field. Headers are stored as a slice
// rather than a map so repeated fields (e.g. multiple Set-Cookie) and
// original ordering survive a round trip.
type Header struct {
	Name  string
	Value string
}

// Message is the result of successfully parsing a request or response
// head. Exactly one of RequestLine fields or StatusLine fields is
// populated, distinguished by IsRequest.
type Message struct {
	IsRequest bool

	Method      string
	Path        string
	StatusCode  int
	Reason      string
	HTTPVersion string // "HTTP/1.0" or "HTTP/1.1"

	Headers []Header

	HeaderEndIndex int // offset of the first byte after the blank line

	ContentLength    int64
	HasContentLength bool
	IsChunked        bool

	HasBody     bool
	HasFraming  bool
	ShouldClose bool
}

// MaxBufferSize is the hard cap on how many bytes of head+body this
// package will scan before giving up with an error; spec'd as 16 MiB.
const MaxBufferSize = 16 * 1024 * 1024

var headerEndSeq = []byte("\r\n\r\n")

// ParseRequest attempts to parse an HTTP/1.1 request head out of buf.
// It returns (nil, nil) if the blank line hasn't arrived yet, and an
// error only for malformed input or a buffer that exceeds MaxBufferSize
// without ever finding one.
func ParseRequest(buf []byte) (*Message, error) {
	if len(buf) > MaxBufferSize {
		return nil, fmt.Errorf("httpparse: request buffer exceeds %d bytes without a header terminator", MaxBufferSize)
	}
	idx := bytes.Index(buf, headerEndSeq)
	if idx < 0 {
		return nil, nil
	}
	headEnd := idx + len(headerEndSeq)

	lines := splitHeadLines(buf[:idx])
	if len(lines) == 0 {
		return nil, fmt.Errorf("httpparse: empty request head")
	}

	method, path, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	m := &Message{
		IsRequest:      true,
		Method:         method,
		Path:           path,
		HTTPVersion:    version,
		Headers:        headers,
		HeaderEndIndex: headEnd,
	}
	applyFraming(m, headers, version)
	// A request always "has a body" in the sense that framing
	// determines whether bytes follow; HasBody for requests tracks
	// whether framing says there is one at all.
	m.HasBody = m.HasFraming
	return m, nil
}

// ParseResponse attempts to parse an HTTP/1.1 response head out of buf.
// requestMethod and the parsed status code together drive the has_body
// exceptions: HEAD, CONNECT, 1xx, 204, and 304 responses never carry a
// body.
func ParseResponse(buf []byte, requestMethod string) (*Message, error) {
	if len(buf) > MaxBufferSize {
		return nil, fmt.Errorf("httpparse: response buffer exceeds %d bytes without a header terminator", MaxBufferSize)
	}
	idx := bytes.Index(buf, headerEndSeq)
	if idx < 0 {
		return nil, nil
	}
	headEnd := idx + len(headerEndSeq)

	lines := splitHeadLines(buf[:idx])
	if len(lines) == 0 {
		return nil, fmt.Errorf("httpparse: empty response head")
	}

	version, status, reason, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}

	headers, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, err
	}

	m := &Message{
		IsRequest:      false,
		StatusCode:     status,
		Reason:         reason,
		HTTPVersion:    version,
		Headers:        headers,
		HeaderEndIndex: headEnd,
	}
	applyFraming(m, headers, version)

	switch {
	case strings.EqualFold(requestMethod, "HEAD"):
		m.HasBody = false
	case strings.EqualFold(requestMethod, "CONNECT") && status >= 200 && status < 300:
		m.HasBody = false
	case status >= 100 && status < 200:
		m.HasBody = false
	case status == 204 || status == 304:
		m.HasBody = false
	default:
		m.HasBody = true
	}
	return m, nil
}

func applyFraming(m *Message, headers []Header, version string) {
	if v := headerValue(headers, "Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			m.ContentLength = n
			m.HasContentLength = true
		}
	}
	if te := headerValue(headers, "Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		m.IsChunked = true
	}
	m.HasFraming = m.HasContentLength || m.IsChunked

	conn := strings.ToLower(headerValue(headers, "Connection"))
	switch version {
	case "HTTP/1.0":
		m.ShouldClose = conn != "keep-alive"
	default:
		m.ShouldClose = conn == "close"
	}
}

// HeaderValue does a case-insensitive lookup, returning every match
// joined by ", " if the header repeats (matching net/http's join rule
// for display purposes).
func HeaderValue(headers []Header, name string) string {
	return headerValue(headers, name)
}

func headerValue(headers []Header, name string) string {
	var vals []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return strings.Join(vals, ", ")
}

func splitHeadLines(head []byte) [][]byte {
	raw := bytes.Split(head, []byte("\r\n"))
	lines := make([][]byte, 0, len(raw))
	for _, l := range raw {
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines
}

func parseRequestLine(line []byte) (method, path, version string, err error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("httpparse: malformed request line %q", line)
	}
	version = normalizeVersion(parts[2])
	if version == "" {
		return "", "", "", fmt.Errorf("httpparse: unsupported HTTP version %q", parts[2])
	}
	return parts[0], parts[1], version, nil
}

func parseStatusLine(line []byte) (version string, status int, reason string, err error) {
	s := string(line)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return "", 0, "", fmt.Errorf("httpparse: malformed status line %q", line)
	}
	version = normalizeVersion(s[:sp])
	if version == "" {
		return "", 0, "", fmt.Errorf("httpparse: unsupported HTTP version %q", s[:sp])
	}
	rest := strings.TrimLeft(s[sp+1:], " ")
	sp2 := strings.IndexByte(rest, ' ')
	codeStr := rest
	if sp2 >= 0 {
		codeStr = rest[:sp2]
		reason = rest[sp2+1:]
	}
	code, convErr := strconv.Atoi(codeStr)
	if convErr != nil {
		return "", 0, "", fmt.Errorf("httpparse: malformed status code %q", codeStr)
	}
	return version, code, reason, nil
}

func normalizeVersion(v string) string {
	switch v {
	case "HTTP/1.0":
		return "HTTP/1.0"
	case "HTTP/1.1":
		return "HTTP/1.1"
	default:
		return ""
	}
}

func parseHeaderLines(lines [][]byte) ([]Header, error) {
	headers := make([]Header, 0, len(lines))
	for _, l := range lines {
		colon := bytes.IndexByte(l, ':')
		if colon < 0 {
			return nil, fmt.Errorf("httpparse: malformed header line %q", l)
		}
		name := strings.TrimSpace(string(l[:colon]))
		value := strings.TrimSpace(string(l[colon+1:]))
		if name == "" {
			return nil, fmt.Errorf("httpparse: empty header name in %q", l)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// IsChunkedBodyComplete applies a bounded tail heuristic: scan only the
// last 64 bytes of body for the literal ASCII terminal-chunk sequence
// "0\r\n\r\n" rather than maintaining full chunk-decoder state.
// Pathological bodies whose trailer section
// happens to contain that sequence can false-positive; this is the
// accepted conservative approximation.
func IsChunkedBodyComplete(body []byte) bool {
	const tailWindow = 64
	start := 0
	if len(body) > tailWindow {
		start = len(body) - tailWindow
	}
	return bytes.Contains(body[start:], []byte("0\r\n\r\n"))
}

// DecodeChunked decodes a complete chunked body (as validated by
// IsChunkedBodyComplete) for preview extraction. Chunk extensions after
// ';' are ignored. It is not used for framing decisions, only to
// recover body bytes once a chunked response is known complete.
func DecodeChunked(body []byte) ([]byte, error) {
	var out []byte
	rest := body
	for {
		nl := bytes.Index(rest, []byte("\r\n"))
		if nl < 0 {
			return nil, fmt.Errorf("httpparse: chunked decode: missing size line terminator")
		}
		sizeLine := rest[:nl]
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		sizeLine = bytes.TrimSpace(sizeLine)
		size, err := strconv.ParseInt(string(sizeLine), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("httpparse: chunked decode: invalid chunk size %q: %w", sizeLine, err)
		}
		rest = rest[nl+2:]
		if size == 0 {
			return out, nil
		}
		if int64(len(rest)) < size+2 {
			return nil, fmt.Errorf("httpparse: chunked decode: truncated chunk body")
		}
		out = append(out, rest[:size]...)
		rest = rest[size+2:]
	}
}
