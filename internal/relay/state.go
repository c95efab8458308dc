// Package relay implements the per-connection HTTP parse/framing state
// machine shared by the cleartext HTTP relay, the TLS-terminated MITM
// relay, the opaque passthrough relay, and the UDP datagram relay. Both
// HTTP-speaking relays drive the same State through a small byteSource
// interface: one state machine, two byte-source adapters.
package relay

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/module/interceptor/internal/httpparse"
)

// maxBufferSize bounds both the request and response buffers; an
// append past this cap is dropped and reported to the caller as a
// framing error.
const maxBufferSize = 16 * 1024 * 1024

// State is the per-connection parse/framing state a relay's two pumps
// share. The pipelined-leftover rescan in ResetForNextRequest means the
// server->client pump can read and write request-side fields (for the
// next queued request) at the same time the client->server pump is
// appending to and parsing them, so mu guards every field below:
// callers outside this file must go through State's methods rather
// than touching fields directly.
type State struct {
	mu sync.Mutex

	RequestBuffer  []byte
	ResponseBuffer []byte

	HasRequest  bool
	HasResponse bool

	RequestMessageSize  int64
	HasRequestSize      bool
	ResponseMessageSize int64
	HasResponseSize     bool

	ResponseBodyComplete bool

	RequestHeaderEndIndex int
	RequestIsChunked      bool

	RequestCount  int
	CurrentFlowID string

	lastRequest     *httpparse.Message
	lastResponseMsg *httpparse.Message
}

// NewState returns an empty relay state for a fresh connection.
func NewState() *State {
	return &State{}
}

// AppendRequest appends b to the request buffer, returning false (a
// framing error) if doing so would exceed maxBufferSize.
func (s *State) AppendRequest(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.RequestBuffer)+len(b) > maxBufferSize {
		return false
	}
	s.RequestBuffer = append(s.RequestBuffer, b...)
	return true
}

// AppendResponse appends b to the response buffer, returning false on
// overflow.
func (s *State) AppendResponse(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ResponseBuffer)+len(b) > maxBufferSize {
		return false
	}
	s.ResponseBuffer = append(s.ResponseBuffer, b...)
	return true
}

// TryParseRequest attempts to parse the request head out of
// RequestBuffer. Once HasRequest is already true for the current
// message it returns (nil, nil): callers drive a fresh-parse signal
// (emit once per request) off a non-nil result, not off HasRequest,
// which a concurrent reset on the other pump could otherwise race on.
func (s *State) TryParseRequest() (*httpparse.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HasRequest {
		return nil, nil
	}
	m, err := httpparse.ParseRequest(s.RequestBuffer)
	if err != nil {
		return nil, fmt.Errorf("relay: request parse: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	s.HasRequest = true
	s.RequestHeaderEndIndex = m.HeaderEndIndex
	s.RequestIsChunked = m.IsChunked
	if m.HasFraming {
		if m.HasContentLength {
			s.RequestMessageSize = int64(m.HeaderEndIndex) + m.ContentLength
			s.HasRequestSize = true
		}
		// Chunked request bodies are forwarded verbatim without
		// message-size accounting; only is_chunked needs tracking for
		// that case.
	} else {
		s.RequestMessageSize = int64(m.HeaderEndIndex)
		s.HasRequestSize = true
	}
	s.lastRequest = m
	return m, nil
}

// RequestMethod returns the method of the most recently parsed request
// head, or "" if none has been parsed yet.
func (s *State) RequestMethod() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRequest == nil {
		return ""
	}
	return s.lastRequest.Method
}

// TryParseResponse attempts to parse the response head out of
// ResponseBuffer, given the method of the request it answers.
func (s *State) TryParseResponse(requestMethod string) (*httpparse.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.HasRequest || s.HasResponse {
		return nil, nil
	}
	m, err := httpparse.ParseResponse(s.ResponseBuffer, requestMethod)
	if err != nil {
		return nil, fmt.Errorf("relay: response parse: %w", err)
	}
	if m == nil {
		return nil, nil
	}
	s.HasResponse = true
	if !m.HasBody {
		s.ResponseMessageSize = int64(m.HeaderEndIndex)
		s.HasResponseSize = true
		s.ResponseBodyComplete = true
	} else if m.HasContentLength {
		s.ResponseMessageSize = int64(m.HeaderEndIndex) + m.ContentLength
		s.HasResponseSize = true
	}
	// Chunked and unframed responses leave HasResponseSize false;
	// completeness is determined by CheckResponseComplete instead.
	s.lastResponseMsg = m
	return m, nil
}

// PendingResponse returns the parsed response head once HasResponse is
// set, so the caller can evaluate completeness against it without a
// separate, racing read of lastResponseMsg. ok is false before a
// response head has been parsed, or once the cycle has been reset.
func (s *State) PendingResponse() (m *httpparse.Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.HasResponse || s.lastResponseMsg == nil {
		return nil, false
	}
	return s.lastResponseMsg, true
}

// CheckResponseComplete evaluates response body completeness:
// Content-Length compares buffer length to the expected size; chunked
// uses the tail-64 heuristic on the body slice; unframed waits for
// connection close (handled by the caller observing EOF, not here).
func (s *State) CheckResponseComplete(headerEndIndex int, isChunked bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResponseBodyComplete {
		return true
	}
	if s.HasResponseSize {
		complete := int64(len(s.ResponseBuffer)) >= s.ResponseMessageSize
		if complete {
			s.ResponseBodyComplete = true
		}
		return complete
	}
	if isChunked {
		body := s.ResponseBuffer[headerEndIndex:]
		if httpparse.IsChunkedBodyComplete(body) {
			s.ResponseBodyComplete = true
			s.ResponseMessageSize = int64(len(s.ResponseBuffer))
			s.HasResponseSize = true
			return true
		}
	}
	return false
}

// MarkResponseCompleteOnClose is called when the server side reaches
// EOF while a request is in flight with headers parsed but no framing
// — the connection-close framing case.
func (s *State) MarkResponseCompleteOnClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseBodyComplete = true
	s.ResponseMessageSize = int64(len(s.ResponseBuffer))
	s.HasResponseSize = true
}

// ResetForNextRequest preserves the leftover tail of each buffer beyond
// its message size, discards everything at or before it, and advances
// RequestCount so each request on a keep-alive connection gets a fresh
// flow ID.
func (s *State) ResetForNextRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HasRequestSize && int64(len(s.RequestBuffer)) > s.RequestMessageSize {
		s.RequestBuffer = append([]byte(nil), s.RequestBuffer[s.RequestMessageSize:]...)
	} else {
		s.RequestBuffer = nil
	}
	if s.HasResponseSize && int64(len(s.ResponseBuffer)) > s.ResponseMessageSize {
		s.ResponseBuffer = append([]byte(nil), s.ResponseBuffer[s.ResponseMessageSize:]...)
	} else {
		s.ResponseBuffer = nil
	}

	s.HasRequest = false
	s.HasResponse = false
	s.RequestMessageSize = 0
	s.HasRequestSize = false
	s.ResponseMessageSize = 0
	s.HasResponseSize = false
	s.ResponseBodyComplete = false
	s.RequestHeaderEndIndex = 0
	s.RequestIsChunked = false
	s.lastRequest = nil
	s.lastResponseMsg = nil
	s.RequestCount++
}

// AwaitingResponse reports whether a request head has been parsed but
// no response head has been recorded for it yet.
func (s *State) AwaitingResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HasRequest && !s.HasResponse
}

// FlowID returns the flow ID the current request/response cycle is
// captured under.
func (s *State) FlowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CurrentFlowID
}

// BeginFlow assigns the flow ID for a freshly parsed request:
// parentFlowID on the connection's first request, a fresh UUID for
// every request after that (keep-alive ID uniqueness).
func (s *State) BeginFlow(parentFlowID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	if s.RequestCount == 0 && parentFlowID != "" {
		id = parentFlowID
	}
	s.CurrentFlowID = id
	return id
}

// RequestPreview returns up to n bytes of the request buffer starting
// at offset, for assembling a capture record's body_preview field.
func (s *State) RequestPreview(offset, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BodyPreview(s.RequestBuffer, offset, n)
}

// ResponseBodyBytes returns a copy of the response buffer from
// headerEndIndex onward, for assembling a capture record's response
// body.
func (s *State) ResponseBodyBytes(headerEndIndex int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if headerEndIndex >= len(s.ResponseBuffer) {
		return nil
	}
	out := make([]byte, len(s.ResponseBuffer)-headerEndIndex)
	copy(out, s.ResponseBuffer[headerEndIndex:])
	return out
}

// HasPendingRequestBytes reports whether bytes for a pipelined next
// request are already buffered after a reset.
func (s *State) HasPendingRequestBytes() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.RequestBuffer) > 0
}

// BodyPreview returns up to n bytes of buf starting at offset, for
// assembling a capture record's body_preview field.
func BodyPreview(buf []byte, offset int, n int) []byte {
	if offset >= len(buf) {
		return nil
	}
	end := offset + n
	if end > len(buf) {
		end = len(buf)
	}
	out := make([]byte, end-offset)
	copy(out, buf[offset:end])
	return out
}
