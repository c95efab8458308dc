package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/httpparse"
)

// Config carries everything a pump run needs about the connection it
// is relaying, plus the capture-emit closures the caller constructs
// the relay with. Passing closures rather than a *capture.Store
// reference avoids a router/relay/store import cycle.
type Config struct {
	Logger *slog.Logger

	ParentFlowID string
	ProcessName  string
	Host         string
	Port         int
	Scheme       string // "http" or "https"
	Kind         capture.Kind

	OnFlow     func(*capture.Flow)
	OnUpdate   func(id string, resp *capture.Response, bodySize *int64)
	OnComplete func(id string, bytesIn, bytesOut int64, errMsg string)

	IdleTimeout time.Duration
}

// bodyPreviewCap mirrors capture.BodyPreviewCap; kept local so relay
// doesn't need to import capture just for a constant used in one place.
const bodyPreviewCap = capture.BodyPreviewCap

// runHTTPPump drives the shared client<->server byte pump: parse
// requests on the way to the server, parse and track completeness of
// responses on the way back, emit capture records, and handle
// keep-alive/pipelining via State.ResetForNextRequest. It blocks until
// either side closes, a framing error occurs, or stop fires, and
// always runs teardown before returning.
func runHTTPPump(cfg Config, client, server byteSource, stop <-chan struct{}) error {
	st := NewState()
	var bytesIn, bytesOut int64
	var lastActivity int64
	atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			server.Close()
		})
	}

	go func() {
		<-stop
		closeBoth()
	}()

	watchdogDone := make(chan struct{})
	if cfg.IdleTimeout > 0 {
		go idleWatchdog(cfg.IdleTimeout, &lastActivity, closeBoth, watchdogDone)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- clientToServerPump(cfg, st, client, server, &bytesOut, &lastActivity) }()
	go func() { errCh <- serverToClientPump(cfg, st, client, server, &bytesIn, &lastActivity) }()

	first := <-errCh
	closeBoth()
	close(watchdogDone)
	<-errCh

	flowID := st.FlowID()

	if first != nil && cfg.Logger != nil {
		var relayErr *Error
		if errors.As(first, &relayErr) {
			Log(cfg.Logger, flowID, relayErr)
		}
	}

	if cfg.OnComplete != nil && flowID != "" {
		msg := ""
		if first != nil {
			var relayErr *Error
			midRequest := st.AwaitingResponse()
			if errors.As(first, &relayErr) {
				// TransientIO on a cleanly finished exchange is routine
				// teardown, not a captured failure.
				if relayErr.Kind != TransientIO || midRequest {
					msg = relayErr.Err.Error()
				}
			} else {
				msg = first.Error()
			}
		}
		cfg.OnComplete(flowID, atomic.LoadInt64(&bytesIn), atomic.LoadInt64(&bytesOut), msg)
	}
	return first
}

// idleWatchdog closes the connection when no bytes have moved in either
// direction for idleTimeout, standing in for a per-byteSource read
// deadline: byteSource (net.Conn and *tlssession.Session alike) doesn't
// uniformly expose SetReadDeadline, so idle detection is driven from a
// shared last-activity timestamp instead.
func idleWatchdog(idleTimeout time.Duration, lastActivity *int64, closeBoth func(), done <-chan struct{}) {
	interval := idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(lastActivity))
			if time.Since(last) > idleTimeout {
				closeBoth()
				return
			}
		}
	}
}

// clientToServerPump relays the client->server direction, parsing
// request heads as they pass.
func clientToServerPump(cfg Config, st *State, client, server byteSource, bytesOut, lastActivity *int64) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			atomic.StoreInt64(lastActivity, time.Now().UnixNano())
			chunk := append([]byte(nil), buf[:n]...)
			if !st.AppendRequest(chunk) {
				return NewError(FramingError, fmt.Errorf("request buffer exceeded cap"))
			}

			m, perr := st.TryParseRequest()
			if perr != nil {
				return NewError(FramingError, perr)
			}
			if m != nil {
				emitNewFlow(cfg, st, m)
			}

			if _, werr := server.Write(chunk); werr != nil {
				return NewError(TransientIO, werr)
			}
			atomic.AddInt64(bytesOut, int64(n))
		}
		if err != nil {
			server.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return NewError(TransientIO, err)
		}
	}
}

// serverToClientPump relays the server->client direction, parsing
// response heads and bodies as they pass, including keep-alive reset
// and pipelined-leftover re-scan.
func serverToClientPump(cfg Config, st *State, client, server byteSource, bytesIn, lastActivity *int64) error {
	buf := make([]byte, 32*1024)
	start := time.Now()
	for {
		n, err := server.Read(buf)
		if n > 0 {
			atomic.StoreInt64(lastActivity, time.Now().UnixNano())
			chunk := append([]byte(nil), buf[:n]...)
			if !st.AppendResponse(chunk) {
				return NewError(FramingError, fmt.Errorf("response buffer exceeded cap"))
			}

			if _, perr := st.TryParseResponse(st.RequestMethod()); perr != nil {
				return NewError(FramingError, perr)
			}

			if m, ok := st.PendingResponse(); ok {
				if st.CheckResponseComplete(m.HeaderEndIndex, m.IsChunked) {
					closeAfter := completeResponse(cfg, st, m, start)
					if _, werr := client.Write(chunk); werr != nil {
						return NewError(TransientIO, werr)
					}
					atomic.AddInt64(bytesIn, int64(n))
					if closeAfter {
						return nil
					}
					start = time.Now()
					continue
				}
			}

			if _, werr := client.Write(chunk); werr != nil {
				return NewError(TransientIO, werr)
			}
			atomic.AddInt64(bytesIn, int64(n))
		}
		if err != nil {
			if st.AwaitingResponse() {
				// Connection-close framing: the response never
				// declared Content-Length or chunked; capture it now.
				st.TryParseResponse(st.RequestMethod())
				if m, ok := st.PendingResponse(); ok {
					st.MarkResponseCompleteOnClose()
					completeResponse(cfg, st, m, start)
				}
			}
			client.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return NewError(TransientIO, err)
		}
	}
}

// emitNewFlow assembles and emits a new capture record for a freshly
// parsed request head, allocating a fresh UUID for every request past
// the first on a connection (invariant 2/3: keep-alive ID uniqueness).
func emitNewFlow(cfg Config, st *State, m *httpparse.Message) {
	id := st.BeginFlow(cfg.ParentFlowID)

	url := fmt.Sprintf("%s://%s%s", cfg.Scheme, cfg.Host, m.Path)
	preview := st.RequestPreview(m.HeaderEndIndex, bodyPreviewCap)

	flow := &capture.Flow{
		ID:          id,
		Kind:        cfg.Kind,
		Host:        cfg.Host,
		Port:        cfg.Port,
		ProcessName: cfg.ProcessName,
		StartTS:     time.Now(),
		Request: &capture.Request{
			Method:      m.Method,
			URL:         url,
			HTTPVersion: m.HTTPVersion,
			Headers:     capture.FromParsedHeaders(m.Headers),
			BodyPreview: preview,
		},
	}
	if cfg.OnFlow != nil {
		cfg.OnFlow(flow)
	}
}

// completeResponse assembles a Response and emits update_flow, then
// resets state for the next pipelined request. It returns whether the
// connection should close after forwarding the in-flight bytes.
func completeResponse(cfg Config, st *State, m *httpparse.Message, start time.Time) bool {
	body := st.ResponseBodyBytes(m.HeaderEndIndex)
	if m.IsChunked {
		if decoded, err := httpparse.DecodeChunked(body); err == nil {
			body = decoded
		}
	}
	preview := BodyPreview(body, 0, bodyPreviewCap)

	resp := &capture.Response{
		Status:      m.StatusCode,
		Reason:      m.Reason,
		HTTPVersion: m.HTTPVersion,
		Headers:     capture.FromParsedHeaders(m.Headers),
		BodySize:    int64(len(body)),
		BodyPreview: preview,
		Duration:    time.Since(start),
	}
	if cfg.OnUpdate != nil {
		cfg.OnUpdate(st.FlowID(), resp, nil)
	}

	shouldClose := m.ShouldClose
	st.ResetForNextRequest()

	// Pipelined leftover: if the reset buffer already contains a
	// complete next request's headers, synthesize its capture record
	// immediately rather than waiting for more client bytes to arrive.
	if !shouldClose && st.HasPendingRequestBytes() {
		if next, err := st.TryParseRequest(); err == nil && next != nil {
			emitNewFlow(cfg, st, next)
		}
	}
	return shouldClose
}
