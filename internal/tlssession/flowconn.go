// Package tlssession bridges the flow package's callback/poll-style
// TCPFlow capability object onto a net.Conn so crypto/tls — which
// already does non-blocking-retry TLS internally — can run the MITM
// handshake directly, rather than reimplementing a WOULD_BLOCK retry
// loop against a literal callback-driven TLS library.
package tlssession

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/module/interceptor/internal/flow"
)

// maxReadBuffer bounds how many undelivered bytes flowConn will buffer
// from the underlying flow before a reader catches up.
const maxReadBuffer = 16 * 1024 * 1024

// maxWaiters bounds the waiter list; the 65th concurrent Read beyond
// this is resumed immediately instead of queued (a spurious wakeup),
// rather than growing the list without bound.
const maxWaiters = 64

// writeTimeout bounds how long a single flowConn.Write waits for the
// flow's write callback before failing.
const writeTimeout = 10 * time.Second

var errFlowClosed = errors.New("tlssession: flow closed")

// flowConn adapts a flow.TCPFlow into a net.Conn so crypto/tls.Conn can
// be layered directly on top of it.
type flowConn struct {
	f flow.TCPFlow

	mu      sync.Mutex
	buf     []byte
	closed  bool
	closeErr error
	waiters []chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time

	pumpOnce sync.Once
}

func newFlowConn(f flow.TCPFlow) *flowConn {
	c := &flowConn{f: f}
	c.pumpOnce.Do(func() { go c.readPump() })
	return c
}

// NewConn adapts a flow.TCPFlow into a plain net.Conn, for relays that
// don't need a TLS session layered on top — the cleartext HTTP relay
// and opaque passthrough both drive a flow.TCPFlow the same way a TLS
// handshake would, just without the handshake.
func NewConn(f flow.TCPFlow) net.Conn {
	return newFlowConn(f)
}

// readPump continuously drains the flow and appends to the bounded
// buffer, waking any waiters each time it adds bytes or observes EOF.
func (c *flowConn) readPump() {
	for {
		b, err := c.f.Read()
		c.mu.Lock()
		if len(b) > 0 {
			c.buf = append(c.buf, b...)
			if len(c.buf) > maxReadBuffer {
				// Drop the oldest bytes rather than grow unbounded;
				// a MITM session reading slower than the wire fills
				// this only under pathological conditions.
				c.buf = c.buf[len(c.buf)-maxReadBuffer:]
			}
		}
		if err != nil {
			c.closed = true
			c.closeErr = err
		}
		c.wakeWaitersLocked()
		done := c.closed
		c.mu.Unlock()
		if done {
			return
		}
	}
}

func (c *flowConn) wakeWaitersLocked() {
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// Read implements net.Conn. It drains the buffer, blocking on a waiter
// channel when empty and not yet closed.
func (c *flowConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			if err == nil {
				return 0, errFlowClosed
			}
			return 0, err
		}

		wait := make(chan struct{})
		if len(c.waiters) >= maxWaiters {
			// Overflow: resume immediately rather than queue, per
			// the bounded-waiter-list rule.
			c.mu.Unlock()
			continue
		}
		c.waiters = append(c.waiters, wait)
		deadline := c.readDeadline
		c.mu.Unlock()

		if deadline.IsZero() {
			<-wait
			continue
		}
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return 0, errTimeout{}
		}
	}
}

// Write implements net.Conn, forwarding to the flow's callback-style
// write and blocking on a per-call channel with a fixed timeout.
func (c *flowConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errFlowClosed
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	c.f.Write(p, func(err error) { done <- err })

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-timer.C:
		return 0, errTimeout{}
	}
}

// Close implements net.Conn by closing both flow directions.
func (c *flowConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = errFlowClosed
		c.wakeWaitersLocked()
	}
	c.mu.Unlock()
	c.f.CloseRead(nil)
	c.f.CloseWrite(nil)
	return nil
}

func (c *flowConn) LocalAddr() net.Addr  { return flowAddr{} }
func (c *flowConn) RemoteAddr() net.Addr {
	host, port := c.f.RemoteEndpoint()
	return &net.TCPAddr{IP: net.ParseIP(host), Port: port}
}

func (c *flowConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *flowConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *flowConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// flowAddr is a placeholder net.Addr for a flow's local side, which the
// flow capability interface does not expose.
type flowAddr struct{}

func (flowAddr) Network() string { return "flow" }
func (flowAddr) String() string  { return "flow:local" }

type errTimeout struct{}

func (errTimeout) Error() string   { return "tlssession: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
