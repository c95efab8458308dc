package flow

import (
	"net"
	"strconv"
	"sync"
)

// connFlow adapts a net.Conn to the TCPFlow capability interface. It is
// the one concrete harness a local iptables/pf-redirected listener (or
// an integration test) plugs into; the relay core never dials or
// listens for client connections itself.
type connFlow struct {
	conn    net.Conn
	process string

	writeMu sync.Mutex
}

// NewTCPFlow wraps an already-accepted connection as a TCPFlow. process
// identifies the origin application, when known; pass "" if the
// integrator cannot attribute the flow to a process.
func NewTCPFlow(conn net.Conn, process string) TCPFlow {
	return &connFlow{conn: conn, process: process}
}

func (c *connFlow) Read() ([]byte, error) {
	buf := make([]byte, 32*1024)
	n, err := c.conn.Read(buf)
	if n == 0 {
		return nil, err
	}
	return buf[:n], err
}

func (c *connFlow) Write(b []byte, cb func(error)) {
	// Serialize writes: the underlying net.Conn is not safe for
	// concurrent Write calls and callers may fire several in flight.
	go func() {
		c.writeMu.Lock()
		_, err := c.conn.Write(b)
		c.writeMu.Unlock()
		if cb != nil {
			cb(err)
		}
	}()
}

func (c *connFlow) CloseRead(err error) {
	if cr, ok := c.conn.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
		return
	}
	_ = c.conn.Close()
}

func (c *connFlow) CloseWrite(err error) {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.conn.Close()
}

func (c *connFlow) RemoteEndpoint() (string, int) {
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(c.conn.RemoteAddr().String())
		if err != nil {
			return c.conn.RemoteAddr().String(), 0
		}
		port, _ := strconv.Atoi(portStr)
		return host, port
	}
	return addr.IP.String(), addr.Port
}

func (c *connFlow) SourceProcessIdentifier() string {
	return c.process
}

// packetFlow adapts a net.PacketConn plus a fixed correlation endpoint
// (the original sender) into a UDPFlow representing one conversation.
type packetFlow struct {
	pc      net.PacketConn
	from    net.Addr
	process string

	mu      sync.Mutex
	pending [][]byte
	endps   []Endpoint
}

// NewUDPFlow wraps a packet connection, buffering datagrams received
// from a single client address as one conversation.
func NewUDPFlow(pc net.PacketConn, from net.Addr, process string) UDPFlow {
	return &packetFlow{pc: pc, from: from, process: process}
}

// Deliver feeds one inbound datagram (already read off the shared
// socket by the caller) into this conversation's buffer.
func (p *packetFlow) Deliver(payload []byte, dest Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, payload)
	p.endps = append(p.endps, dest)
}

func (p *packetFlow) ReadDatagrams() ([][]byte, []Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	payloads, endps := p.pending, p.endps
	p.pending, p.endps = nil, nil
	return payloads, endps, nil
}

func (p *packetFlow) WriteDatagrams(payloads [][]byte, endpoints []Endpoint, cb func(error)) {
	go func() {
		var firstErr error
		for i, payload := range payloads {
			_, err := p.pc.WriteTo(payload, p.from)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			_ = endpoints // destinations are informational; replies always go to the client's source address
			_ = i
		}
		if cb != nil {
			cb(firstErr)
		}
	}()
}

func (p *packetFlow) SourceProcessIdentifier() string {
	return p.process
}
