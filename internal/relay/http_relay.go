package relay

import "net"

// HTTPRelay bridges a cleartext client TCP connection to a cleartext
// server TCP connection, running the shared HTTP pump over both ends
// as net.Conn — which already satisfies byteSource directly.
type HTTPRelay struct {
	Config Config
}

// Run drives the relay to completion: client and server are both
// already-connected TCP sockets. Run blocks until the connection closes
// or a framing/transient error ends the relay, tearing down both ends
// and emitting a final capture update before returning.
func (r *HTTPRelay) Run(client, server net.Conn, stop <-chan struct{}) error {
	return runHTTPPump(r.Config, client, server, stop)
}
