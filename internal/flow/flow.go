// Package flow defines the capability interface the OS-level flow
// interception integrator hands the router: opaque TCP and UDP flow
// handles carrying remote-endpoint and origin-process metadata.
package flow

// Endpoint is a remote host/port pair.
type Endpoint struct {
	Host string
	Port int
}

// TCPFlow is one bidirectional byte stream claimed from an application.
// Read returns io.EOF (or a zero-length slice with a nil error) once the
// peer has closed its write side. Write is fire-and-forget from the
// caller's perspective; cb reports completion or failure asynchronously.
type TCPFlow interface {
	Read() ([]byte, error)
	Write(b []byte, cb func(error))
	CloseRead(err error)
	CloseWrite(err error)
	RemoteEndpoint() (host string, port int)
	SourceProcessIdentifier() string
}

// UDPFlow is a datagram conversation claimed from an application. Each
// read may surface multiple datagrams with per-datagram destinations;
// each write targets one or more destinations independently.
type UDPFlow interface {
	ReadDatagrams() (payloads [][]byte, endpoints []Endpoint, err error)
	WriteDatagrams(payloads [][]byte, endpoints []Endpoint, cb func(error))
	SourceProcessIdentifier() string
}

// RuleSet describes the interception policy installed at startup. The
// core does not enforce it — actual traffic redirection is an external
// interface owned by the host integration — it only records what the
// integrator was asked to install.
type RuleSet struct {
	InterceptAllOutboundTCP bool
	InterceptAllOutboundUDP bool
}

// DefaultRuleSet is "intercept all outbound TCP and UDP, any remote
// network, any local network."
func DefaultRuleSet() RuleSet {
	return RuleSet{InterceptAllOutboundTCP: true, InterceptAllOutboundUDP: true}
}
