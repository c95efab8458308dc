package relay

// byteSource is the minimal surface the shared HTTP pump drives. Both
// a plain net.Conn and a *tlssession.Session satisfy it, which is what
// lets HTTPRelay (client TCP <-> server TCP) and MITMRelay (client TLS
// session <-> server TLS connection) share one pump implementation
// instead of duplicating it per transport.
type byteSource interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
