package relay

import "github.com/module/interceptor/internal/tlssession"

// MITMRelay bridges a TLS-terminated client session (decrypted on our
// side of the intercepted handshake) to a TLS connection dialed fresh
// to the real origin. Cert validation on that origin connection is
// disabled by the intercept policy — the user already opted into MITM
// by trusting our CA, so re-enforcing server identity buys nothing.
type MITMRelay struct {
	Config Config
}

// Run drives the relay to completion over an already-handshaked client
// tlssession.Session and an already-handshaked server *tls.Conn (itself
// wrapped to satisfy byteSource, since tls.Conn already implements
// Read/Write/Close).
func (r *MITMRelay) Run(client *tlssession.Session, server byteSource, stop <-chan struct{}) error {
	return runHTTPPump(r.Config, client, server, stop)
}
