package tlssession

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/module/interceptor/internal/flow"
)

// handshakeTimeout bounds how long a TLS handshake over a flowConn may
// take before Session.Handshake gives up.
const handshakeTimeout = 30 * time.Second

// Session wraps a crypto/tls.Conn running over a flow.TCPFlow. The
// underlying library already performs non-blocking-retry TLS record
// handling; Session's job is the handshake deadline and idempotent
// close crypto/tls itself doesn't provide.
type Session struct {
	conn     *tls.Conn
	fc       *flowConn
	closeOnce sync.Once
}

// Server wraps f as the server side of a TLS handshake, using
// cfg.GetCertificate to mint a per-SNI leaf certificate on the fly.
func Server(f flow.TCPFlow, cfg *tls.Config) *Session {
	fc := newFlowConn(f)
	return &Session{conn: tls.Server(fc, cfg), fc: fc}
}

// Client wraps an already-dialed connection to the real origin,
// presented as a flow.TCPFlow, as the client side of a TLS handshake.
func Client(f flow.TCPFlow, cfg *tls.Config) *Session {
	fc := newFlowConn(f)
	return &Session{conn: tls.Client(fc, cfg), fc: fc}
}

// Handshake performs the TLS handshake with a fixed deadline: a
// handshake that never completes must not hang the flow forever.
func (s *Session) Handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.conn.HandshakeContext(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("tlssession: handshake: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.Close()
		return fmt.Errorf("tlssession: handshake: %w", ctx.Err())
	}
}

// Read reads decrypted application data.
func (s *Session) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Write writes application data, encrypting and forwarding to the flow.
func (s *Session) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Close tears down the TLS session and the underlying flow exactly
// once; repeat calls are no-ops, avoiding a close/library-call race.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		s.fc.Close()
	})
	return err
}

// ConnectionState exposes the negotiated TLS state (SNI, cipher suite)
// for capture metadata.
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}
