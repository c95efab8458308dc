// Package router dispatches claimed flows to the relay matching their
// destination port, and owns the timeout/cancellation-group semantics
// applied to every flow rather than leaving that to individual relays.
package router

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/module/interceptor/internal/capki"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/dnsrelay"
	"github.com/module/interceptor/internal/doh"
	"github.com/module/interceptor/internal/flow"
	"github.com/module/interceptor/internal/relay"
	"github.com/module/interceptor/internal/tlssession"
)

// Fixed timeouts applied to every dispatched flow.
const (
	ConnectTimeout  = 15 * time.Second
	IdleTimeout     = 60 * time.Second
	MaxFlowLifetime = 300 * time.Second
)

// RelayFunc handles one already-routed TCP flow through to completion.
type RelayFunc func(ctx context.Context, handle flow.TCPFlow, host string, port int, process string)

// Router owns the per-kind dispatch table and the shared dependencies
// (cert cache, DoH client, capture store) every relay needs.
type Router struct {
	Logger    *slog.Logger
	CertCache *capki.Cache
	DoH       *doh.Client
	Store     *capture.Store

	// OnRecord, when set, is called with every *capture.Flow and
	// *capture.DNSQuery alongside the store write — the seam a
	// WebSocket broadcaster (or any other consumer that shouldn't poll
	// the store) hangs off of, without the relay goroutines that
	// produced the record blocking on it.
	OnRecord func(interface{})

	mu    sync.RWMutex
	table map[int]RelayFunc
}

// New builds a Router with the standard port-dispatch table installed:
// 443 MITM (falling back to passthrough), 80 cleartext HTTP, 53 TCP DNS,
// anything else opaque passthrough. cache may be nil when the CA is
// unavailable; every port-443 flow then falls straight to passthrough.
func New(logger *slog.Logger, cache *capki.Cache, dohClient *doh.Client, store *capture.Store) *Router {
	r := &Router{Logger: logger, CertCache: cache, DoH: dohClient, Store: store, table: make(map[int]RelayFunc)}
	r.Register(443, r.handleMITM)
	r.Register(80, r.handleHTTP)
	r.Register(53, r.handleDNS)
	return r
}

// Register installs (or replaces) the handler for a destination port,
// letting callers add relays — e.g. a future SOCKS dispatch — without
// touching the dispatch table's construction.
func (r *Router) Register(port int, fn RelayFunc) {
	r.mu.Lock()
	r.table[port] = fn
	r.mu.Unlock()
}

func (r *Router) lookup(port int) RelayFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[port]
}

// HandleTCPFlow dispatches handle by remotePort, and blocks until the
// flow has been fully processed. Invalid ports are rejected and the
// handle released immediately.
func (r *Router) HandleTCPFlow(handle flow.TCPFlow, remoteHost string, remotePort int, process string) {
	if remotePort < 1 || remotePort > 65535 {
		handle.CloseRead(nil)
		handle.CloseWrite(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), MaxFlowLifetime)
	defer cancel()

	fn := r.lookup(remotePort)
	if fn == nil {
		fn = r.handlePassthrough
	}
	fn(ctx, handle, remoteHost, remotePort, process)
}

// HandleUDPFlow dispatches handle to the datagram relay, which itself
// diverts port-53 datagrams through DoH.
func (r *Router) HandleUDPFlow(handle flow.UDPFlow, process string) {
	ctx, cancel := context.WithTimeout(context.Background(), MaxFlowLifetime)
	defer cancel()

	ur := &relay.UDPRelay{
		Logger:      r.Logger,
		DoH:         r.DoH,
		ProcessName: process,
		OnFlow:      r.onFlow,
		OnComplete:  r.onComplete,
		OnDNS:       r.onDNS,
	}
	stop := ctxStop(ctx)
	ur.Run(handle, stop)
	ur.Stop()
}

// ctxStop adapts a context's cancellation into the <-chan struct{}
// shape relay.Run methods take: when the flow's deadline fires, every
// goroutine relaying it observes stop and tears down together.
func ctxStop(ctx context.Context) <-chan struct{} {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	return stop
}

func (r *Router) onFlow(f *capture.Flow) {
	if r.Store != nil {
		r.Store.AddFlow(f)
	}
	if r.OnRecord != nil {
		r.OnRecord(f)
	}
}

func (r *Router) onUpdate(id string, resp *capture.Response, bodySize *int64) {
	if r.Store != nil {
		r.Store.UpdateFlow(id, resp, bodySize)
	}
}

func (r *Router) onComplete(id string, bytesIn, bytesOut int64, errMsg string) {
	if r.Store != nil {
		r.Store.CompleteFlow(id, bytesIn, bytesOut, errMsg)
	}
}

func (r *Router) onDNS(q *capture.DNSQuery) {
	if r.Store != nil {
		r.Store.RecordDNSQuery(q)
	}
	if r.OnRecord != nil {
		r.OnRecord(q)
	}
}

// handleHTTP relays cleartext HTTP: dial the origin, relay both ends as
// plain net.Conn.
func (r *Router) handleHTTP(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
	client := tlssession.NewConn(handle)
	server, err := dialTCP(ctx, host, port)
	if err != nil {
		client.Close()
		return
	}

	hr := &relay.HTTPRelay{Config: relay.Config{
		Logger:      r.Logger,
		ProcessName: process,
		Host:        host,
		Port:        port,
		Scheme:      "http",
		Kind:        capture.KindHTTP,
		OnFlow:      r.onFlow,
		OnUpdate:    r.onUpdate,
		OnComplete:  r.onComplete,
		IdleTimeout: IdleTimeout,
	}}
	hr.Run(client, server, ctxStop(ctx))
}

// handleMITM attempts to terminate client TLS with a minted leaf cert
// and relay decrypted bytes to a fresh TLS connection to the real
// origin.
//
// Only the CAUnavailable case (no cache at all, decided before a single
// byte is read from the client) falls back to opaque passthrough. Once
// crypto/tls has started parsing the ClientHello to reach our
// GetCertificate callback, it has already consumed those bytes from
// the flow; they can't be handed to a passthrough relay afterward, so
// a MintFailure or any other in-handshake error releases the flow
// instead of attempting a passthrough fallback that would silently
// drop the ClientHello — a deliberate deviation recorded in DESIGN.md.
func (r *Router) handleMITM(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
	if r.CertCache == nil {
		r.passthroughFallback(ctx, handle, host, port, process)
		return
	}

	tlsCfg := &tls.Config{GetCertificate: r.CertCache.GetCertificate, MaxVersion: tls.VersionTLS12}
	clientSession := tlssession.Server(handle, tlsCfg)

	hctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	err := clientSession.Handshake(hctx)
	cancel()
	if err != nil {
		kind := relay.TLSHandshakeFailed
		if errors.Is(err, capki.ErrCAUnavailable) || errors.Is(err, capki.ErrMintFailure) {
			kind = relay.MintFailure
		}
		if r.Logger != nil {
			relay.Log(r.Logger, "", relay.NewError(kind, err))
		}
		clientSession.Close()
		return
	}

	serverConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), ConnectTimeout)
	if err != nil {
		clientSession.Close()
		return
	}
	serverFlow := flow.NewTCPFlow(serverConn, "")
	serverSession := tlssession.Client(serverFlow, &tls.Config{InsecureSkipVerify: true, ServerName: host})

	hctx2, cancel2 := context.WithTimeout(ctx, ConnectTimeout)
	if err := serverSession.Handshake(hctx2); err != nil {
		cancel2()
		clientSession.Close()
		serverSession.Close()
		return
	}
	cancel2()

	mr := &relay.MITMRelay{Config: relay.Config{
		Logger:      r.Logger,
		ProcessName: process,
		Host:        host,
		Port:        port,
		Scheme:      "https",
		Kind:        capture.KindHTTPS,
		OnFlow:      r.onFlow,
		OnUpdate:    r.onUpdate,
		OnComplete:  r.onComplete,
		IdleTimeout: IdleTimeout,
	}}
	mr.Run(clientSession, serverSession, ctxStop(ctx))
}

// passthroughFallback relays the client's still-undecrypted TLS bytes
// straight through to a plain-dialed origin connection.
func (r *Router) passthroughFallback(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
	client := tlssession.NewConn(handle)
	server, err := dialTCP(ctx, host, port)
	if err != nil {
		client.Close()
		return
	}
	p := &relay.Passthrough{
		Logger:      r.Logger,
		Host:        host,
		Port:        port,
		ProcessName: process,
		Kind:        capture.KindHTTPS,
		OnFlow:      r.onFlow,
		OnComplete:  r.onComplete,
		IdleTimeout: IdleTimeout,
	}
	p.Run(client, server, ctxStop(ctx))
}

// handleDNS answers length-prefixed TCP DNS queries through DoH without
// ever dialing the real destination.
func (r *Router) handleDNS(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
	client := tlssession.NewConn(handle)
	tr := &dnsrelay.TCPRelay{
		Logger:      r.Logger,
		DoH:         r.DoH,
		ProcessName: process,
		Host:        host,
		Port:        port,
		OnFlow:      r.onFlow,
		OnComplete:  r.onComplete,
		OnDNS:       r.onDNS,
	}
	tr.Run(client, ctxStop(ctx))
}

// handlePassthrough is the catch-all for any port without a registered
// handler: dial the real origin and copy bytes opaquely.
func (r *Router) handlePassthrough(ctx context.Context, handle flow.TCPFlow, host string, port int, process string) {
	client := tlssession.NewConn(handle)
	server, err := dialTCP(ctx, host, port)
	if err != nil {
		client.Close()
		return
	}
	p := &relay.Passthrough{
		Logger:      r.Logger,
		Host:        host,
		Port:        port,
		ProcessName: process,
		Kind:        capture.KindTCP,
		OnFlow:      r.onFlow,
		OnComplete:  r.onComplete,
		IdleTimeout: IdleTimeout,
	}
	p.Run(client, server, ctxStop(ctx))
}

func dialTCP(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: ConnectTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
