package relay

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/doh"
	"github.com/module/interceptor/internal/flow"
)

const (
	udpIdleTimeout  = 60 * time.Second
	udpReapInterval = 30 * time.Second
	udpReadBuffer   = 64 * 1024
)

// udpPoolEntry is one pooled outbound UDP socket for a (host, port)
// destination: a mutex-guarded struct with an explicit Close and a
// channel consumers can Wait on.
type udpPoolEntry struct {
	conn net.PacketConn
	dest *net.UDPAddr

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	lastUse time.Time
}

func newUDPPoolEntry(conn net.PacketConn, dest *net.UDPAddr) *udpPoolEntry {
	return &udpPoolEntry{conn: conn, dest: dest, closeCh: make(chan struct{}), lastUse: time.Now()}
}

func (e *udpPoolEntry) touch() {
	e.mu.Lock()
	e.lastUse = time.Now()
	e.mu.Unlock()
}

func (e *udpPoolEntry) idle() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastUse)
}

// Close tears the socket down exactly once and wakes any Wait callers.
func (e *udpPoolEntry) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
	return e.conn.Close()
}

// Wait blocks until the entry closes or ctx ends.
func (e *udpPoolEntry) Wait(ctx context.Context) error {
	select {
	case <-e.closeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UDPRelay forwards one claimed UDP conversation's datagrams to their
// destinations, pooling outbound sockets by (host, port) so replies on
// a long-lived conversation reuse the same socket. Port-53 datagrams
// never touch the pool: they are short-circuited into a DoH lookup and
// answered directly on the flow.
type UDPRelay struct {
	Logger *slog.Logger
	DoH    *doh.Client

	ProcessName string
	OnFlow      func(*capture.Flow)
	OnComplete  func(id string, bytesIn, bytesOut int64, errMsg string)
	OnDNS       func(*capture.DNSQuery)

	mu       sync.Mutex
	pool     map[string]*udpPoolEntry
	once     sync.Once
	reapStop chan struct{}
}

func (r *UDPRelay) init() {
	r.once.Do(func() {
		r.pool = make(map[string]*udpPoolEntry)
		r.reapStop = make(chan struct{})
		go r.reapLoop()
	})
}

func poolKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// reapLoop closes pool entries that have gone quiet: periodic,
// mutex-guarded, bounded work per tick.
func (r *UDPRelay) reapLoop() {
	ticker := time.NewTicker(udpReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.reapStop:
			return
		case <-ticker.C:
			r.mu.Lock()
			for k, e := range r.pool {
				if e.idle() > udpIdleTimeout {
					delete(r.pool, k)
					e.Close()
				}
			}
			r.mu.Unlock()
		}
	}
}

// Stop shuts down the reaper and every pooled socket. Safe to call once
// per UDPRelay lifetime.
func (r *UDPRelay) Stop() {
	r.init()
	close(r.reapStop)
	r.mu.Lock()
	for k, e := range r.pool {
		delete(r.pool, k)
		e.Close()
	}
	r.mu.Unlock()
}

func (r *UDPRelay) entryFor(dest flow.Endpoint) (*udpPoolEntry, error) {
	key := poolKey(dest.Host, dest.Port)

	r.mu.Lock()
	if e, ok := r.pool[key]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dest.Host, strconv.Itoa(dest.Port)))
	if err != nil {
		return nil, NewError(TransientIO, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, NewError(TransientIO, err)
	}
	entry := newUDPPoolEntry(conn, addr)

	r.mu.Lock()
	if existing, ok := r.pool[key]; ok {
		r.mu.Unlock()
		entry.Close()
		return existing, nil
	}
	r.pool[key] = entry
	r.mu.Unlock()
	return entry, nil
}

// Run drains f's datagrams until stop fires or the conversation goes
// idle past udpIdleTimeout with no new traffic. Only the first
// datagram's destination is reported as the conversation's flow
// metadata; later destinations on the same conversation are forwarded
// but not individually recorded.
func (r *UDPRelay) Run(f flow.UDPFlow, stop <-chan struct{}) {
	r.init()

	id := uuid.NewString()
	start := time.Now()
	var recordedFlow bool
	var bytesIn, bytesOut int64

	idleTimer := time.NewTimer(udpIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-stop:
			r.finish(id, recordedFlow, bytesIn, bytesOut, "")
			return
		default:
		}

		payloads, endpoints, err := f.ReadDatagrams()
		if err != nil {
			r.finish(id, recordedFlow, bytesIn, bytesOut, err.Error())
			return
		}
		if len(payloads) == 0 {
			select {
			case <-stop:
				r.finish(id, recordedFlow, bytesIn, bytesOut, "")
				return
			case <-idleTimer.C:
				r.finish(id, recordedFlow, bytesIn, bytesOut, "")
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		idleTimer.Reset(udpIdleTimeout)

		for i, payload := range payloads {
			dest := endpoints[i]
			bytesOut += int64(len(payload))

			if !recordedFlow {
				recordedFlow = true
				if r.OnFlow != nil {
					r.OnFlow(&capture.Flow{
						ID:          id,
						Kind:        capture.KindUDP,
						Host:        dest.Host,
						Port:        dest.Port,
						ProcessName: f.SourceProcessIdentifier(),
						StartTS:     start,
					})
				}
			}

			if dest.Port == 53 {
				r.handleDNS(f, dest, payload, &bytesIn)
				continue
			}

			r.forward(f, dest, payload, &bytesIn)
		}
	}
}

func (r *UDPRelay) handleDNS(f flow.UDPFlow, dest flow.Endpoint, payload []byte, bytesIn *int64) {
	qstart := time.Now()
	answer, encrypted, err := r.DoH.Query(context.Background(), payload)
	latency := time.Since(qstart)

	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("doh query failed, synthesizing SERVFAIL", "error", err)
		}
		answer = doh.SynthesizeSERVFAIL(payload)
		encrypted = false
	}

	rec := &capture.DNSQuery{
		ProcessName: f.SourceProcessIdentifier(),
		LatencyMs:   latency.Milliseconds(),
		IsEncrypted: encrypted,
	}
	if q, qerr := doh.ParseQuestion(payload); qerr == nil {
		rec.Domain = q.Domain
		rec.Type = q.Type
	}
	if a, aerr := doh.ParseAnswer(answer); aerr == nil {
		rec.RCode = a.RCode
		rec.Answers = a.Answers
		rec.TTL = a.TTL
	} else if err != nil {
		rec.RCode = "SERVFAIL"
	}
	if r.OnDNS != nil {
		r.OnDNS(rec)
	}

	f.WriteDatagrams([][]byte{answer}, []flow.Endpoint{dest}, func(werr error) {
		if werr == nil {
			*bytesIn += int64(len(answer))
		} else if r.Logger != nil {
			r.Logger.Debug("writing dns answer back to flow failed", "error", werr)
		}
	})
}

func (r *UDPRelay) forward(f flow.UDPFlow, dest flow.Endpoint, payload []byte, bytesIn *int64) {
	entry, err := r.entryFor(dest)
	if err != nil {
		if r.Logger != nil {
			Log(r.Logger, "", err.(*Error))
		}
		return
	}
	entry.touch()

	if _, werr := entry.conn.WriteTo(payload, entry.dest); werr != nil {
		if r.Logger != nil {
			r.Logger.Debug("udp forward write failed", "dest", dest, "error", werr)
		}
		return
	}

	go r.pumpReply(f, dest, entry, bytesIn)
}

// pumpReply reads at most one datagram back from a freshly-forwarded
// destination and writes it onto the client flow. A reader is started
// for every forwarded datagram, so several may wait on one pooled entry
// at once; each takes whichever reply arrives next, and one that gets
// none returns when its read deadline passes.
func (r *UDPRelay) pumpReply(f flow.UDPFlow, dest flow.Endpoint, entry *udpPoolEntry, bytesIn *int64) {
	buf := make([]byte, udpReadBuffer)
	_ = entry.conn.SetReadDeadline(time.Now().Add(udpIdleTimeout))
	n, _, err := entry.conn.ReadFrom(buf)
	if err != nil || n == 0 {
		return
	}
	entry.touch()
	reply := make([]byte, n)
	copy(reply, buf[:n])
	f.WriteDatagrams([][]byte{reply}, []flow.Endpoint{dest}, func(werr error) {
		if werr == nil {
			*bytesIn += int64(len(reply))
		}
	})
}

func (r *UDPRelay) finish(id string, recorded bool, bytesIn, bytesOut int64, errMsg string) {
	if recorded && r.OnComplete != nil {
		r.OnComplete(id, bytesIn, bytesOut, errMsg)
	}
}
