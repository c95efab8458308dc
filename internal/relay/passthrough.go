package relay

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/module/interceptor/internal/capture"
)

// Passthrough is an opaque byte-copy relay for flows the router doesn't
// otherwise understand: TCP to ports other than 80/443/53, and the
// fallback path when MITM is unavailable on port 443. Counts bytes and
// emits one capture record per connection.
type Passthrough struct {
	Logger *slog.Logger

	Host        string
	Port        int
	ProcessName string
	// Kind is "https" when a 443 MITM attempt fell back here, else "tcp".
	Kind capture.Kind

	OnFlow     func(*capture.Flow)
	OnComplete func(id string, bytesIn, bytesOut int64, errMsg string)

	IdleTimeout time.Duration
}

// Run copies bytes bidirectionally between client and server until
// either side closes or goes idle, emitting exactly one capture record
// for the whole connection.
func (p *Passthrough) Run(client, server net.Conn, stop <-chan struct{}) {
	id := uuid.NewString()
	start := time.Now()
	if p.OnFlow != nil {
		p.OnFlow(&capture.Flow{
			ID:          id,
			Kind:        p.Kind,
			Host:        p.Host,
			Port:        p.Port,
			ProcessName: p.ProcessName,
			StartTS:     start,
		})
	}

	idle := p.IdleTimeout
	if idle == 0 {
		idle = 60 * time.Second
	}

	var bytesIn, bytesOut int64
	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			client.Close()
			server.Close()
		})
	}
	go func() {
		<-stop
		closeAll()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(server, client, idle, &bytesOut)
		closeAll()
	}()
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(client, server, idle, &bytesIn)
		closeAll()
	}()
	wg.Wait()

	if p.OnComplete != nil {
		p.OnComplete(id, atomic.LoadInt64(&bytesIn), atomic.LoadInt64(&bytesOut), "")
	}
}

// copyWithIdleTimeout copies from src to dst, resetting src's read
// deadline after every successful read, and accumulates the byte count
// into counter.
func copyWithIdleTimeout(dst, src net.Conn, idleTimeout time.Duration, counter *int64) {
	buf := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return
			}
			atomic.AddInt64(counter, int64(n))
		}
		if err != nil {
			return
		}
	}
}
