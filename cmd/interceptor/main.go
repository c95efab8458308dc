// Command interceptor runs the transparent flow-interception core: a
// CONNECT-speaking TCP frontend that claims TLS flows and MITMs port
// 443, a dedicated UDP frontend that diverts DNS to DoH, and the
// capture-inspection API/WebSocket surface consumers attach to.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/module/interceptor/internal/api"
	"github.com/module/interceptor/internal/capki"
	"github.com/module/interceptor/internal/capture"
	"github.com/module/interceptor/internal/config"
	"github.com/module/interceptor/internal/doh"
	"github.com/module/interceptor/internal/eventqueue"
	"github.com/module/interceptor/internal/flow"
	"github.com/module/interceptor/internal/router"
	"github.com/module/interceptor/internal/ws"
	"github.com/module/interceptor/web"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: platform config dir)")
		showCA     = flag.Bool("show-ca", false, "print the PEM-encoded CA certificate and exit")
		debug      = flag.Bool("debug", false, "enable debug logging")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("interceptor dev")
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	ca, err := capki.LoadOrCreate(cfg.CA.Dir)
	if err != nil {
		logger.Error("loading CA", "error", err)
		os.Exit(1)
	}

	if *showCA {
		os.Stdout.Write(ca.CertPEM())
		return
	}

	if err := run(cfg, ca, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, ca *capki.CA, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	certCache := capki.NewCache(ca)
	store := capture.NewWithLimits(cfg.Memory.MaxFlows, cfg.Memory.MaxDNSQueries)
	dohClient := buildDoHClient(cfg)

	rt := router.New(logger, certCache, dohClient, store)

	authToken := func() string { return cfg.Auth.Token }
	hub := ws.NewHub(authToken, logger)
	go hub.Run(ctx)

	pump := eventqueue.NewQueue(4096)
	go drainEventQueue(ctx, pump, hub)
	rt.OnRecord = func(v interface{}) {
		pump.Push(&eventqueue.Item{Payload: v, Priority: eventqueue.PriorityHigh, Timestamp: time.Now()})
	}

	apiSrv := api.NewServer(authToken, store, logger)

	tcpLn, err := net.Listen("tcp", cfg.Proxy.TCPListen)
	if err != nil {
		return fmt.Errorf("listening for tcp flows: %w", err)
	}
	udpConn, err := net.ListenPacket("udp", cfg.Proxy.UDPListen)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("listening for udp flows: %w", err)
	}

	src := flow.NewListenerSource(logger)
	go func() {
		if err := src.ServeTCP(ctx, tcpLn, flow.ConnectResolver{}, func(h flow.TCPFlow, host string, port int, process string) {
			rt.HandleTCPFlow(h, host, port, process)
		}); err != nil {
			logger.Debug("tcp listener stopped", "error", err)
		}
	}()
	go func() {
		if err := src.ServeUDP(ctx, udpConn, flow.StaticUDPResolver{Host: "", Port: 53}, func(h flow.UDPFlow, process string) {
			go rt.HandleUDPFlow(h, process)
		}); err != nil {
			logger.Debug("udp listener stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/api/", apiSrv.Handler())
	mux.HandleFunc("/ws", hub.Handler())
	mux.HandleFunc("/ca.crt", serveCACert(ca))
	mux.Handle("/", web.StatusPageHandler())

	httpSrv := &http.Server{Addr: cfg.Proxy.APIListen, Handler: mux}
	go func() {
		logger.Info("capture api listening", "addr", cfg.Proxy.APIListen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("interceptor running",
		"tcp", cfg.Proxy.TCPListen, "udp", cfg.Proxy.UDPListen, "api", cfg.Proxy.APIListen)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	tcpLn.Close()
	udpConn.Close()

	return nil
}

// buildDoHClient turns the configured upstream list into a doh.Client,
// falling back to doh.NewClient()'s defaults when config carries none
// (e.g. a hand-edited config file that omitted the doh section).
func buildDoHClient(cfg *config.Config) *doh.Client {
	if len(cfg.DoH.Upstreams) == 0 {
		return doh.NewClient()
	}

	upstreams := make([]doh.Upstream, len(cfg.DoH.Upstreams))
	for i, u := range cfg.DoH.Upstreams {
		upstreams[i] = doh.Upstream{Name: u.Name, Primary: u.Primary, Fallback: u.Fallback}
	}

	fallback := cfg.DoH.UDPFallbackAddr
	if fallback == "" {
		fallback = "8.8.8.8:53"
	}

	return &doh.Client{
		Upstreams:       upstreams,
		HTTPClient:      &http.Client{Timeout: 5 * time.Second},
		UDPFallbackAddr: fallback,
	}
}

// drainEventQueue is the single consumer of pump: the router has
// already written each record to the store synchronously (a fast,
// mutex-guarded in-memory op); this goroutine only fans records out to
// the WebSocket hub, so a burst of flows never makes a relay goroutine
// wait on a broadcast.
func drainEventQueue(ctx context.Context, pump *eventqueue.Queue, hub *ws.Hub) {
	for {
		if !pump.Wait(ctx) {
			return
		}
		for _, item := range pump.PopBatch(64) {
			switch v := item.Payload.(type) {
			case *capture.Flow:
				hub.BroadcastFlow(v)
			case *capture.DNSQuery:
				hub.BroadcastDNS(v)
			}
		}
	}
}

func serveCACert(ca *capki.CA) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		w.Header().Set("Content-Disposition", `attachment; filename="interceptor-ca.crt"`)
		w.Write(ca.CertPEM())
	}
}
