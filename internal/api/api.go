// Package api provides the REST API for inspecting captured flows.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/module/interceptor/internal/capture"
)

// Server is the REST API server.
type Server struct {
	cfgToken    func() string // returns the current bearer token, supports hot-reload
	store       *capture.Store
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	rateLimiter *ConsumerRateLimiter
}

// NewServer creates a new API server over a capture store.
func NewServer(authToken func() string, store *capture.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfgToken:    authToken,
		store:       store,
		logger:      logger,
		mux:         http.NewServeMux(),
		startTime:   time.Now(),
		rateLimiter: NewConsumerRateLimiter(20, 100), // 20 req/sec sustained, 100 burst
	}

	s.mux.HandleFunc("GET /api/flows", s.authMiddleware(s.listFlows))
	s.mux.HandleFunc("GET /api/dns", s.authMiddleware(s.listDNS))
	s.mux.HandleFunc("GET /api/health", s.healthCheck)

	return s
}

// Handler returns the HTTP handler for the API: CORS -> rate limit -> routes.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with bearer token authentication,
// using constant-time comparison to prevent timing attacks. Tokens in
// URL query params are rejected — proxies and browsers log URLs, so a
// token there is already exposed by the time this handler sees it.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "" {
			s.logger.Warn("rejected token in URL", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "Token in URL is not allowed. Use Authorization header instead.", http.StatusBadRequest)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfgToken()

		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for local development.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && isLocalhostOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// listFlows returns flow records newer than ?since=<sequence>, for
// clients doing a delta fetch between WebSocket pushes.
func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	since := parseSince(r)

	maxSeq, flows := s.store.FlowsSince(since)

	response := make([]FlowView, len(flows))
	for i, f := range flows {
		response[i] = toFlowView(f)
	}

	s.writeJSON(w, FlowsResponse{MaxSequence: maxSeq, Flows: response})
}

// listDNS returns DNS query records newer than ?since=<sequence>.
func (s *Server) listDNS(w http.ResponseWriter, r *http.Request) {
	since := parseSince(r)

	maxSeq, queries := s.store.DNSSince(since)

	response := make([]DNSView, len(queries))
	for i, q := range queries {
		response[i] = toDNSView(q)
	}

	s.writeJSON(w, DNSResponse{MaxSequence: maxSeq, Queries: response})
}

func parseSince(r *http.Request) uint64 {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// healthCheck returns server health status with operational metrics.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}
	if s.store != nil {
		maxSeq, _ := s.store.FlowsSince(0)
		health.TotalFlows = maxSeq
	}
	s.writeJSON(w, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// API response types

// HeaderView is a single header in a capture-inspection response.
type HeaderView struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestView is the API view of a captured request head.
type RequestView struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"http_version"`
	Headers     []HeaderView `json:"headers,omitempty"`
	BodySize    int64        `json:"body_size"`
	BodyPreview string       `json:"body_preview,omitempty"`
}

// ResponseView is the API view of a captured response head.
type ResponseView struct {
	Status      int          `json:"status"`
	Reason      string       `json:"reason"`
	HTTPVersion string       `json:"http_version"`
	Headers     []HeaderView `json:"headers,omitempty"`
	BodySize    int64        `json:"body_size"`
	BodyPreview string       `json:"body_preview,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
}

// FlowView is the API view of a captured flow.
type FlowView struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	ProcessName string        `json:"process_name,omitempty"`
	StartTS     time.Time     `json:"start_ts"`
	EndTS       *time.Time    `json:"end_ts,omitempty"`
	Request     *RequestView  `json:"request,omitempty"`
	Response    *ResponseView `json:"response,omitempty"`
	BytesIn     int64         `json:"bytes_in"`
	BytesOut    int64         `json:"bytes_out"`
	Error       string        `json:"error,omitempty"`
	Sequence    uint64        `json:"sequence"`
}

// FlowsResponse is the API response for a delta flow fetch.
type FlowsResponse struct {
	MaxSequence uint64     `json:"max_sequence"`
	Flows       []FlowView `json:"flows"`
}

// DNSView is the API view of a captured DNS query.
type DNSView struct {
	Domain      string   `json:"domain"`
	Type        string   `json:"type"`
	ProcessName string   `json:"process_name,omitempty"`
	RCode       string   `json:"rcode"`
	Answers     []string `json:"answers,omitempty"`
	TTL         *uint32  `json:"ttl,omitempty"`
	LatencyMs   int64    `json:"latency_ms"`
	IsEncrypted bool     `json:"is_encrypted"`
	Sequence    uint64   `json:"sequence"`
}

// DNSResponse is the API response for a delta DNS fetch.
type DNSResponse struct {
	MaxSequence uint64    `json:"max_sequence"`
	Queries     []DNSView `json:"queries"`
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	TotalFlows uint64    `json:"total_flows"`
}

func toHeaderViews(h []capture.HeaderField) []HeaderView {
	if len(h) == 0 {
		return nil
	}
	out := make([]HeaderView, len(h))
	for i, f := range h {
		out[i] = HeaderView{Name: f.Name, Value: f.Value}
	}
	return out
}

func toFlowView(f *capture.Flow) FlowView {
	v := FlowView{
		ID:          f.ID,
		Kind:        string(f.Kind),
		Host:        f.Host,
		Port:        f.Port,
		ProcessName: f.ProcessName,
		StartTS:     f.StartTS,
		EndTS:       f.EndTS,
		BytesIn:     f.BytesIn,
		BytesOut:    f.BytesOut,
		Error:       f.Error,
		Sequence:    f.SequenceNumber,
	}
	if f.Request != nil {
		v.Request = &RequestView{
			Method:      f.Request.Method,
			URL:         f.Request.URL,
			HTTPVersion: f.Request.HTTPVersion,
			Headers:     toHeaderViews(f.Request.Headers),
			BodySize:    f.Request.BodySize,
			BodyPreview: string(f.Request.BodyPreview),
		}
	}
	if f.Response != nil {
		v.Response = &ResponseView{
			Status:      f.Response.Status,
			Reason:      f.Response.Reason,
			HTTPVersion: f.Response.HTTPVersion,
			Headers:     toHeaderViews(f.Response.Headers),
			BodySize:    f.Response.BodySize,
			BodyPreview: string(f.Response.BodyPreview),
			DurationMs:  f.Response.Duration.Milliseconds(),
		}
	}
	return v
}

func toDNSView(q *capture.DNSQuery) DNSView {
	return DNSView{
		Domain:      q.Domain,
		Type:        q.Type,
		ProcessName: q.ProcessName,
		RCode:       q.RCode,
		Answers:     q.Answers,
		TTL:         q.TTL,
		LatencyMs:   q.LatencyMs,
		IsEncrypted: q.IsEncrypted,
		Sequence:    q.SequenceNumber,
	}
}
