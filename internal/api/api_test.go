package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/module/interceptor/internal/capture"
)

func testServer(token string, store *capture.Store) *Server {
	return NewServer(func() string { return token }, store, nil)
}

func TestListFlowsRequiresAuth(t *testing.T) {
	s := testServer("secret", capture.New())

	req := httptest.NewRequest(http.MethodGet, "/api/flows", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestListFlowsRejectsTokenInQuery(t *testing.T) {
	s := testServer("secret", capture.New())

	req := httptest.NewRequest(http.MethodGet, "/api/flows?token=secret", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for token in URL, got %d", w.Code)
	}
}

func TestListFlowsReturnsDeltaSinceSequence(t *testing.T) {
	store := capture.New()
	store.AddFlow(&capture.Flow{ID: "a", Kind: capture.KindHTTP, Host: "example.com"})
	store.AddFlow(&capture.Flow{ID: "b", Kind: capture.KindHTTPS, Host: "example.org"})

	s := testServer("secret", store)

	req := httptest.NewRequest(http.MethodGet, "/api/flows?since=1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp FlowsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Flows) != 1 || resp.Flows[0].ID != "b" {
		t.Fatalf("expected only flow b past sequence 1, got %+v", resp.Flows)
	}
}

func TestListDNSReturnsRecords(t *testing.T) {
	store := capture.New()
	store.RecordDNSQuery(&capture.DNSQuery{Domain: "example.com", Type: "A", RCode: "NOERROR"})

	s := testServer("secret", store)

	req := httptest.NewRequest(http.MethodGet, "/api/dns", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp DNSResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Queries) != 1 || resp.Queries[0].Domain != "example.com" {
		t.Fatalf("expected one DNS record for example.com, got %+v", resp.Queries)
	}
}

func TestHealthCheckDoesNotRequireAuth(t *testing.T) {
	s := testServer("secret", capture.New())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("expected status ok, got %q", health.Status)
	}
}

func TestCORSHeadersSetForLocalhostOrigin(t *testing.T) {
	s := testServer("secret", capture.New())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected CORS header echoing localhost origin, got %q", got)
	}
}
