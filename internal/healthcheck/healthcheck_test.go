package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/gossip"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func TestHealthReturnsUp(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"UP"`) {
		t.Fatalf("expected UP with no gossip engine wired, got %s", w.Body.String())
	}
}

func TestHealthReportsDownWhenEveryPeerIsUnreachable(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	reg.Start()
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	eng, err := gossip.NewEngine(gossip.Config{
		NodeID:               "node-a",
		BindAddr:             "127.0.0.1:0",
		GossipInterval:       20 * time.Millisecond,
		BootstrapPeers:       []string{"127.0.0.1:1"}, // nothing listens here
		PeerFailureThreshold: 1,
		DialTimeout:          50 * time.Millisecond,
	}, reg, &gossip.TCPTransport{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	eng.Start()
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	s := New(reg, eng)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if strings.Contains(w.Body.String(), `"DOWN"`) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected /health to eventually report DOWN once the only bootstrap peer stays unreachable")
}

func TestDetailedListsRegisteredServices(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	reg.Register("peer", "p1", "127.0.0.1", 9001, nil)

	s := New(reg, nil)
	req := httptest.NewRequest(http.MethodGet, "/health/detailed", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "p1") {
		t.Fatalf("expected response to mention p1, got %s", w.Body.String())
	}
}

func TestServiceRequiresNameParam(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/service", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", w.Code)
	}
}

func TestServiceReturns404ForUnknownName(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/service?name=missing", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
