package indexserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func TestAnnounceThenGetReturnsHolders(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, 50*time.Millisecond, 0, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	s.Announce("movie.mp4", "peer-1", "abc123")

	req := httptest.NewRequest(http.MethodGet, "/files/movie.mp4", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var desc FileDescriptor
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(desc.Holders) != 1 || desc.Holders[0].PeerID != "peer-1" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestGetMissingFileReturns404(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, 0, 0, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodGet, "/files/nope.bin", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestPostWithoutPeerIDReturns400(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, 0, 0, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/files/movie.mp4", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAnnounceInvalidatesCachedMiss(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-a"}, nil)
	s := New(reg, time.Hour, 0, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodGet, "/files/song.mp3", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected initial 404, got %d", w.Code)
	}

	s.Announce("song.mp3", "peer-2", "deadbeef")

	req2 := httptest.NewRequest(http.MethodGet, "/files/song.mp3", nil)
	w2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 after announce invalidated the cache, got %d", w2.Code)
	}
}
