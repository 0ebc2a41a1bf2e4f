// Package indexserver implements the file-to-peer directory: an HTTP JSON
// facade over registry entries of type "file", whose metadata carries the
// holder peer ID and checksum. Repeated lookups are memoized through the
// Cache Engine instead of re-scanning the registry on every request.
package indexserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/cache"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// DefaultCacheTTL and DefaultCacheRefresh mirror the configuration
// defaults cache.default.ttl.ms / cache.default.refresh.ms.
const (
	DefaultCacheTTL     = 10 * time.Second
	DefaultCacheRefresh = 0
)

// FileDescriptor is the unit the index server caches and serves.
type FileDescriptor struct {
	FileName string   `json:"fileName"`
	Holders  []Holder `json:"holders"`
}

// Holder is one peer known to carry a given file.
type Holder struct {
	PeerID   string `json:"peerId"`
	Checksum string `json:"checksum"`
}

// Server answers file lookups from the Local Registry, memoized in a
// generic TTL cache keyed by file name.
type Server struct {
	registry *registry.Local
	cache    *cache.Cache[string, FileDescriptor]
	logger   *zap.Logger
}

// New builds an index server over reg. ttl/refresh of 0 fall back to the
// package defaults.
func New(reg *registry.Local, ttl, refresh time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	s := &Server{registry: reg, logger: logger}
	loader := func(fileName string) (FileDescriptor, bool, error) {
		return s.lookup(fileName)
	}
	s.cache = cache.New(cache.Config{DefaultTTL: ttl, DefaultRefresh: refresh}, loader, logger)
	s.cache.Start()
	return s
}

// Shutdown stops the backing cache's sweeper and refreshers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.cache.Shutdown(ctx)
}

func (s *Server) lookup(fileName string) (FileDescriptor, bool, error) {
	instances := s.registry.Find("file")
	var holders []Holder
	for _, inst := range instances {
		if inst.ServiceID != fileName+"#"+inst.Metadata["peerId"] {
			continue
		}
		holders = append(holders, Holder{
			PeerID:   inst.Metadata["peerId"],
			Checksum: inst.Metadata["checksum"],
		})
	}
	if len(holders) == 0 {
		return FileDescriptor{}, false, nil
	}
	return FileDescriptor{FileName: fileName, Holders: holders}, true, nil
}

// Announce registers the calling peer as a holder of fileName, satisfying
// the POST /files/{name} contract.
func (s *Server) Announce(fileName, peerID, checksum string) {
	s.registry.Register("file", fileName+"#"+peerID, "", 0, map[string]string{
		"peerId":   peerID,
		"checksum": checksum,
	})
	s.cache.Remove(fileName)
}

// Handler implements the HTTP surface: GET /files/{name} and
// POST /files/{name}?peerId=...&checksum=....
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", s.handleFile)
	return mux
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	if name == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		desc, found := s.cache.Get(name)
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(desc)

	case http.MethodPost:
		peerID := r.URL.Query().Get("peerId")
		checksum := r.URL.Query().Get("checksum")
		if peerID == "" {
			http.Error(w, "missing required query parameter: peerId", http.StatusBadRequest)
			return
		}
		s.Announce(name, peerID, checksum)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
