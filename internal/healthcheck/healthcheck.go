// Package healthcheck exposes the read-only HTTP surface over the Local
// Registry: overall status, a detailed per-service dump, and a
// single-service lookup. Handlers never mutate registry state.
package healthcheck

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mcastellin/p2pmesh/pkg/gossip"
	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/resilience"
)

// ServiceStatus is one entry in the detailed health document.
type ServiceStatus struct {
	ServiceType string            `json:"serviceType"`
	ServiceID   string            `json:"serviceId"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Metadata    map[string]string `json:"metadata"`
}

// PeerHealth is the gossip engine's view of a peer's circuit-breaker state,
// surfaced in the detailed health document.
type PeerHealth struct {
	Peer  string `json:"peer"`
	State string `json:"state"`
}

// Server wires the health endpoints to a Local Registry and, optionally,
// the Gossip Engine whose peer/breaker state decides UP vs. DOWN.
type Server struct {
	registry *registry.Local
	gossip   *gossip.Engine
	engine   *gin.Engine
}

// New builds the health-check HTTP surface. gin runs in release mode: this
// is an operational endpoint, not a developer console. gossipEngine may be
// nil, in which case /health always reports UP (no peer state to aggregate).
func New(reg *registry.Local, gossipEngine *gossip.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{registry: reg, gossip: gossipEngine, engine: engine}
	engine.GET("/health", s.handleHealth)
	engine.GET("/health/detailed", s.handleDetailed)
	engine.GET("/health/service", s.handleService)
	return s
}

// Handler returns the http.Handler to mount on a listener.
func (s *Server) Handler() http.Handler { return s.engine }

// status aggregates registry and gossip state into a single UP/DOWN: DOWN
// iff the gossip engine has dialed at least one peer and every peer it
// knows of currently has an open circuit breaker (this node is isolated).
func (s *Server) status() (string, []PeerHealth) {
	if s.gossip == nil {
		return "UP", nil
	}

	peers := s.gossip.PeerHealth()
	statuses := make([]PeerHealth, len(peers))
	allOpen := len(peers) > 0
	for i, p := range peers {
		statuses[i] = PeerHealth{Peer: p.Peer, State: p.State.String()}
		if p.State != resilience.StateOpen {
			allOpen = false
		}
	}
	if allOpen {
		return "DOWN", statuses
	}
	return "UP", statuses
}

func (s *Server) handleHealth(c *gin.Context) {
	status, _ := s.status()
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) handleDetailed(c *gin.Context) {
	snapshot := s.registry.Snapshot()
	statuses := make([]ServiceStatus, 0, len(snapshot))
	for _, inst := range snapshot {
		if inst.Tombstone {
			continue
		}
		statuses = append(statuses, ServiceStatus{
			ServiceType: inst.ServiceType,
			ServiceID:   inst.ServiceID,
			Host:        inst.Host,
			Port:        inst.Port,
			Metadata:    inst.Metadata,
		})
	}
	status, peers := s.status()
	c.JSON(http.StatusOK, gin.H{"status": status, "services": statuses, "peers": peers})
}

func (s *Server) handleService(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter: name"})
		return
	}

	instances := s.registry.Find(name)
	if len(instances) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no instances found for service: " + name})
		return
	}

	statuses := make([]ServiceStatus, len(instances))
	for i, inst := range instances {
		statuses[i] = ServiceStatus{
			ServiceType: inst.ServiceType,
			ServiceID:   inst.ServiceID,
			Host:        inst.Host,
			Port:        inst.Port,
			Metadata:    inst.Metadata,
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP", "instances": statuses})
}
