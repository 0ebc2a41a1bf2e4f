// Package peer implements the file-host/client node: it registers itself
// with a Tracker over the line protocol and independently announces
// itself in its own Local Registry (service type "peer") so the Gossip
// Engine disseminates its presence mesh-wide even to nodes that never
// dial that particular tracker. Outbound calls to other peers are executed
// through the Connection Pool, retried on classified transient failures,
// and wrapped by a Circuit Breaker per remote peer, mirroring how the
// gossip engine dials its own peers.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/pool"
	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/rerrors"
	"github.com/mcastellin/p2pmesh/pkg/resilience"
)

// Config controls one peer node's identity and collaborators.
type Config struct {
	PeerID               string
	BindAddr             string
	TrackerAddr          string
	MaxConcurrentDials   int
	DialTimeout          time.Duration
	PeerFailureThreshold int
	BreakerResetTimeout  time.Duration
	RetryMaxAttempts     int
	RetryInitialBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConcurrentDials <= 0 {
		c.MaxConcurrentDials = 8
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.PeerFailureThreshold <= 0 {
		c.PeerFailureThreshold = 3
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 10 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 2
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = 100 * time.Millisecond
	}
}

// Node is one file-hosting peer.
type Node struct {
	cfg      Config
	registry *registry.Local
	logger   *zap.Logger

	pool *pool.Pool

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// New constructs a peer Node bound to the given Local Registry.
func New(cfg Config, reg *registry.Local, logger *zap.Logger) *Node {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		pool:     pool.New(cfg.MaxConcurrentDials),
		breakers: map[string]*resilience.CircuitBreaker{},
	}
}

// Join registers this peer both with the configured tracker (line
// protocol) and with its own Local Registry, so both discovery paths know
// about it from startup.
func (n *Node) Join(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(n.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("peer: invalid bind address %q: %w", n.cfg.BindAddr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("peer: invalid port in bind address %q: %w", n.cfg.BindAddr, err)
	}

	n.registry.Register("peer", n.cfg.PeerID, host, port, nil)

	if n.cfg.TrackerAddr == "" {
		return nil
	}
	return n.registerWithTracker(ctx, port)
}

func (n *Node) registerWithTracker(ctx context.Context, port int) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", n.cfg.TrackerAddr)
	if err != nil {
		return fmt.Errorf("peer: dial tracker: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "REGISTER %s %d\n", n.cfg.PeerID, port); err != nil {
		return fmt.Errorf("peer: send REGISTER: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("peer: read tracker reply: %w", err)
	}
	if !strings.HasPrefix(reply, "REGISTERED") {
		return fmt.Errorf("peer: tracker rejected registration: %s", strings.TrimSpace(reply))
	}
	return nil
}

func (n *Node) breakerFor(peerAddr string) *resilience.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	b, ok := n.breakers[peerAddr]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: n.cfg.PeerFailureThreshold,
			ResetTimeout:     n.cfg.BreakerResetTimeout,
			HalfOpenMaxCalls: 1,
		})
		n.breakers[peerAddr] = b
	}
	return b
}

// CallPeer runs fn against a remote peer at addr, bounded by the
// connection pool, retried on classified transient failures, and guarded
// by a per-peer circuit breaker, exactly as the gossip engine dials its
// own peers.
func (n *Node) CallPeer(ctx context.Context, addr string, fn func(context.Context, net.Conn) error) error {
	breaker := n.breakerFor(addr)
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    n.cfg.RetryMaxAttempts,
		InitialBackoff: n.cfg.RetryInitialBackoff,
		MaxBackoff:     n.cfg.DialTimeout,
		Strategy:       resilience.ExponentialJitter,
		IsRetryable:    rerrors.IsRetryable,
	}

	return breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.ExecuteWithRetry(ctx, retryCfg, func(ctx context.Context) error {
			err := n.pool.ExecuteWithConnection(ctx, n.cfg.DialTimeout, func(ctx context.Context) error {
				dialer := net.Dialer{}
				conn, err := dialer.DialContext(ctx, "tcp", addr)
				if err != nil {
					return err
				}
				defer conn.Close()
				if deadline, ok := ctx.Deadline(); ok {
					_ = conn.SetDeadline(deadline)
				}
				return fn(ctx, conn)
			})
			return classifyDialError(err)
		})
	})
}

// classifyDialError tags a pool/dial failure with the rerrors taxonomy so
// the retry driver's IsRetryable predicate can decide whether another
// attempt is worthwhile.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		return rerrors.New(rerrors.KindResource, "peer: acquire connection", err)
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, context.Canceled):
		return rerrors.New(rerrors.KindCancelled, "peer: pool unavailable", err)
	default:
		return rerrors.New(rerrors.KindNetwork, "peer: call peer", err)
	}
}

// Peers returns every other peer currently known to the Local Registry.
func (n *Node) Peers() []registry.Instance {
	out := make([]registry.Instance, 0)
	for _, inst := range n.registry.Find("peer") {
		if inst.ServiceID != n.cfg.PeerID {
			out = append(out, inst)
		}
	}
	return out
}

// Leave deregisters this peer from its own Local Registry, installing a
// tombstone the gossip engine will disseminate.
func (n *Node) Leave() {
	n.registry.Deregister("peer", n.cfg.PeerID)
}

// Shutdown drains the outbound connection pool.
func (n *Node) Shutdown(ctx context.Context) error {
	return n.pool.Shutdown(ctx)
}
