package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/cache"
	"github.com/mcastellin/p2pmesh/pkg/pool"
	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/rerrors"
	"github.com/mcastellin/p2pmesh/pkg/resilience"
	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// Default gossip parameters, matching the specification's defaults.
const (
	DefaultGossipInterval       = 4 * time.Second
	DefaultFanout               = 3
	DefaultAntiEntropyEvery     = 10
	DefaultMessageTTL           = 30 * time.Second
	DefaultPeerFailureThreshold = 3
	DefaultMaxConcurrentDials   = 8
	DefaultDialTimeout          = 2 * time.Second
	DefaultRetryMaxAttempts     = 2
	DefaultRetryInitialBackoff  = 100 * time.Millisecond
)

// Config controls one Engine's gossip behavior.
type Config struct {
	NodeID               string
	BindAddr             string
	GossipInterval       time.Duration
	Fanout               int
	AntiEntropyEvery     int
	MessageTTL           time.Duration
	BootstrapPeers       []string
	PeerFailureThreshold int
	MaxConcurrentDials   int
	DialTimeout          time.Duration
	RetryMaxAttempts     int
	RetryInitialBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.AntiEntropyEvery <= 0 {
		c.AntiEntropyEvery = DefaultAntiEntropyEvery
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
	if c.PeerFailureThreshold <= 0 {
		c.PeerFailureThreshold = DefaultPeerFailureThreshold
	}
	if c.MaxConcurrentDials <= 0 {
		c.MaxConcurrentDials = DefaultMaxConcurrentDials
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = DefaultRetryInitialBackoff
	}
}

// Engine is the gossip component: it runs periodic push-pull and
// anti-entropy rounds against randomly selected peers, disseminating
// registry deltas and reconciling them via registry.Local.Apply.
//
// The message TTL is a millisecond value, not a hop count: every Message
// carries MessageTTL (a reply copies the request's TTL), a receiver drops a
// message whose TTL is zero or negative, and (origin, seq) pairs are
// remembered for MessageTTL to drop duplicates. The TTL is not decremented
// in transit and messages carry no send time, so a message's age is not
// measured and a positive-TTL message is never dropped for being old.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	registry  *registry.Local
	transport Transport
	server    *Server

	seen *cache.Cache[string, struct{}]
	pool *pool.Pool

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	seq   atomic.Uint64
	round atomic.Uint64

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine creates a gossip Engine bound to cfg.BindAddr, backed by reg.
func NewEngine(cfg Config, reg *registry.Local, transport Transport, logger *zap.Logger) (*Engine, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		transport: transport,
		pool:      pool.New(cfg.MaxConcurrentDials),
		breakers:  map[string]*resilience.CircuitBreaker{},
		closeCh:   make(chan struct{}),
	}

	noopLoader := func(string) (struct{}, bool, error) { return struct{}{}, false, nil }
	e.seen = cache.New(cache.Config{DefaultTTL: cfg.MessageTTL}, noopLoader, logger)

	server, err := NewServer(cfg.BindAddr, e.handleInbound)
	if err != nil {
		return nil, err
	}
	e.server = server

	return e, nil
}

// Addr returns the engine's bound network address.
func (e *Engine) Addr() string { return e.server.Addr().String() }

// PeerStatus summarizes one peer's circuit-breaker state, for the
// health-check surface to aggregate into an overall UP/DOWN.
type PeerStatus struct {
	Peer  string
	State resilience.State
}

// PeerHealth returns the breaker state of every peer this engine has ever
// dialed. A peer absent from the result has never been contacted yet.
func (e *Engine) PeerHealth() []PeerStatus {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	out := make([]PeerStatus, 0, len(e.breakers))
	for peer, b := range e.breakers {
		out = append(out, PeerStatus{Peer: peer, State: b.State()})
	}
	return out
}

// Start launches the inbound server, the seen-message cache sweeper, and
// the periodic gossip loop.
func (e *Engine) Start() {
	e.seen.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.server.Serve()
	}()

	e.wg.Add(1)
	go e.gossipLoop()
}

// Shutdown stops the gossip loop, drains in-flight rounds, and closes the
// inbound server and connection pool within ctx's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.closeCh) })

	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Warn("gossip server shutdown error", zap.Error(err))
	}
	if err := e.pool.Shutdown(ctx); err != nil {
		e.logger.Warn("gossip pool shutdown error", zap.Error(err))
	}
	if err := e.seen.Shutdown(ctx); err != nil {
		e.logger.Warn("gossip seen-cache shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

func (e *Engine) seenKey(origin string, seq uint64) string {
	return fmt.Sprintf("%s/%d", origin, seq)
}

func (e *Engine) alreadySeen(origin string, seq uint64) bool {
	_, found := e.seen.Get(e.seenKey(origin, seq))
	return found
}

func (e *Engine) markSeen(origin string, seq uint64) {
	e.seen.Put(e.seenKey(origin, seq), struct{}{}, e.cfg.MessageTTL, 0)
}

// knownPeers returns bootstrap peers plus every "peer"-typed registry entry
// this node has learned about, deduplicated and excluding itself.
func (e *Engine) knownPeers() []string {
	set := map[string]struct{}{}
	for _, p := range e.cfg.BootstrapPeers {
		if p != "" && p != e.cfg.BindAddr {
			set[p] = struct{}{}
		}
	}
	for _, inst := range e.registry.Find("peer") {
		addr := fmt.Sprintf("%s:%d", inst.Host, inst.Port)
		if addr != e.cfg.BindAddr {
			set[addr] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

// selectPeers picks up to Fanout peers uniformly at random from knownPeers.
func (e *Engine) selectPeers() []string {
	peers := e.knownPeers()
	if len(peers) <= e.cfg.Fanout {
		return peers
	}

	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	return peers[:e.cfg.Fanout]
}

func (e *Engine) breakerFor(peer string) *resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()

	b, ok := e.breakers[peer]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: e.cfg.PeerFailureThreshold,
			ResetTimeout:     e.cfg.GossipInterval * 3,
			HalfOpenMaxCalls: 1,
		})
		e.breakers[peer] = b
	}
	return b
}

func (e *Engine) gossipLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			e.runRound()
		}
	}
}

func (e *Engine) runRound() {
	round := e.round.Add(1)
	peers := e.selectPeers()
	if len(peers) == 0 {
		e.logger.Debug("gossip round skipped: no known peers", zap.String("node", e.cfg.NodeID))
		return
	}

	antiEntropy := round%uint64(e.cfg.AntiEntropyEvery) == 0
	for _, peer := range peers {
		peer := peer
		go e.contactPeer(peer, antiEntropy)
	}
}

// contactPeer dials peer through the bounded pool, wrapped by a retry
// driver that re-attempts classified network/resource failures, the whole
// of which is guarded by the per-peer circuit breaker — mirroring the
// specification's "outbound calls flow through the Connection Pool and are
// wrapped by Retry/Circuit Breaker" data flow.
func (e *Engine) contactPeer(peer string, antiEntropy bool) {
	breaker := e.breakerFor(peer)
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    e.cfg.RetryMaxAttempts,
		InitialBackoff: e.cfg.RetryInitialBackoff,
		MaxBackoff:     e.cfg.DialTimeout,
		Strategy:       resilience.ExponentialJitter,
		IsRetryable:    rerrors.IsRetryable,
	}

	err := breaker.Execute(context.Background(), func(ctx context.Context) error {
		return resilience.ExecuteWithRetry(ctx, retryCfg, func(ctx context.Context) error {
			err := e.pool.ExecuteWithConnection(ctx, e.cfg.DialTimeout, func(ctx context.Context) error {
				if antiEntropy {
					return e.fullSyncRound(ctx, peer)
				}
				return e.digestRound(ctx, peer)
			})
			return classifyDialError(err)
		})
	})
	if err != nil {
		e.logger.Debug("gossip exchange failed", zap.String("peer", peer), zap.Error(err))
	}
}

// classifyDialError tags a pool/transport failure with the rerrors taxonomy
// so the retry driver's IsRetryable predicate can decide whether another
// attempt is worthwhile.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		return rerrors.New(rerrors.KindResource, "gossip: acquire connection", err)
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, context.Canceled):
		return rerrors.New(rerrors.KindCancelled, "gossip: pool unavailable", err)
	default:
		return rerrors.New(rerrors.KindNetwork, "gossip: contact peer", err)
	}
}

// digestRound performs the default push-pull exchange: send a version
// digest, receive entries the peer has newer/concurrent versions of plus
// the identities it wants from us, then push those back in a follow-up
// SYNC message.
func (e *Engine) digestRound(ctx context.Context, peer string) error {
	digest := buildDigest(e.registry.Snapshot())

	req := Message{
		Type:   TypeDigest,
		Origin: e.cfg.NodeID,
		Seq:    e.nextSeq(),
		TTL:    e.cfg.MessageTTL.Milliseconds(),
		Digest: digest,
	}

	reply, err := e.transport.Send(ctx, peer, req)
	if err != nil {
		return err
	}
	if !e.acceptMessage(reply) {
		return nil
	}

	for _, w := range reply.Entries {
		e.registry.Apply(fromWire(w))
	}

	if len(reply.Wants) == 0 {
		return nil
	}

	wanted := e.collectWanted(reply.Wants)
	if len(wanted) == 0 {
		return nil
	}

	follow := Message{
		Type:    TypeSync,
		Origin:  e.cfg.NodeID,
		Seq:     e.nextSeq(),
		TTL:     e.cfg.MessageTTL.Milliseconds(),
		Entries: wanted,
	}
	_, err = e.transport.Send(ctx, peer, follow)
	return err
}

// fullSyncRound performs an anti-entropy exchange: ship the entire local
// snapshot and apply whatever repair entries the peer sends back.
func (e *Engine) fullSyncRound(ctx context.Context, peer string) error {
	snapshot := e.registry.Snapshot()
	entries := make([]WireInstance, len(snapshot))
	for i, inst := range snapshot {
		entries[i] = toWire(inst)
	}

	req := Message{
		Type:    TypeSync,
		Origin:  e.cfg.NodeID,
		Seq:     e.nextSeq(),
		TTL:     e.cfg.MessageTTL.Milliseconds(),
		Entries: entries,
	}

	reply, err := e.transport.Send(ctx, peer, req)
	if err != nil {
		return err
	}
	if !e.acceptMessage(reply) {
		return nil
	}
	for _, w := range reply.Entries {
		e.registry.Apply(fromWire(w))
	}
	return nil
}

func (e *Engine) collectWanted(wants []string) []WireInstance {
	want := map[string]struct{}{}
	for _, k := range wants {
		want[k] = struct{}{}
	}

	var out []WireInstance
	for _, inst := range e.registry.Snapshot() {
		if _, ok := want[wantKey(inst.ServiceType, inst.ServiceID)]; ok {
			out = append(out, toWire(inst))
		}
	}
	return out
}

// acceptMessage enforces the TTL and dedup policy on an inbound message,
// marking it seen if fresh. It returns false when the message should be
// ignored (expired or already processed).
func (e *Engine) acceptMessage(msg Message) bool {
	if msg.Origin == "" {
		return true // locally-synthesized ACKs carry no origin/seq
	}
	if msg.TTL <= 0 {
		return false
	}
	if e.alreadySeen(msg.Origin, msg.Seq) {
		return false
	}
	e.markSeen(msg.Origin, msg.Seq)
	return true
}

// handleInbound is the Server Handler: it answers DIGEST and SYNC requests
// from the wire, running entirely on the accepting side's goroutine.
func (e *Engine) handleInbound(req Message) Message {
	switch req.Type {
	case TypeDigest:
		return e.handleDigest(req)
	case TypeSync:
		return e.handleSync(req)
	case TypeAck:
		return Message{Type: TypeAck, Origin: e.cfg.NodeID, Seq: e.nextSeq()}
	default:
		// Unknown type values are dropped per the wire format contract.
		return Message{Type: TypeAck, Origin: e.cfg.NodeID, Seq: e.nextSeq()}
	}
}

func (e *Engine) handleDigest(req Message) Message {
	if !e.acceptMessage(req) {
		return Message{Type: TypeAck, Origin: e.cfg.NodeID, Seq: e.nextSeq()}
	}

	ownByID := map[string]registry.Instance{}
	for _, inst := range e.registry.Snapshot() {
		ownByID[wantKey(inst.ServiceType, inst.ServiceID)] = inst
	}

	seenInReq := map[string]struct{}{}
	var push []WireInstance
	var wants []string

	for _, d := range req.Digest {
		key := wantKey(d.ServiceType, d.ServiceID)
		seenInReq[key] = struct{}{}

		own, ok := ownByID[key]
		if !ok {
			wants = append(wants, key)
			continue
		}
		switch own.Version.Compare(vclock.Clock(d.Version)) {
		case vclock.Before:
			wants = append(wants, key)
		case vclock.After, vclock.Concurrent:
			push = append(push, toWire(own))
		}
	}

	for key, inst := range ownByID {
		if _, ok := seenInReq[key]; !ok {
			push = append(push, toWire(inst))
		}
	}

	return Message{
		Type:    TypeSync,
		Origin:  e.cfg.NodeID,
		Seq:     e.nextSeq(),
		TTL:     req.TTL,
		Entries: push,
		Wants:   wants,
	}
}

func (e *Engine) handleSync(req Message) Message {
	if !e.acceptMessage(req) {
		return Message{Type: TypeAck, Origin: e.cfg.NodeID, Seq: e.nextSeq()}
	}

	incoming := map[string]WireInstance{}
	for _, w := range req.Entries {
		incoming[wantKey(w.ServiceType, w.ServiceID)] = w
		e.registry.Apply(fromWire(w))
	}

	var repair []WireInstance
	for _, inst := range e.registry.Snapshot() {
		key := wantKey(inst.ServiceType, inst.ServiceID)
		in, ok := incoming[key]
		if !ok {
			repair = append(repair, toWire(inst))
			continue
		}
		if inst.Version.Compare(vclock.Clock(in.Version)) != vclock.Before {
			repair = append(repair, toWire(inst))
		}
	}

	return Message{Type: TypeAck, Origin: e.cfg.NodeID, Seq: e.nextSeq(), TTL: req.TTL, Entries: repair}
}

func buildDigest(instances []registry.Instance) []DigestEntry {
	out := make([]DigestEntry, len(instances))
	for i, inst := range instances {
		out[i] = DigestEntry{
			ServiceType: inst.ServiceType,
			ServiceID:   inst.ServiceID,
			Version:     map[string]uint64(inst.Version),
		}
	}
	return out
}
