package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func newTestEngine(t *testing.T, nodeID string, bootstrap []string) (*Engine, *registry.Local) {
	t.Helper()

	reg := registry.NewLocal(registry.Config{NodeID: nodeID}, nil)
	reg.Start()
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	cfg := Config{
		NodeID:           nodeID,
		BindAddr:         "127.0.0.1:0",
		GossipInterval:   30 * time.Millisecond,
		Fanout:           2,
		AntiEntropyEvery: 3,
		MessageTTL:       5 * time.Second,
		BootstrapPeers:   bootstrap,
	}

	e, err := NewEngine(cfg, reg, &TCPTransport{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, reg
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDigestRoundPropagatesRegistration(t *testing.T) {
	engineA, regA := newTestEngine(t, "node-a", nil)
	engineA.Start()

	engineB, regB := newTestEngine(t, "node-b", []string{engineA.Addr()})
	engineB.Start()

	regA.Register("file", "doc-1", "127.0.0.1", 9001, map[string]string{"size": "10"})

	waitFor(t, 3*time.Second, func() bool {
		_, ok := regB.FindByID("file", "doc-1")
		return ok
	})

	inst, ok := regB.FindByID("file", "doc-1")
	if !ok {
		t.Fatal("expected node-b to learn about doc-1")
	}
	if inst.Host != "127.0.0.1" || inst.Port != 9001 {
		t.Fatalf("unexpected propagated instance: %+v", inst)
	}
}

func TestFullSyncConvergesTombstones(t *testing.T) {
	engineA, regA := newTestEngine(t, "node-a", nil)
	engineA.Start()

	engineB, regB := newTestEngine(t, "node-b", []string{engineA.Addr()})
	engineB.Start()

	regA.Register("file", "doc-2", "127.0.0.1", 9002, nil)
	waitFor(t, 3*time.Second, func() bool {
		_, ok := regB.FindByID("file", "doc-2")
		return ok
	})

	regA.Deregister("file", "doc-2")
	waitFor(t, 3*time.Second, func() bool {
		_, ok := regB.FindByID("file", "doc-2")
		return !ok
	})
}

func TestDigestBuildsOneEntryPerInstance(t *testing.T) {
	reg := registry.NewLocal(registry.Config{NodeID: "node-x"}, nil)
	reg.Register("peer", "p1", "10.0.0.1", 7000, nil)
	reg.Register("peer", "p2", "10.0.0.2", 7000, nil)

	digest := buildDigest(reg.Snapshot())
	if len(digest) != 2 {
		t.Fatalf("expected 2 digest entries, got %d", len(digest))
	}
}

func TestAcceptMessageRejectsExpiredTTL(t *testing.T) {
	engineA, _ := newTestEngine(t, "node-a", nil)

	if engineA.acceptMessage(Message{Origin: "node-z", Seq: 1, TTL: 0}) {
		t.Fatal("expected a zero-TTL message to be rejected")
	}
	if !engineA.acceptMessage(Message{Origin: "node-z", Seq: 1, TTL: 1000}) {
		t.Fatal("expected a fresh message to be accepted")
	}
	if engineA.acceptMessage(Message{Origin: "node-z", Seq: 1, TTL: 1000}) {
		t.Fatal("expected a repeated (origin, seq) to be rejected as already seen")
	}
}
