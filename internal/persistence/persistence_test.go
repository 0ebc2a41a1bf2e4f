package persistence

import (
	"context"
	"os"
	"testing"

	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/vclock"
)

// TestSaveSnapshotUpsertsInstance exercises the store against a real
// Postgres instance, skipping unless one is configured. The core registry
// and gossip tests do not depend on this: persistence is best-effort and
// exercised here in isolation.
func TestSaveSnapshotUpsertsInstance(t *testing.T) {
	connString := os.Getenv("P2PMESH_TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("P2PMESH_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}

	store, err := Open(connString)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	inst := registry.New("peer", "p1", "127.0.0.1", 9001, map[string]string{"k": "v"},
		"node-a", vclock.New().IncrementFor("node-a"), 1000, false)

	if err := store.SaveSnapshot(context.Background(), []registry.Instance{inst}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
}
