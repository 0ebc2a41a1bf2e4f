package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPrecedenceCLIBeatsEnvBeatsFileBeatsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.properties")
	if err := os.WriteFile(path, []byte("tracker.port=7000\ndiscovery.gossip.fanout=9\n"), 0o600); err != nil {
		t.Fatalf("write properties file: %v", err)
	}

	r := New(
		[]string{"--config.file=" + path, "--config.tracker.port=8000"},
		[]string{"TRACKER_PORT=9000", "DISCOVERY_GOSSIP_FANOUT=5"},
		nil,
	)

	if got := r.Int("tracker.port", 6000); got != 8000 {
		t.Fatalf("expected CLI value to win, got %d", got)
	}
	if got := r.Int("discovery.gossip.fanout", 3); got != 5 {
		t.Fatalf("expected env value to win over file, got %d", got)
	}
	if got := r.Int("cache.sweeper.interval.ms", 60000); got != 60000 {
		t.Fatalf("expected default when unset, got %d", got)
	}
}

func TestInvalidIntegerFallsBackToDefault(t *testing.T) {
	r := New([]string{"--config.tracker.port=not-a-number"}, nil, nil)
	if got := r.Int("tracker.port", 6000); got != 6000 {
		t.Fatalf("expected default on parse failure, got %d", got)
	}
}

func TestDurationParsedAsMilliseconds(t *testing.T) {
	r := New([]string{"--config.discovery.gossip.interval.ms=5000"}, nil, nil)
	if got := r.Duration("discovery.gossip.interval.ms", time.Second); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestStringSliceSplitsBootstrapPeers(t *testing.T) {
	r := New([]string{"--config.discovery.gossip.bootstrap.peers=a:1,b:2"}, nil, nil)
	got := r.StringSlice("discovery.gossip.bootstrap.peers", nil)
	want := []string{"a:1", "b:2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected split: %v", got)
	}
}

func TestBoolFallsBackOnUnparsableValue(t *testing.T) {
	r := New([]string{"--config.healthcheck.enabled=maybe"}, nil, nil)
	if got := r.Bool("healthcheck.enabled", true); !got {
		t.Fatalf("expected default true on parse failure")
	}
}
